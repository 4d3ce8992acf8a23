package keypool

import (
	"testing"
	"time"
)

func testCreds(n int) []Credential {
	creds := make([]Credential, n)
	for i := range creds {
		creds[i] = Credential{Secret: "sk-test-" + string(rune('a'+i)), Model: "llama3.2"}
	}
	return creds
}

func TestCurrentEmptyPool(t *testing.T) {
	p := New(nil)

	if _, ok := p.Current(); ok {
		t.Fatal("expected no slot from empty pool")
	}
	if p.ReportFailure(ClassAuth) {
		t.Error("empty pool must not report rotation")
	}
}

func TestRotateAfterThreshold(t *testing.T) {
	p := New(testCreds(3), WithMaxFailures(2))

	// First generic failure stays put.
	if rotated := p.ReportFailure(ClassOther); rotated {
		t.Fatal("rotated after one generic failure")
	}
	slot, _ := p.Current()
	if slot.Index != 0 {
		t.Fatalf("active = %d, want 0", slot.Index)
	}

	// Second failure hits the threshold.
	if rotated := p.ReportFailure(ClassOther); !rotated {
		t.Fatal("expected rotation at threshold")
	}
	slot, _ = p.Current()
	if slot.Index != 1 {
		t.Fatalf("active = %d, want 1", slot.Index)
	}
}

func TestRateLimitedRotatesImmediately(t *testing.T) {
	p := New(testCreds(3), WithMaxFailures(2))

	if rotated := p.ReportFailure(ClassRateLimited); !rotated {
		t.Fatal("rate-limited failure must rotate on the first report")
	}
	slot, _ := p.Current()
	if slot.Index != 1 {
		t.Fatalf("active = %d, want 1", slot.Index)
	}
}

func TestAuthRejectionRotatesImmediately(t *testing.T) {
	p := New(testCreds(2))

	if rotated := p.ReportFailure(ClassAuth); !rotated {
		t.Fatal("auth rejection must rotate on the first report")
	}
	slot, _ := p.Current()
	if slot.Index != 1 {
		t.Fatalf("active = %d, want 1", slot.Index)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	p := New(testCreds(2), WithMaxFailures(2))

	p.ReportFailure(ClassOther)
	p.ReportSuccess()
	if rotated := p.ReportFailure(ClassOther); rotated {
		t.Fatal("failure count should have been reset by success")
	}
}

func TestRotateSkipsCooldown(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	p := New(testCreds(3), WithCooldown(5*time.Minute), withClock(clock))

	// Put slot 1 into cooldown, then rotate away from slot 0.
	p.mu.Lock()
	p.slots[1].lastFail = now.Add(-time.Minute)
	p.mu.Unlock()

	p.ReportFailure(ClassAuth)
	slot, _ := p.Current()
	if slot.Index != 2 {
		t.Fatalf("active = %d, want 2 (slot 1 is cooling down)", slot.Index)
	}
}

func TestRotateBestEffortWhenAllCoolingDown(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	p := New(testCreds(3), WithCooldown(5*time.Minute), withClock(clock))

	p.mu.Lock()
	p.slots[1].lastFail = now.Add(-time.Minute) // staler
	p.slots[2].lastFail = now.Add(-30 * time.Second)
	p.mu.Unlock()

	// Rotation still happens, to the least recently failed slot.
	if rotated := p.ReportFailure(ClassAuth); !rotated {
		t.Fatal("rotation must never refuse with N >= 2")
	}
	slot, _ := p.Current()
	if slot.Index != 1 {
		t.Fatalf("active = %d, want 1 (least recently failed)", slot.Index)
	}
}

func TestNextResetTime(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	p := New(testCreds(2), WithCooldown(5*time.Minute), withClock(clock))

	// Fresh pool: at least one slot is available.
	if _, exhausted := p.NextResetTime(); exhausted {
		t.Fatal("fresh pool reported exhausted")
	}

	p.mu.Lock()
	p.slots[0].lastFail = now.Add(-time.Minute)
	p.slots[1].lastFail = now.Add(-2 * time.Minute)
	p.mu.Unlock()

	reset, exhausted := p.NextResetTime()
	if !exhausted {
		t.Fatal("expected exhausted pool")
	}
	want := now.Add(-2 * time.Minute).Add(5 * time.Minute)
	if !reset.Equal(want) {
		t.Fatalf("reset = %v, want %v", reset, want)
	}
	if reset.Before(now) {
		t.Fatal("reset time must not be in the past")
	}

	if got := p.CooldownCount(); got != 2 {
		t.Fatalf("CooldownCount = %d, want 2", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	p := New(testCreds(2))

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snap))
	}
	snap[0].Secret = "mutated"

	slot, _ := p.Current()
	if slot.Secret == "mutated" {
		t.Fatal("snapshot mutation leaked into pool")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Classification
	}{
		{401, ClassAuth},
		{403, ClassAuth},
		{429, ClassRateLimited},
		{502, ClassRateLimited},
		{500, ClassOther},
		{404, ClassOther},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.status); got != tc.want {
			t.Errorf("ClassifyStatus(%d) = %d, want %d", tc.status, got, tc.want)
		}
	}
}
