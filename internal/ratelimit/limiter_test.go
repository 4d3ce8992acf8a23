package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/jmallek/llamagate/internal/types"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(map[string]TierLimits{TierFree: {RPM: 3}}, TierFree)

	for i := 0; i < 3; i++ {
		dec, err := l.Allow("caller-1", TierFree)
		if err != nil {
			t.Fatalf("call %d rejected: %v", i, err)
		}
		if !dec.Allowed {
			t.Fatalf("call %d not allowed", i)
		}
		if want := int64(3 - i - 1); dec.Remaining != want {
			t.Errorf("call %d remaining = %d, want %d", i, dec.Remaining, want)
		}
	}
}

func TestRejectAboveRPM(t *testing.T) {
	l := New(map[string]TierLimits{TierFree: {RPM: 1}}, TierFree)

	if _, err := l.Allow("caller-1", TierFree); err != nil {
		t.Fatalf("first call rejected: %v", err)
	}

	_, err := l.Allow("caller-1", TierFree)
	var rle *types.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.Scope != "requests" {
		t.Errorf("scope = %q, want requests", rle.Scope)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > time.Minute {
		t.Errorf("retry-after = %v, want within (0, 1m]", rle.RetryAfter)
	}
}

func TestCallersAreIndependent(t *testing.T) {
	l := New(map[string]TierLimits{TierFree: {RPM: 1}}, TierFree)

	if _, err := l.Allow("caller-1", TierFree); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Allow("caller-2", TierFree); err != nil {
		t.Fatalf("independent caller was rejected: %v", err)
	}
}

func TestWindowResetsWholesale(t *testing.T) {
	now := time.Now()
	l := New(map[string]TierLimits{TierFree: {RPM: 1}}, TierFree)
	l.now = func() time.Time { return now }

	if _, err := l.Allow("caller-1", TierFree); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Allow("caller-1", TierFree); err == nil {
		t.Fatal("expected rejection inside the window")
	}

	now = now.Add(requestWindow + time.Second)
	if _, err := l.Allow("caller-1", TierFree); err != nil {
		t.Fatalf("expected fresh window after reset, got %v", err)
	}
}

func TestTokensBlockSubsequentCalls(t *testing.T) {
	l := New(map[string]TierLimits{TierFree: {RPM: 100, TPM: 50}}, TierFree)

	// The first call is admitted even though its cost is unknown.
	if _, err := l.Allow("caller-1", TierFree); err != nil {
		t.Fatal(err)
	}
	l.RecordTokens("caller-1", 80) // over budget after the fact

	_, err := l.Allow("caller-1", TierFree)
	var rle *types.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.Scope != "tokens" {
		t.Errorf("scope = %q, want tokens", rle.Scope)
	}
}

func TestUnknownTierGetsLowest(t *testing.T) {
	l := New(map[string]TierLimits{
		TierFree: {RPM: 1},
		TierPro:  {RPM: 100},
	}, TierFree)

	if _, err := l.Allow("anon", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Allow("anon", ""); err == nil {
		t.Fatal("unauthenticated caller must get the lowest tier limit")
	}
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	l := New(map[string]TierLimits{TierEnterprise: {}}, TierEnterprise)

	for i := 0; i < 50; i++ {
		dec, err := l.Allow("caller-1", TierEnterprise)
		if err != nil {
			t.Fatalf("call %d rejected under unlimited tier: %v", i, err)
		}
		// A header renderer must be able to tell "no ceiling" apart from
		// "0 remaining".
		if !dec.Unlimited {
			t.Fatal("decision not marked unlimited for a zero-RPM tier")
		}
	}

	limited := New(map[string]TierLimits{TierFree: {RPM: 5}}, TierFree)
	dec, err := limited.Allow("caller-2", TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Unlimited {
		t.Error("bounded tier marked unlimited")
	}
}
