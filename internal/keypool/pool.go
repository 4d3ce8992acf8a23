// Package keypool manages the ordered pool of (API key, bound model) pairs
// and the rotation policy that moves between them on upstream failures.
package keypool

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Defaults for the rotation policy.
const (
	DefaultMaxFailures = 2
	DefaultCooldown    = 5 * time.Minute
)

// Classification describes why an upstream call failed, as far as the
// rotation policy cares.
type Classification int

const (
	// ClassOther counts toward the failure threshold but does not force
	// an immediate rotation.
	ClassOther Classification = iota
	// ClassAuth is a 401/403 rejection; the key is bad, rotate now.
	ClassAuth
	// ClassRateLimited is a 429, or a 502 (gateway overload is treated
	// the same way); rotate now.
	ClassRateLimited
	// ClassTransient is a network-level error; retried with backoff by
	// the pipeline, never rotates on its own.
	ClassTransient
)

// ClassifyStatus maps an upstream HTTP status to a failure classification.
func ClassifyStatus(status int) Classification {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassAuth
	case http.StatusTooManyRequests, http.StatusBadGateway:
		return ClassRateLimited
	}
	return ClassOther
}

// Slot is one credential in the pool. Secret is held in memory only and is
// never persisted.
type Slot struct {
	Index  int
	Secret string
	Model  string

	failures int
	lastFail time.Time
}

// Failures returns the consecutive failure count for the slot.
func (s Slot) Failures() int { return s.failures }

// LastFailure returns the time of the slot's most recent failure.
func (s Slot) LastFailure() time.Time { return s.lastFail }

// Pool holds the slots and the active cursor. All methods are safe for
// concurrent use; concurrent requests may observe different active slots.
type Pool struct {
	mu          sync.Mutex
	slots       []Slot
	active      int
	maxFailures int
	cooldown    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxFailures sets the consecutive-failure threshold that triggers
// rotation for generic failures.
func WithMaxFailures(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxFailures = n
		}
	}
}

// WithCooldown sets how long a failed slot is skipped during rotation.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// withClock overrides the time source, for tests.
func withClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Credential is one (secret, model) pair from configuration.
type Credential struct {
	Secret string
	Model  string
}

// New creates a pool from the configured credentials, in order. The first
// slot starts active.
func New(creds []Credential, opts ...Option) *Pool {
	p := &Pool{
		maxFailures: DefaultMaxFailures,
		cooldown:    DefaultCooldown,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for i, c := range creds {
		p.slots = append(p.slots, Slot{Index: i, Secret: c.Secret, Model: c.Model})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Current returns the active slot. The second return is false when the pool
// is empty; callers must handle that explicitly.
func (p *Pool) Current() (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) == 0 {
		return Slot{}, false
	}
	return p.slots[p.active], true
}

// ReportSuccess clears the failure counter on the active slot.
func (p *Pool) ReportSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) == 0 {
		return
	}
	p.slots[p.active].failures = 0
}

// ReportFailure records a failure against the active slot and rotates when
// the classification demands it (auth rejection, rate limiting) or the
// consecutive-failure threshold is reached. Returns true when rotation
// occurred.
func (p *Pool) ReportFailure(class Classification) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) == 0 {
		return false
	}

	slot := &p.slots[p.active]
	slot.failures++
	slot.lastFail = p.now()

	rotateNow := class == ClassAuth || class == ClassRateLimited ||
		slot.failures >= p.maxFailures
	if !rotateNow {
		return false
	}

	from := p.active
	if !p.rotateLocked() {
		return false
	}
	p.logger.Warn("rotated credential slot",
		"from", from,
		"to", p.active,
		"failures", slot.failures,
		"classification", int(class),
	)
	return true
}

// rotateLocked advances the cursor to the next slot outside its cooldown
// window. When every candidate is cooling down it still advances, to the
// least-recently-failed slot: rotation never refuses for N >= 2.
func (p *Pool) rotateLocked() bool {
	n := len(p.slots)
	if n < 2 {
		return false
	}

	now := p.now()
	best := -1
	var bestFail time.Time

	for i := 1; i <= n; i++ {
		idx := (p.active + i) % n
		if idx == p.active {
			continue
		}
		s := p.slots[idx]
		if s.lastFail.IsZero() || now.Sub(s.lastFail) >= p.cooldown {
			p.setActiveLocked(idx)
			return true
		}
		if best == -1 || s.lastFail.Before(bestFail) {
			best = idx
			bestFail = s.lastFail
		}
	}

	// Best effort: everything is cooling down, take the stalest.
	p.setActiveLocked(best)
	return true
}

func (p *Pool) setActiveLocked(idx int) {
	p.active = idx
	p.slots[idx].failures = 0
}

// NextResetTime returns the earliest time a slot leaves cooldown. The second
// return is false when at least one slot is already outside cooldown, i.e.
// the pool is not exhausted.
func (p *Pool) NextResetTime() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var earliest time.Time
	for _, s := range p.slots {
		if s.lastFail.IsZero() || now.Sub(s.lastFail) >= p.cooldown {
			return time.Time{}, false
		}
		reset := s.lastFail.Add(p.cooldown)
		if earliest.IsZero() || reset.Before(earliest) {
			earliest = reset
		}
	}
	if earliest.IsZero() {
		return time.Time{}, false
	}
	return earliest, true
}

// CooldownCount returns how many slots are currently inside their cooldown
// window.
func (p *Pool) CooldownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	count := 0
	for _, s := range p.slots {
		if !s.lastFail.IsZero() && now.Sub(s.lastFail) < p.cooldown {
			count++
		}
	}
	return count
}

// Snapshot returns a read-only copy of every slot, for the dispatcher.
func (p *Pool) Snapshot() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Slot, len(p.slots))
	copy(out, p.slots)
	return out
}
