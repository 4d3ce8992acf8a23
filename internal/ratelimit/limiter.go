// Package ratelimit admission-controls callers with two fixed windows per
// identity: a hard request-per-minute gate and a soft token-per-minute gate
// charged after calls complete.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jmallek/llamagate/internal/types"
)

// Window lengths. Both counters reset wholesale on expiry; this is a fixed
// window, not a rolling one, with the usual boundary-burst imprecision.
const (
	requestWindow = time.Minute
	tokenWindow   = time.Minute
)

// TierLimits are the per-window ceilings for one caller tier. Zero means
// unlimited.
type TierLimits struct {
	RPM int64
	TPM int64
}

// Built-in tier names.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// DefaultTiers is the standard tier table; callers may override it from
// configuration.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		TierFree:       {RPM: 20, TPM: 40_000},
		TierPro:        {RPM: 120, TPM: 400_000},
		TierEnterprise: {RPM: 1200, TPM: 4_000_000},
	}
}

// Decision carries the outcome of an admission check plus the values needed
// to render standard rate-limit response headers. When Unlimited is set the
// tier has no request ceiling and Limit/Remaining are meaningless; renderers
// should omit the headers rather than report zero.
type Decision struct {
	Allowed   bool
	Unlimited bool
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// callerWindows is the pair of fixed windows for one caller identity.
type callerWindows struct {
	mu           sync.Mutex
	requestStart time.Time
	requests     int64
	tokenStart   time.Time
	tokens       int64
}

// Limiter enforces per-caller request and token budgets.
type Limiter struct {
	callers sync.Map // map[string]*callerWindows
	tiers   map[string]TierLimits
	lowest  string
	now     func() time.Time
}

// New creates a limiter with the given tier table. When tiers is nil the
// default table is used. The named lowest tier is applied to unknown and
// unauthenticated callers.
func New(tiers map[string]TierLimits, lowest string) *Limiter {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	if lowest == "" {
		lowest = TierFree
	}
	return &Limiter{tiers: tiers, lowest: lowest, now: time.Now}
}

// limitsFor resolves the tier table entry, falling back to the lowest tier.
func (l *Limiter) limitsFor(tier string) TierLimits {
	if limits, ok := l.tiers[tier]; ok {
		return limits
	}
	return l.tiers[l.lowest]
}

func (l *Limiter) windows(callerID string) *callerWindows {
	now := l.now()
	val, _ := l.callers.LoadOrStore(callerID, &callerWindows{
		requestStart: now,
		tokenStart:   now,
	})
	return val.(*callerWindows)
}

// Allow checks both windows for the caller and, when admitted, charges one
// request against the RPM window. Rejections return a RateLimitedError with
// a retry-after hint; the Decision is valid either way.
func (l *Limiter) Allow(callerID, tier string) (Decision, error) {
	limits := l.limitsFor(tier)
	w := l.windows(callerID)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	if now.Sub(w.requestStart) >= requestWindow {
		w.requestStart = now
		w.requests = 0
	}
	if now.Sub(w.tokenStart) >= tokenWindow {
		w.tokenStart = now
		w.tokens = 0
	}

	reset := w.requestStart.Add(requestWindow)
	dec := Decision{Limit: limits.RPM, Reset: reset, Unlimited: limits.RPM <= 0}

	if limits.RPM > 0 && w.requests >= limits.RPM {
		return dec, &types.RateLimitedError{
			Scope:      "requests",
			Limit:      limits.RPM,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: reset.Sub(now),
		}
	}

	// Token budget already spent this window blocks subsequent calls; the
	// cost of the current call is unknown until it completes.
	if limits.TPM > 0 && w.tokens >= limits.TPM {
		tokenReset := w.tokenStart.Add(tokenWindow)
		return dec, &types.RateLimitedError{
			Scope:      "tokens",
			Limit:      limits.TPM,
			Remaining:  0,
			Reset:      tokenReset,
			RetryAfter: tokenReset.Sub(now),
		}
	}

	w.requests++
	dec.Allowed = true
	if limits.RPM > 0 {
		dec.Remaining = limits.RPM - w.requests
	}
	return dec, nil
}

// RecordTokens charges actual token usage against the caller's TPM window
// after a call completes.
func (l *Limiter) RecordTokens(callerID string, n int) {
	if n <= 0 {
		return
	}
	w := l.windows(callerID)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	if now.Sub(w.tokenStart) >= tokenWindow {
		w.tokenStart = now
		w.tokens = 0
	}
	w.tokens += int64(n)
}
