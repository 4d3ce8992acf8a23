package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors shared across packages.
var (
	// ErrNoCredentials is returned when the key pool is empty.
	ErrNoCredentials = errors.New("no credentials configured")

	// ErrStoreClosed is returned by a usage store after Close.
	ErrStoreClosed = errors.New("usage store is closed")
)

// Quota window kinds.
const (
	QuotaKindHourly = "hourly"
	QuotaKindWeekly = "weekly"
	QuotaKindDaily  = "daily"
)

// QuotaExceededError is returned before any upstream call when a usage
// budget is already spent.
type QuotaExceededError struct {
	Kind  string
	Used  int64
	Limit int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s usage limit reached (%d/%d)", e.Kind, e.Used, e.Limit)
}

// KeyExhaustedError is returned when every credential slot is in cooldown
// and no further rotation can help.
type KeyExhaustedError struct {
	NextReset       time.Time
	HasReset        bool
	TotalSlots      int
	SlotsInCooldown int
}

func (e *KeyExhaustedError) Error() string {
	if e.HasReset {
		return fmt.Sprintf("all %d credentials exhausted, next reset at %s",
			e.TotalSlots, e.NextReset.Format(time.RFC3339))
	}
	return fmt.Sprintf("all %d credentials exhausted", e.TotalSlots)
}

// RateLimitedError is returned by the admission rate limiter. RetryAfter is
// a hint suitable for a Retry-After header.
type RateLimitedError struct {
	Scope      string // "requests" or "tokens"
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// UpstreamError is a non-2xx (or mid-stream) failure from the backend.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return "upstream error: " + e.Message
	}
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// Permanent reports whether the failure cannot be fixed by credential
// rotation or backoff (bad request, not found, and similar).
func (e *UpstreamError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
		http.StatusBadRequest, http.StatusMethodNotAllowed:
		return true
	}
	return false
}

// ToolError wraps a tool execution failure. The orchestrator converts it
// into a tool-role turn rather than surfacing it.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }
