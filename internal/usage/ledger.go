// Package usage tracks per-day usage counters and per-credential quota
// windows, persisting daily aggregates to SQLite with debounced writes.
package usage

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultFlushInterval is how long dirty counters may sit in memory before
// being written through to the store.
const DefaultFlushInterval = 2 * time.Second

// Warning level thresholds, in percent of quota.
const (
	warnPct     = 70
	criticalPct = 90
)

// Warning levels reported by QuotaStatus.
const (
	LevelSafe     = "safe"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Event is one completed (or failed) upstream call.
type Event struct {
	Tokens       int
	ResponseTime time.Duration
	Model        string
	CredentialID string
	ProfileID    string
	Err          bool
}

// Limits are the configured quota ceilings, in requests per window. A zero
// limit means unlimited.
type Limits struct {
	Hourly int64
	Weekly int64
	Daily  int64
}

// WindowStatus describes one quota window.
type WindowStatus struct {
	Used      int64
	Limit     int64
	Remaining int64
	Pct       float64
}

// QuotaStatus is the derived quota view across all credential slots.
type QuotaStatus struct {
	Hourly       WindowStatus
	Weekly       WindowStatus
	Daily        WindowStatus
	WarningLevel string
}

// window is a fixed quota window that resets wholesale on expiry.
type window struct {
	start time.Time
	used  int64
}

func (w *window) roll(now time.Time, length time.Duration) {
	if now.Sub(w.start) >= length {
		w.start = now
		w.used = 0
	}
}

// Ledger accumulates usage in memory and flushes daily aggregates to a
// Store. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	hourly  map[string]*window // keyed by credential ID
	weekly  map[string]*window
	pending map[flushKey]*delta
	daily   map[string]*dayTotals // keyed by date, today only in practice
	limits  Limits

	store    *Store
	interval time.Duration
	timer    *time.Timer
	logger   *slog.Logger
	now      func() time.Time
}

// dayTotals is the in-memory aggregate for one day, used so quota and stats
// queries do not depend on flush timing.
type dayTotals struct {
	requests int64
	tokens   int64
	errors   int64
	avgMs    float64
}

// flushKey identifies one usage_daily row.
type flushKey struct {
	date       string
	credential string
	model      string
	profile    string
}

// delta is the unflushed increment for one row.
type delta struct {
	requests int64
	tokens   int64
	errors   int64
	totalMs  int64
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithFlushInterval sets the debounce window for store writes.
func WithFlushInterval(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithLogger sets the ledger logger.
func WithLogger(lg *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// withClock overrides the time source, for tests.
func withClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger backed by the given store.
func NewLedger(store *Store, limits Limits, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		hourly:   make(map[string]*window),
		weekly:   make(map[string]*window),
		pending:  make(map[flushKey]*delta),
		daily:    make(map[string]*dayTotals),
		limits:   limits,
		store:    store,
		interval: DefaultFlushInterval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.rehydrate()
	return l
}

// rehydrate seeds today's aggregate from the store so the daily quota gate
// survives a process restart. The hour and week windows are not persisted
// and start empty.
func (l *Ledger) rehydrate() {
	if l.store == nil {
		return
	}
	date := l.now().Format("2006-01-02")
	recs, err := l.store.DailyRange(date, date)
	if err != nil {
		l.logger.Warn("failed to rehydrate daily usage", "error", err)
		return
	}
	if len(recs) != 1 || recs[0].Requests == 0 {
		return
	}
	l.daily[date] = &dayTotals{
		requests: recs[0].Requests,
		tokens:   recs[0].Tokens,
		errors:   recs[0].Errors,
		avgMs:    recs[0].AvgResponseMs,
	}
}

// Record adds one event to the current day's counters and the credential's
// quota windows, and schedules a debounced flush.
func (l *Ledger) Record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	date := now.Format("2006-01-02")

	day := l.daily[date]
	if day == nil {
		day = &dayTotals{}
		l.daily[date] = day
	}
	day.requests++
	day.tokens += int64(ev.Tokens)
	if ev.Err {
		day.errors++
	}
	// Incremental mean: avg' = (avg*(n-1) + x) / n.
	n := float64(day.requests)
	day.avgMs = (day.avgMs*(n-1) + float64(ev.ResponseTime.Milliseconds())) / n

	l.bumpWindow(l.hourly, ev.CredentialID, now, time.Hour)
	l.bumpWindow(l.weekly, ev.CredentialID, now, 7*24*time.Hour)

	key := flushKey{date: date, credential: ev.CredentialID, model: ev.Model, profile: ev.ProfileID}
	d := l.pending[key]
	if d == nil {
		d = &delta{}
		l.pending[key] = d
	}
	d.requests++
	d.tokens += int64(ev.Tokens)
	d.totalMs += ev.ResponseTime.Milliseconds()
	if ev.Err {
		d.errors++
	}

	l.scheduleFlushLocked()
}

func (l *Ledger) bumpWindow(m map[string]*window, credential string, now time.Time, length time.Duration) {
	w := m[credential]
	if w == nil {
		w = &window{start: now}
		m[credential] = w
	}
	w.roll(now, length)
	w.used++
}

// QuotaStatus sums the hour and week windows across every credential slot
// and derives the warning level.
func (l *Ledger) QuotaStatus() QuotaStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var hourUsed, weekUsed int64
	for _, w := range l.hourly {
		w.roll(now, time.Hour)
		hourUsed += w.used
	}
	for _, w := range l.weekly {
		w.roll(now, 7*24*time.Hour)
		weekUsed += w.used
	}

	var dayUsed int64
	if day := l.daily[now.Format("2006-01-02")]; day != nil {
		dayUsed = day.requests
	}

	status := QuotaStatus{
		Hourly: windowStatus(hourUsed, l.limits.Hourly),
		Weekly: windowStatus(weekUsed, l.limits.Weekly),
		Daily:  windowStatus(dayUsed, l.limits.Daily),
	}

	worst := status.Hourly.Pct
	if status.Weekly.Pct > worst {
		worst = status.Weekly.Pct
	}
	switch {
	case worst >= criticalPct:
		status.WarningLevel = LevelCritical
	case worst >= warnPct:
		status.WarningLevel = LevelWarning
	default:
		status.WarningLevel = LevelSafe
	}
	return status
}

func windowStatus(used, limit int64) WindowStatus {
	ws := WindowStatus{Used: used, Limit: limit}
	if limit <= 0 {
		// Unlimited: remaining stays positive so admission never trips.
		ws.Remaining = 1
		return ws
	}
	ws.Remaining = limit - used
	ws.Pct = float64(used) / float64(limit) * 100
	return ws
}

// scheduleFlushLocked arms the debounce timer if it is not already pending.
func (l *Ledger) scheduleFlushLocked() {
	if l.timer != nil {
		return
	}
	l.timer = time.AfterFunc(l.interval, func() {
		if err := l.Flush(); err != nil {
			l.logger.Error("usage flush failed", "error", err)
		}
	})
}

// Flush writes all pending deltas through to the store. A crash before a
// flush loses at most one debounce window of counters.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	pending := l.pending
	l.pending = make(map[flushKey]*delta)
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	rows := make([]Row, 0, len(pending))
	for key, d := range pending {
		rows = append(rows, Row{
			Date:         key.date,
			CredentialID: key.credential,
			Model:        key.model,
			ProfileID:    key.profile,
			Requests:     d.requests,
			Tokens:       d.tokens,
			Errors:       d.errors,
			TotalMs:      d.totalMs,
		})
	}
	return l.store.Upsert(rows)
}

// DailyStats returns the last N days of usage, oldest first, zero-filling
// days with no activity. Pending counters are flushed first so the view is
// current.
func (l *Ledger) DailyStats(days int) ([]DailyRecord, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	now := l.now()
	end := now.Format("2006-01-02")
	start := now.AddDate(0, 0, -(days - 1)).Format("2006-01-02")
	return l.store.DailyRange(start, end)
}

// Cleanup deletes stored records older than the retention cutoff and prunes
// the matching in-memory day aggregates.
func (l *Ledger) Cleanup(retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	cutoff := l.now().AddDate(0, 0, -retentionDays).Format("2006-01-02")

	l.mu.Lock()
	for date := range l.daily {
		if date < cutoff {
			delete(l.daily, date)
		}
	}
	l.mu.Unlock()

	return l.store.DeleteBefore(cutoff)
}

// Close flushes pending counters and releases the debounce timer. The store
// itself is closed by its owner.
func (l *Ledger) Close() error {
	return l.Flush()
}
