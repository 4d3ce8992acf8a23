// Package dispatch fans one logical chat request out across several
// credential slots at once, either collecting every result or racing for the
// first success.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmallek/llamagate/internal/keypool"
	"github.com/jmallek/llamagate/internal/types"
	"github.com/jmallek/llamagate/internal/upstream"
)

// DefaultSlotTimeout bounds each participant independently.
const DefaultSlotTimeout = 2 * time.Minute

// Result is one participant's outcome.
type Result struct {
	SlotIndex    int
	Model        string
	Success      bool
	Response     *types.ChatResponse
	ErrorMessage string
	Duration     time.Duration
}

// Dispatcher issues calls directly against the upstream client, bypassing
// rotation; each slot speaks for itself here.
type Dispatcher struct {
	pool        *keypool.Pool
	client      *upstream.Client
	slotTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSlotTimeout sets the per-participant timeout.
func WithSlotTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.slotTimeout = d
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) {
		if l != nil {
			dp.logger = l
		}
	}
}

// New creates a Dispatcher over the pool's slots.
func New(pool *keypool.Pool, client *upstream.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:        pool,
		client:      client,
		slotTimeout: DefaultSlotTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// selectSlots returns the participating slots. An empty subset means all slots;
// unknown indexes are ignored.
func (d *Dispatcher) selectSlots(subset []int) []keypool.Slot {
	all := d.pool.Snapshot()
	if len(subset) == 0 {
		return all
	}
	var out []keypool.Slot
	for _, idx := range subset {
		if idx >= 0 && idx < len(all) {
			out = append(out, all[idx])
		}
	}
	return out
}

// call runs one timeboxed chat against a single slot.
func (d *Dispatcher) call(ctx context.Context, slot keypool.Slot, req *types.ChatRequest) Result {
	ctx, cancel := context.WithTimeout(ctx, d.slotTimeout)
	defer cancel()

	r := *req
	if r.Model == "" {
		r.Model = slot.Model
	}

	start := time.Now()
	resp, err := d.client.Chat(ctx, slot.Secret, &r)
	res := Result{
		SlotIndex: slot.Index,
		Model:     r.Model,
		Duration:  time.Since(start),
	}
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}
	res.Success = true
	res.Response = resp
	return res
}

// Parallel issues the request on every selected slot concurrently and
// returns once all have settled. One slot's failure or timeout never affects
// the others; results come back ordered by participant.
func (d *Dispatcher) Parallel(ctx context.Context, req *types.ChatRequest, subset ...int) []Result {
	slots := d.selectSlots(subset)
	results := make([]Result, len(slots))

	var wg sync.WaitGroup
	for i, slot := range slots {
		wg.Add(1)
		go func(i int, slot keypool.Slot) {
			defer wg.Done()
			results[i] = d.call(ctx, slot, req)
		}(i, slot)
	}
	wg.Wait()

	return results
}

// Race issues the request on every selected slot and returns the first
// success; the losing calls are cancelled so they stop spending quota. When
// every participant fails, the error summarizes the failures.
func (d *Dispatcher) Race(ctx context.Context, req *types.ChatRequest, subset ...int) (Result, error) {
	slots := d.selectSlots(subset)
	if len(slots) == 0 {
		return Result{}, fmt.Errorf("race dispatch: %w", types.ErrNoCredentials)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan Result, len(slots))
	for _, slot := range slots {
		go func(slot keypool.Slot) {
			ch <- d.call(ctx, slot, req)
		}(slot)
	}

	var failures []Result
	for range slots {
		res := <-ch
		if res.Success {
			// Losers observe the cancel and unwind on their own.
			cancel()
			return res, nil
		}
		failures = append(failures, res)
		d.logger.Debug("race participant failed",
			"slot", res.SlotIndex,
			"error", res.ErrorMessage,
		)
	}

	return Result{}, fmt.Errorf("race dispatch: all %d participants failed, last: %s",
		len(failures), failures[len(failures)-1].ErrorMessage)
}
