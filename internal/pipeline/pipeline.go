// Package pipeline wraps a single outbound backend call: quota admission,
// per-attempt credential injection, failure classification with rotation
// and backoff retries, streamed response assembly, and usage recording.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jmallek/llamagate/internal/events"
	"github.com/jmallek/llamagate/internal/keypool"
	"github.com/jmallek/llamagate/internal/tokenizer"
	"github.com/jmallek/llamagate/internal/types"
	"github.com/jmallek/llamagate/internal/upstream"
	"github.com/jmallek/llamagate/internal/usage"
)

// Retry policy for network-level transient errors.
const (
	maxNetRetries  = 2
	netBackoffBase = time.Second
)

// Pipeline executes single logical calls against the backend.
type Pipeline struct {
	pool       *keypool.Pool
	ledger     *usage.Ledger
	client     *upstream.Client
	modelCache *upstream.ModelCache
	estimator  tokenizer.Tokenizer
	sink       events.Sink
	logger     *slog.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithModelCache enables caching for list/show model metadata.
func WithModelCache(c *upstream.ModelCache) Option {
	return func(p *Pipeline) { p.modelCache = c }
}

// WithSink registers the completion-event sink.
func WithSink(s events.Sink) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.sink = s
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTokenizer sets the token estimator used when the backend reports no
// usage counters.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.estimator = t
		}
	}
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

// New creates a pipeline over the given pool, ledger and client.
func New(pool *keypool.Pool, ledger *usage.Ledger, client *upstream.Client, opts ...Option) *Pipeline {
	p := &Pipeline{
		pool:      pool,
		ledger:    ledger,
		client:    client,
		estimator: tokenizer.New(),
		sink:      events.NewFanout(nil),
		logger:    slog.Default(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// admit checks the quota windows before any network traffic.
func (p *Pipeline) admit() error {
	status := p.ledger.QuotaStatus()
	switch {
	case status.Hourly.Remaining <= 0:
		return &types.QuotaExceededError{Kind: types.QuotaKindHourly, Used: status.Hourly.Used, Limit: status.Hourly.Limit}
	case status.Weekly.Remaining <= 0:
		return &types.QuotaExceededError{Kind: types.QuotaKindWeekly, Used: status.Weekly.Used, Limit: status.Weekly.Limit}
	case status.Daily.Remaining <= 0:
		return &types.QuotaExceededError{Kind: types.QuotaKindDaily, Used: status.Daily.Used, Limit: status.Daily.Limit}
	}
	return nil
}

// callMeta is what an attempt reports back for recording.
type callMeta struct {
	model  string
	tokens int
}

// execute runs the admission gate and the bounded retry loop around one
// attempt function. The attempt reads the active slot at send time, so a
// rotation decided before a retry is visible to that retry. When
// recordSuccess is false the successful outcome is recorded by the caller
// (streams record on Close, once the token counts are known). Returns the
// request ID assigned to the call.
func (p *Pipeline) execute(ctx context.Context, op string, recordSuccess bool, attempt func(ctx context.Context, slot keypool.Slot) (callMeta, error)) (string, error) {
	if err := p.admit(); err != nil {
		return "", err
	}

	requestID := uuid.NewString()
	totalSlots := p.pool.Size()
	start := time.Now()
	attempts := 0
	netRetries := 0

	for {
		slot, ok := p.pool.Current()
		if !ok {
			return requestID, types.ErrNoCredentials
		}
		attempts++

		meta, err := attempt(ctx, slot)
		if err == nil {
			p.pool.ReportSuccess()
			if recordSuccess {
				p.record(requestID, slot, meta.model, meta.tokens, start, nil)
			}
			return requestID, nil
		}

		var ue *types.UpstreamError
		switch {
		case errors.As(err, &ue):
			class := keypool.ClassifyStatus(ue.StatusCode)
			if class == keypool.ClassAuth || class == keypool.ClassRateLimited {
				rotated := p.pool.ReportFailure(class)
				if rotated && attempts < totalSlots {
					p.logger.Info("retrying with rotated credential",
						"op", op, "attempt", attempts, "status", ue.StatusCode,
						"request_id", requestID)
					continue
				}
				if reset, exhausted := p.pool.NextResetTime(); exhausted {
					exhaustErr := &types.KeyExhaustedError{
						NextReset:       reset,
						HasReset:        true,
						TotalSlots:      totalSlots,
						SlotsInCooldown: p.pool.CooldownCount(),
					}
					p.record(requestID, slot, meta.model, 0, start, exhaustErr)
					return requestID, exhaustErr
				}
				p.record(requestID, slot, meta.model, 0, start, err)
				return requestID, err
			}
			// Permanent and generic upstream failures propagate
			// unchanged; generic ones still count toward the
			// rotation threshold.
			if !ue.Permanent() {
				p.pool.ReportFailure(keypool.ClassOther)
			}
			p.record(requestID, slot, meta.model, 0, start, err)
			return requestID, err

		case isDNSFailure(err):
			// Rotating credentials cannot fix name resolution.
			p.record(requestID, slot, meta.model, 0, start, err)
			return requestID, err

		case ctx.Err() != nil:
			return requestID, ctx.Err()

		default:
			if netRetries < maxNetRetries {
				backoff := netBackoffBase << netRetries
				netRetries++
				p.logger.Warn("transient network error, backing off",
					"op", op, "backoff", backoff.String(), "error", err,
					"request_id", requestID)
				if sleepErr := p.sleep(ctx, backoff); sleepErr != nil {
					return requestID, sleepErr
				}
				continue
			}
			p.pool.ReportFailure(keypool.ClassTransient)
			p.record(requestID, slot, meta.model, 0, start, err)
			return requestID, err
		}
	}
}

// record writes the outcome to the ledger and emits a completion event.
// Recording never fails the call path.
func (p *Pipeline) record(requestID string, slot keypool.Slot, model string, tokens int, start time.Time, callErr error) {
	if model == "" {
		model = slot.Model
	}
	latency := time.Since(start)

	p.ledger.Record(usage.Event{
		Tokens:       tokens,
		ResponseTime: latency,
		Model:        model,
		CredentialID: credentialID(slot),
		Err:          callErr != nil,
	})

	p.sink.OnCompletion(events.Completion{
		RequestID:    requestID,
		Model:        model,
		CredentialID: credentialID(slot),
		Tokens:       tokens,
		Latency:      latency,
		Success:      callErr == nil,
	})
}

// credentialID is the stable ledger key for a slot; the secret itself never
// leaves the pool.
func credentialID(slot keypool.Slot) string {
	return "slot-" + strconv.Itoa(slot.Index)
}

func isDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// Chat runs one collected chat turn. The bound model of the active slot is
// used when the request leaves Model empty.
func (p *Pipeline) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	var out *types.ChatResponse
	_, err := p.execute(ctx, "chat", true, func(ctx context.Context, slot keypool.Slot) (callMeta, error) {
		r := withModel(req, slot.Model)
		resp, err := p.client.Chat(ctx, slot.Secret, r)
		if err != nil {
			return callMeta{model: r.Model}, err
		}
		out = resp
		return callMeta{model: resp.Model, tokens: resp.TotalTokens()}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Generate runs one collected completion.
func (p *Pipeline) Generate(ctx context.Context, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	var out *types.GenerateResponse
	_, err := p.execute(ctx, "generate", true, func(ctx context.Context, slot keypool.Slot) (callMeta, error) {
		r := *req
		if r.Model == "" {
			r.Model = slot.Model
		}
		resp, err := p.client.Generate(ctx, slot.Secret, &r)
		if err != nil {
			return callMeta{model: r.Model}, err
		}
		out = resp
		return callMeta{model: resp.Model, tokens: resp.TotalTokens()}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Embed computes embeddings.
func (p *Pipeline) Embed(ctx context.Context, req *types.EmbedRequest) (*types.EmbedResponse, error) {
	var out *types.EmbedResponse
	_, err := p.execute(ctx, "embed", true, func(ctx context.Context, slot keypool.Slot) (callMeta, error) {
		r := *req
		if r.Model == "" {
			r.Model = slot.Model
		}
		resp, err := p.client.Embed(ctx, slot.Secret, &r)
		if err != nil {
			return callMeta{model: r.Model}, err
		}
		out = resp
		return callMeta{model: resp.Model, tokens: resp.PromptEvalCount}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListModels lists installed models, served from the metadata cache when
// fresh.
func (p *Pipeline) ListModels(ctx context.Context) (*types.ListResponse, error) {
	if cached, ok := p.modelCache.GetList(); ok {
		return cached, nil
	}

	var out *types.ListResponse
	_, err := p.execute(ctx, "list-models", true, func(ctx context.Context, slot keypool.Slot) (callMeta, error) {
		resp, err := p.client.ListModels(ctx, slot.Secret)
		if err != nil {
			return callMeta{}, err
		}
		out = resp
		return callMeta{}, nil
	})
	if err != nil {
		return nil, err
	}
	p.modelCache.SetList(out)
	return out, nil
}

// ShowModel returns metadata for one model, cached.
func (p *Pipeline) ShowModel(ctx context.Context, req *types.ShowRequest) (*types.ShowResponse, error) {
	if cached, ok := p.modelCache.GetShow(req.Model); ok {
		return cached, nil
	}

	var out *types.ShowResponse
	_, err := p.execute(ctx, "show-model", true, func(ctx context.Context, slot keypool.Slot) (callMeta, error) {
		resp, err := p.client.ShowModel(ctx, slot.Secret, req)
		if err != nil {
			return callMeta{}, err
		}
		out = resp
		return callMeta{}, nil
	})
	if err != nil {
		return nil, err
	}
	p.modelCache.SetShow(req.Model, out)
	return out, nil
}

// ListRunning lists models loaded in backend memory.
func (p *Pipeline) ListRunning(ctx context.Context) (*types.ProcessResponse, error) {
	var out *types.ProcessResponse
	_, err := p.execute(ctx, "list-running", true, func(ctx context.Context, slot keypool.Slot) (callMeta, error) {
		resp, err := p.client.ListRunning(ctx, slot.Secret)
		if err != nil {
			return callMeta{}, err
		}
		out = resp
		return callMeta{}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WebSearch runs a backend-side web search.
func (p *Pipeline) WebSearch(ctx context.Context, req *types.WebSearchRequest) (*types.WebSearchResponse, error) {
	var out *types.WebSearchResponse
	_, err := p.execute(ctx, "web-search", true, func(ctx context.Context, slot keypool.Slot) (callMeta, error) {
		resp, err := p.client.WebSearch(ctx, slot.Secret, req)
		if err != nil {
			return callMeta{}, err
		}
		out = resp
		return callMeta{}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WebFetch fetches and extracts one page.
func (p *Pipeline) WebFetch(ctx context.Context, req *types.WebFetchRequest) (*types.WebFetchResponse, error) {
	var out *types.WebFetchResponse
	_, err := p.execute(ctx, "web-fetch", true, func(ctx context.Context, slot keypool.Slot) (callMeta, error) {
		resp, err := p.client.WebFetch(ctx, slot.Secret, req)
		if err != nil {
			return callMeta{}, err
		}
		out = resp
		return callMeta{}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withModel clones the request with the slot's bound model filled in when
// the caller left it empty.
func withModel(req *types.ChatRequest, model string) *types.ChatRequest {
	r := *req
	if r.Model == "" {
		r.Model = model
	}
	return &r
}
