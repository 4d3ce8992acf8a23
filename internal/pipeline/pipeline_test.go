package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmallek/llamagate/internal/events"
	"github.com/jmallek/llamagate/internal/keypool"
	"github.com/jmallek/llamagate/internal/types"
	"github.com/jmallek/llamagate/internal/upstream"
	"github.com/jmallek/llamagate/internal/usage"
)

func testLedger(t *testing.T, limits usage.Limits) *usage.Ledger {
	t.Helper()
	store, err := usage.NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ledger := usage.NewLedger(store, limits)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func testPool(secrets ...string) *keypool.Pool {
	creds := make([]keypool.Credential, len(secrets))
	for i, s := range secrets {
		creds[i] = keypool.Credential{Secret: s, Model: "llama3.2"}
	}
	return keypool.New(creds)
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestChatRotatesOnAuthRejection(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") == "Bearer bad-key" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid key"}`)
			return
		}
		fmt.Fprint(w, `{"model":"llama3.2","message":{"role":"assistant","content":"ok"},"done":true,"eval_count":1}`)
	}))
	defer server.Close()

	pool := testPool("bad-key", "good-key")
	p := New(pool, testLedger(t, usage.Limits{}), upstream.NewClient(server.URL), withSleep(noSleep))

	resp, err := p.Chat(context.Background(), &types.ChatRequest{
		Messages: []types.Message{types.NewTextMessage(types.RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("hits = %d, want 2 (one per credential)", hits)
	}

	// The rotation must be sticky for the next call.
	slot, _ := pool.Current()
	if slot.Secret != "good-key" {
		t.Errorf("active secret = %q, want good-key", slot.Secret)
	}
}

func TestQuotaExceededMakesNoNetworkCall(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	ledger := testLedger(t, usage.Limits{Hourly: 1})
	ledger.Record(usage.Event{Model: "llama3.2", CredentialID: "slot-0"})

	p := New(testPool("k0"), ledger, upstream.NewClient(server.URL), withSleep(noSleep))

	_, err := p.Chat(context.Background(), &types.ChatRequest{})
	var qe *types.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if qe.Kind != types.QuotaKindHourly {
		t.Errorf("kind = %q, want hourly", qe.Kind)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("hits = %d, want 0 (fail fast before the network)", hits)
	}
}

func TestAllCredentialsExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer server.Close()

	p := New(testPool("k0", "k1", "k2"), testLedger(t, usage.Limits{}), upstream.NewClient(server.URL), withSleep(noSleep))

	_, err := p.Chat(context.Background(), &types.ChatRequest{})
	var ke *types.KeyExhaustedError
	if !errors.As(err, &ke) {
		t.Fatalf("expected KeyExhaustedError, got %v", err)
	}
	if ke.TotalSlots != 3 {
		t.Errorf("TotalSlots = %d, want 3", ke.TotalSlots)
	}
	if !ke.HasReset || ke.NextReset.Before(time.Now()) {
		t.Errorf("NextReset = %v (has=%v), want a future instant", ke.NextReset, ke.HasReset)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model not found"}`)
	}))
	defer server.Close()

	p := New(testPool("k0", "k1"), testLedger(t, usage.Limits{}), upstream.NewClient(server.URL), withSleep(noSleep))

	_, err := p.Chat(context.Background(), &types.ChatRequest{Model: "nope"})
	var ue *types.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", ue.StatusCode)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits = %d, want 1 (permanent errors are not retried)", hits)
	}
}

func TestTransientNetworkErrorBackoff(t *testing.T) {
	// A server that is immediately closed yields connection-refused.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	var sleeps []time.Duration
	recordSleep := func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	p := New(testPool("k0"), testLedger(t, usage.Limits{}), upstream.NewClient(addr), withSleep(recordSleep))

	_, err := p.Chat(context.Background(), &types.ChatRequest{})
	if err == nil {
		t.Fatal("expected failure against closed server")
	}
	if len(sleeps) != 2 {
		t.Fatalf("backoff sleeps = %d, want 2", len(sleeps))
	}
	if sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("backoffs = %v, want [1s 2s]", sleeps)
	}
}

func TestDNSFailureDetection(t *testing.T) {
	dnsErr := &url.Error{
		Op:  "Post",
		URL: "http://nowhere.invalid/api/chat",
		Err: &net.DNSError{Name: "nowhere.invalid", IsNotFound: true},
	}
	if !isDNSFailure(dnsErr) {
		t.Error("wrapped DNSError(IsNotFound) not detected")
	}
	if isDNSFailure(errors.New("plain error")) {
		t.Error("plain error misdetected as DNS failure")
	}
}

func TestSuccessEmitsCompletionEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"llama3.2","message":{"role":"assistant","content":"ok"},"done":true,"prompt_eval_count":4,"eval_count":6}`)
	}))
	defer server.Close()

	var got events.Completion
	sink := events.SinkFunc(func(c events.Completion) { got = c })

	ledger := testLedger(t, usage.Limits{})
	p := New(testPool("k0"), ledger, upstream.NewClient(server.URL),
		WithSink(events.NewFanout(nil, sink)), withSleep(noSleep))

	if _, err := p.Chat(context.Background(), &types.ChatRequest{}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if !got.Success || got.Tokens != 10 {
		t.Errorf("event = %+v, want success with 10 tokens", got)
	}
	if got.CredentialID != "slot-0" {
		t.Errorf("credential = %q, want slot-0", got.CredentialID)
	}
	if got.RequestID == "" {
		t.Error("missing request ID on completion event")
	}

	stats, err := ledger.DailyStats(1)
	if err != nil {
		t.Fatal(err)
	}
	if stats[0].Requests != 1 || stats[0].Tokens != 10 {
		t.Errorf("ledger day = %+v", stats[0])
	}
}

func TestPanickingSinkDoesNotFailCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"m","message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer server.Close()

	sink := events.SinkFunc(func(events.Completion) { panic("broken subscriber") })
	p := New(testPool("k0"), testLedger(t, usage.Limits{}), upstream.NewClient(server.URL),
		WithSink(events.NewFanout(nil, sink)), withSleep(noSleep))

	if _, err := p.Chat(context.Background(), &types.ChatRequest{}); err != nil {
		t.Fatalf("sink panic leaked into the call path: %v", err)
	}
}

func TestStreamedMatchesCollected(t *testing.T) {
	collected := `{"model":"llama3.2","message":{"role":"assistant","content":"Hello world"},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":2}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		if err := jsonDecode(r, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Stream != nil && *req.Stream {
			fmt.Fprintln(w, `{"model":"llama3.2","message":{"role":"assistant","content":"Hello "},"done":false}`)
			fmt.Fprintln(w, `{"model":"llama3.2","message":{"role":"assistant","content":"world"},"done":false}`)
			fmt.Fprintln(w, `{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":2}`)
			return
		}
		fmt.Fprint(w, collected)
	}))
	defer server.Close()

	p := New(testPool("k0"), testLedger(t, usage.Limits{}), upstream.NewClient(server.URL), withSleep(noSleep))
	req := &types.ChatRequest{Messages: []types.Message{types.NewTextMessage(types.RoleUser, "hi")}}

	direct, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	stream, err := p.ChatStream(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	for {
		if _, ok := stream.Next(); !ok {
			break
		}
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	assembled := stream.Response()
	stream.Close()

	if assembled.Message.Content != direct.Message.Content {
		t.Errorf("assembled = %q, direct = %q", assembled.Message.Content, direct.Message.Content)
	}
	if assembled.DoneReason != direct.DoneReason {
		t.Errorf("done_reason mismatch: %q vs %q", assembled.DoneReason, direct.DoneReason)
	}
	if assembled.TotalTokens() != direct.TotalTokens() {
		t.Errorf("tokens mismatch: %d vs %d", assembled.TotalTokens(), direct.TotalTokens())
	}
}

func TestMidStreamErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":"par"},"done":false}`)
		fmt.Fprintln(w, `{"error":"backend fell over"}`)
	}))
	defer server.Close()

	p := New(testPool("k0"), testLedger(t, usage.Limits{}), upstream.NewClient(server.URL), withSleep(noSleep))

	stream, err := p.ChatStream(context.Background(), &types.ChatRequest{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	defer stream.Close()

	for {
		if _, ok := stream.Next(); !ok {
			break
		}
	}
	var ue *types.UpstreamError
	if !errors.As(stream.Err(), &ue) {
		t.Fatalf("expected UpstreamError despite HTTP 200, got %v", stream.Err())
	}
}

func TestModelCacheServesSecondList(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"models":[{"name":"llama3.2","model":"llama3.2"}]}`)
	}))
	defer server.Close()

	cache, err := upstream.NewModelCache(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	p := New(testPool("k0"), testLedger(t, usage.Limits{}), upstream.NewClient(server.URL),
		WithModelCache(cache), withSleep(noSleep))

	if _, err := p.ListModels(context.Background()); err != nil {
		t.Fatalf("first ListModels failed: %v", err)
	}

	// Ristretto applies sets asynchronously; give it a moment.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := cache.GetList(); ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := p.ListModels(context.Background()); err != nil {
		t.Fatalf("second ListModels failed: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits = %d, want 1 (second call served from cache)", hits)
	}
}

func jsonDecode(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
