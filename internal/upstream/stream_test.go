package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jmallek/llamagate/internal/types"
)

func streamServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			fmt.Fprintln(w, line)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
}

func TestStreamAssemblesFragments(t *testing.T) {
	server := streamServer(t,
		`{"model":"llama3.2","message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":2}`,
	)
	defer server.Close()

	client := NewClient(server.URL)
	stream, err := client.ChatStream(context.Background(), "sk", &types.ChatRequest{Model: "llama3.2"})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	defer stream.Close()

	var content strings.Builder
	var final types.ChatResponse
	count := 0
	for {
		chunk, ok := stream.Next()
		if !ok {
			break
		}
		count++
		content.WriteString(chunk.Message.Content)
		if chunk.Done {
			final = chunk
		}
	}

	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if count != 3 {
		t.Errorf("fragments = %d, want 3", count)
	}
	if content.String() != "Hello" {
		t.Errorf("assembled = %q, want Hello", content.String())
	}
	if !stream.Done() {
		t.Error("stream not marked done")
	}
	if final.TotalTokens() != 5 {
		t.Errorf("final tokens = %d, want 5", final.TotalTokens())
	}
}

func TestStreamMidstreamError(t *testing.T) {
	server := streamServer(t,
		`{"model":"llama3.2","message":{"role":"assistant","content":"par"},"done":false}`,
		`{"error":"model crashed"}`,
	)
	defer server.Close()

	client := NewClient(server.URL)
	stream, err := client.ChatStream(context.Background(), "sk", &types.ChatRequest{Model: "llama3.2"})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	defer stream.Close()

	if _, ok := stream.Next(); !ok {
		t.Fatal("first fragment should arrive before the error")
	}
	if _, ok := stream.Next(); ok {
		t.Fatal("expected stream to stop at the error line")
	}

	var ue *types.UpstreamError
	if !errors.As(stream.Err(), &ue) {
		t.Fatalf("expected UpstreamError, got %v", stream.Err())
	}
	if ue.Message != "model crashed" {
		t.Errorf("message = %q", ue.Message)
	}
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	server := streamServer(t,
		`not json at all`,
		`{"model":"llama3.2","response":"ok","done":true}`,
	)
	defer server.Close()

	client := NewClient(server.URL)
	stream, err := client.GenerateStream(context.Background(), "sk", &types.GenerateRequest{Model: "llama3.2"})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}
	defer stream.Close()

	chunk, ok := stream.Next()
	if !ok {
		t.Fatalf("expected the valid fragment, got err %v", stream.Err())
	}
	if chunk.Response != "ok" {
		t.Errorf("response = %q", chunk.Response)
	}
}

func TestStreamTerminatesAfterDone(t *testing.T) {
	server := streamServer(t,
		`{"model":"m","response":"x","done":true}`,
		`{"model":"m","response":"should never be read","done":false}`,
	)
	defer server.Close()

	client := NewClient(server.URL)
	stream, err := client.GenerateStream(context.Background(), "sk", &types.GenerateRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if _, ok := stream.Next(); !ok {
		t.Fatal("expected the done fragment")
	}
	if _, ok := stream.Next(); ok {
		t.Fatal("stream must terminate at the done marker")
	}
	if stream.Err() != nil {
		t.Fatalf("unexpected error: %v", stream.Err())
	}
}
