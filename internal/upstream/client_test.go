package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmallek/llamagate/internal/types"
)

func TestChatSetsBearerAndDecodes(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		fmt.Fprint(w, `{"model":"llama3.2","message":{"role":"assistant","content":"hi"},"done":true,"prompt_eval_count":4,"eval_count":2}`)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	resp, err := client.Chat(context.Background(), "sk-secret", &types.ChatRequest{
		Model:    "llama3.2",
		Messages: []types.Message{types.NewTextMessage(types.RoleUser, "hello")},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if gotAuth != "Bearer sk-secret" {
		t.Errorf("Authorization = %q, want bearer secret", gotAuth)
	}
	if resp.Message.Content != "hi" {
		t.Errorf("content = %q, want hi", resp.Message.Content)
	}
	if resp.TotalTokens() != 6 {
		t.Errorf("total tokens = %d, want 6", resp.TotalTokens())
	}
}

func TestErrorResponseMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limit exceeded"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.ListModels(context.Background(), "sk")

	var ue *types.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", ue.StatusCode)
	}
	if ue.Message != "rate limit exceeded" {
		t.Errorf("message = %q", ue.Message)
	}
}

func TestGenerateRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"llama3.2","response":"four","done":true,"done_reason":"stop"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	resp, err := client.Generate(context.Background(), "sk", &types.GenerateRequest{
		Model: "llama3.2", Prompt: "2+2?",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Response != "four" || resp.DoneReason != "stop" {
		t.Errorf("response = %+v", resp)
	}
}

func TestEmbedSingleInputEncodedAsString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"all-minilm","embeddings":[[0.1,0.2]]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	resp, err := client.Embed(context.Background(), "sk", &types.EmbedRequest{
		Model: "all-minilm",
		Input: types.EmbedInput{Texts: []string{"hello"}},
	})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(resp.Embeddings) != 1 || len(resp.Embeddings[0]) != 2 {
		t.Errorf("embeddings = %v", resp.Embeddings)
	}
}

func TestWebSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/web_search" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"results":[{"title":"Go","url":"https://go.dev","content":"The Go language"}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	resp, err := client.WebSearch(context.Background(), "sk", &types.WebSearchRequest{Query: "golang"})
	if err != nil {
		t.Fatalf("WebSearch failed: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].URL != "https://go.dev" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestModelCache(t *testing.T) {
	cache, err := NewModelCache(0)
	if err != nil {
		t.Fatalf("NewModelCache failed: %v", err)
	}
	defer cache.Close()

	if _, ok := cache.GetList(); ok {
		t.Fatal("empty cache returned a hit")
	}

	list := &types.ListResponse{Models: []types.ModelSummary{{Name: "llama3.2"}}}
	cache.SetList(list)
	cache.cache.Wait() // ristretto applies sets asynchronously

	got, ok := cache.GetList()
	if !ok || len(got.Models) != 1 {
		t.Fatalf("cache miss after set: %v %v", got, ok)
	}

	show := &types.ShowResponse{Template: "tmpl"}
	cache.SetShow("llama3.2", show)
	cache.cache.Wait()
	if got, ok := cache.GetShow("llama3.2"); !ok || got.Template != "tmpl" {
		t.Fatalf("show cache miss: %v %v", got, ok)
	}
}
