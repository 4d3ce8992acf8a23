package tokenizer

import (
	"testing"

	"github.com/jmallek/llamagate/internal/types"
)

func TestCountTextEmpty(t *testing.T) {
	e := New()
	n, err := e.CountText("", "llama3.2")
	if err != nil {
		t.Fatalf("CountText failed: %v", err)
	}
	if n != 0 {
		t.Errorf("tokens = %d, want 0", n)
	}
}

func TestCountTextNonZero(t *testing.T) {
	e := New()
	n, err := e.CountText("The quick brown fox jumps over the lazy dog", "llama3.2")
	if err != nil {
		t.Fatalf("CountText failed: %v", err)
	}
	if n < 5 || n > 20 {
		t.Errorf("tokens = %d, want a plausible count for a 9-word sentence", n)
	}
}

func TestCountMessagesIncludesOverhead(t *testing.T) {
	e := New()
	messages := []types.Message{
		types.NewTextMessage(types.RoleSystem, "You are helpful."),
		types.NewTextMessage(types.RoleUser, "Hi"),
	}

	n, err := e.CountMessages(messages, "llama3.2")
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}

	// Two messages of overhead plus priming is the floor.
	if n <= 2*messageOverhead+replyPrimingTokens {
		t.Errorf("tokens = %d, expected content on top of overhead", n)
	}
}

func TestCountChatRequestCountsTools(t *testing.T) {
	e := New()
	base := &types.ChatRequest{
		Model:    "llama3.2",
		Messages: []types.Message{types.NewTextMessage(types.RoleUser, "weather?")},
	}
	withTools := &types.ChatRequest{
		Model:    base.Model,
		Messages: base.Messages,
		Tools: []types.Tool{
			types.NewTool("get_weather", "Get current weather for a city", map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{"type": "string"},
				},
			}),
		},
	}

	plain, err := e.CountChatRequest(base)
	if err != nil {
		t.Fatal(err)
	}
	tooled, err := e.CountChatRequest(withTools)
	if err != nil {
		t.Fatal(err)
	}
	if tooled <= plain {
		t.Errorf("tool schema added no tokens: %d vs %d", tooled, plain)
	}
}

func TestImagesUseFlatEstimate(t *testing.T) {
	e := New()
	msg := types.Message{Role: types.RoleUser, Content: "what is this?", Images: []string{"aGVsbG8="}}

	with, err := e.CountMessages([]types.Message{msg}, "llama3.2")
	if err != nil {
		t.Fatal(err)
	}
	msg.Images = nil
	without, err := e.CountMessages([]types.Message{msg}, "llama3.2")
	if err != nil {
		t.Fatal(err)
	}
	if with-without != imageTokens {
		t.Errorf("image delta = %d, want %d", with-without, imageTokens)
	}
}

func TestEncodingResolution(t *testing.T) {
	e := New()
	if enc := e.resolveEncoding("gpt-oss:20b"); enc != EncodingO200kBase {
		t.Errorf("gpt-oss encoding = %q, want o200k_base", enc)
	}
	if enc := e.resolveEncoding("llama3.2"); enc != EncodingCL100kBase {
		t.Errorf("llama encoding = %q, want cl100k_base fallback", enc)
	}
}
