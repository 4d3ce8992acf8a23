package types

import "time"

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Tools    []Tool         `json:"tools,omitempty"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Stream   *bool          `json:"stream,omitempty"`
}

// ChatResponse is one response object from /api/chat. In streaming mode the
// backend emits one per line; the final object has Done set and carries the
// performance counters.
type ChatResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Message    Message   `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`

	Metrics
}

// Metrics holds the performance counters reported on the final object of a
// response (stream or not). Durations are nanoseconds on the wire.
type Metrics struct {
	TotalDuration      time.Duration `json:"total_duration,omitempty"`
	LoadDuration       time.Duration `json:"load_duration,omitempty"`
	PromptEvalCount    int           `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration time.Duration `json:"prompt_eval_duration,omitempty"`
	EvalCount          int           `json:"eval_count,omitempty"`
	EvalDuration       time.Duration `json:"eval_duration,omitempty"`
}

// TotalTokens returns prompt plus completion tokens.
func (m Metrics) TotalTokens() int {
	return m.PromptEvalCount + m.EvalCount
}
