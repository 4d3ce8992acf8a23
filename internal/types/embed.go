package types

import (
	"encoding/json"
	"time"
)

// EmbedRequest is the body of POST /api/embed.
type EmbedRequest struct {
	Model   string         `json:"model"`
	Input   EmbedInput     `json:"input"`
	Options map[string]any `json:"options,omitempty"`
}

// EmbedInput is the embedding input, which the wire format allows as either
// a single string or an array of strings.
type EmbedInput struct {
	Texts []string
}

// MarshalJSON emits a bare string for single inputs, an array otherwise.
func (e EmbedInput) MarshalJSON() ([]byte, error) {
	if len(e.Texts) == 1 {
		return json.Marshal(e.Texts[0])
	}
	return json.Marshal(e.Texts)
}

// UnmarshalJSON accepts both string and array forms.
func (e *EmbedInput) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Texts = []string{s}
		return nil
	}
	return json.Unmarshal(data, &e.Texts)
}

// EmbedResponse is the body returned by /api/embed.
type EmbedResponse struct {
	Model           string        `json:"model"`
	Embeddings      [][]float64   `json:"embeddings"`
	TotalDuration   time.Duration `json:"total_duration,omitempty"`
	LoadDuration    time.Duration `json:"load_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
}
