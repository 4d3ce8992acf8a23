package types

import "time"

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Suffix  string         `json:"suffix,omitempty"`
	System  string         `json:"system,omitempty"`
	Images  []string       `json:"images,omitempty"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
	Raw     bool           `json:"raw,omitempty"`
	Stream  *bool          `json:"stream,omitempty"`
}

// GenerateResponse is one response object from /api/generate.
type GenerateResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Response   string    `json:"response"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
	Context    []int     `json:"context,omitempty"`

	Metrics
}
