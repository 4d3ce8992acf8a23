// Package types defines the wire types exchanged with Ollama-compatible
// backends, plus the error taxonomy shared by every gateway component.
package types

// Role constants for conversation turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single conversation turn. Images are base64-encoded payloads
// for multimodal models. ToolCalls is set on assistant turns that request
// tool execution; ToolName is set on tool turns carrying a tool result.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Images    []string   `json:"images,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

// NewTextMessage creates a plain text turn.
func NewTextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// NewToolResultMessage creates a tool-role turn carrying a tool's output
// (or its error text, when execution failed).
func NewToolResultMessage(toolName, content string) Message {
	return Message{Role: RoleTool, ToolName: toolName, Content: content}
}

// HasToolCalls reports whether this turn requests tool execution.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}
