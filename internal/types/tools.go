package types

import "encoding/json"

// ToolTypeFunction is the only tool type the wire format defines today.
const ToolTypeFunction = "function"

// Tool describes a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the schema of a callable function.
type ToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"` // JSON Schema object
}

// NewTool creates a function tool definition.
func NewTool(name, description string, parameters any) Tool {
	return Tool{
		Type: ToolTypeFunction,
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// ToolCall is a model-issued request to invoke a function.
type ToolCall struct {
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the function and carries its arguments.
type ToolCallFunction struct {
	Name      string        `json:"name"`
	Arguments ToolArguments `json:"arguments"`
}

// ToolArguments is the structured argument object of a tool call.
type ToolArguments map[string]any

// String renders the arguments as compact JSON, for logging and for feeding
// error text back into the conversation.
func (a ToolArguments) String() string {
	if a == nil {
		return "{}"
	}
	b, err := json.Marshal(map[string]any(a))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// UnmarshalJSON accepts both an object and a JSON-encoded string of an
// object; some backends double-encode arguments.
func (a *ToolArguments) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		*a = obj
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return json.Unmarshal([]byte(s), (*map[string]any)(a))
}
