package tokenizer

import (
	"encoding/json"

	"github.com/jmallek/llamagate/internal/types"
)

// Overheads applied per message, mirroring the chat template framing the
// backend adds around each turn.
const (
	messageOverhead    = 4
	replyPrimingTokens = 3

	// Flat estimate per attached image; actual cost depends on the
	// vision encoder and is not knowable client-side.
	imageTokens = 256
)

// CountMessages estimates prompt tokens for a conversation.
func (e *Estimator) CountMessages(messages []types.Message, model string) (int, error) {
	total := 0
	for _, msg := range messages {
		tokens, err := e.countMessage(msg, model)
		if err != nil {
			return 0, err
		}
		total += tokens + messageOverhead
	}
	return total + replyPrimingTokens, nil
}

// CountChatRequest estimates total prompt tokens including tool schemas.
func (e *Estimator) CountChatRequest(req *types.ChatRequest) (int, error) {
	total, err := e.CountMessages(req.Messages, req.Model)
	if err != nil {
		return 0, err
	}

	for _, tool := range req.Tools {
		toolTokens, err := e.countTool(tool, req.Model)
		if err != nil {
			return 0, err
		}
		total += toolTokens
	}
	return total, nil
}

func (e *Estimator) countMessage(msg types.Message, model string) (int, error) {
	total, err := e.CountText(msg.Role, model)
	if err != nil {
		return 0, err
	}

	contentTokens, err := e.CountText(msg.Content, model)
	if err != nil {
		return 0, err
	}
	total += contentTokens

	total += len(msg.Images) * imageTokens

	for _, call := range msg.ToolCalls {
		callTokens, err := e.CountText(call.Function.Name+call.Function.Arguments.String(), model)
		if err != nil {
			return 0, err
		}
		total += callTokens
	}
	return total, nil
}

// countTool estimates the tokens a tool schema adds to the prompt. The
// schema is serialized the same way it goes over the wire.
func (e *Estimator) countTool(tool types.Tool, model string) (int, error) {
	data, err := json.Marshal(tool)
	if err != nil {
		return 0, err
	}
	return e.CountText(string(data), model)
}
