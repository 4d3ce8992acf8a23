package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/jmallek/llamagate/internal/keypool"
	"github.com/jmallek/llamagate/internal/types"
	"github.com/jmallek/llamagate/internal/upstream"
)

// ChatStream is a pull-based streamed chat turn. Fragments arrive via Next;
// Message returns the assembled reply. Close records the outcome (once) and
// must always be called.
type ChatStream struct {
	inner *upstream.Stream[types.ChatResponse]

	p         *Pipeline
	slot      keypool.Slot
	model     string
	requestID string
	start     time.Time

	content   strings.Builder
	toolCalls []types.ToolCall
	final     *types.ChatResponse
	recorded  bool
}

// ChatStream opens a streamed chat turn. Admission, rotation and backoff
// apply to opening the stream; once fragments flow, a failure surfaces on
// the stream itself.
func (p *Pipeline) ChatStream(ctx context.Context, req *types.ChatRequest) (*ChatStream, error) {
	cs := &ChatStream{p: p, start: time.Now()}

	requestID, err := p.execute(ctx, "chat-stream", false, func(ctx context.Context, slot keypool.Slot) (callMeta, error) {
		r := withModel(req, slot.Model)
		stream, err := p.client.ChatStream(ctx, slot.Secret, r)
		if err != nil {
			return callMeta{model: r.Model}, err
		}
		cs.inner = stream
		cs.slot = slot
		cs.model = r.Model
		return callMeta{model: r.Model}, nil
	})
	if err != nil {
		return nil, err
	}
	cs.requestID = requestID
	return cs, nil
}

// Next returns the next fragment; false once the stream is finished or
// failed.
func (s *ChatStream) Next() (types.ChatResponse, bool) {
	chunk, ok := s.inner.Next()
	if !ok {
		return chunk, false
	}
	s.content.WriteString(chunk.Message.Content)
	s.toolCalls = append(s.toolCalls, chunk.Message.ToolCalls...)
	if chunk.Done {
		final := chunk
		s.final = &final
	}
	return chunk, true
}

// Err returns the stream's terminal error, if any.
func (s *ChatStream) Err() error { return s.inner.Err() }

// Message returns the reply assembled from the fragments read so far.
func (s *ChatStream) Message() types.Message {
	return types.Message{
		Role:      types.RoleAssistant,
		Content:   s.content.String(),
		ToolCalls: s.toolCalls,
	}
}

// Response returns the assembled reply in collected form, equivalent to a
// non-streamed call for the same upstream output. Valid after the stream
// is drained.
func (s *ChatStream) Response() *types.ChatResponse {
	resp := &types.ChatResponse{
		Model:   s.model,
		Message: s.Message(),
		Done:    s.inner.Done(),
	}
	if s.final != nil {
		resp.Model = s.final.Model
		resp.CreatedAt = s.final.CreatedAt
		resp.DoneReason = s.final.DoneReason
		resp.Metrics = s.final.Metrics
	}
	return resp
}

// Close releases the stream and records the outcome. Token counts come
// from the final fragment when it arrived, otherwise from an estimate of
// the assembled content.
func (s *ChatStream) Close() error {
	err := s.inner.Close()
	if s.recorded {
		return err
	}
	s.recorded = true

	tokens := 0
	if s.final != nil {
		tokens = s.final.TotalTokens()
	} else if n, tokErr := s.p.estimator.CountText(s.content.String(), s.model); tokErr == nil {
		tokens = n
	}
	s.p.record(s.requestID, s.slot, s.model, tokens, s.start, s.inner.Err())
	return err
}

// GenerateStream is the streamed form of a completion call.
type GenerateStream struct {
	inner *upstream.Stream[types.GenerateResponse]

	p         *Pipeline
	slot      keypool.Slot
	model     string
	requestID string
	start     time.Time

	output   strings.Builder
	final    *types.GenerateResponse
	recorded bool
}

// GenerateStream opens a streamed completion.
func (p *Pipeline) GenerateStream(ctx context.Context, req *types.GenerateRequest) (*GenerateStream, error) {
	gs := &GenerateStream{p: p, start: time.Now()}

	requestID, err := p.execute(ctx, "generate-stream", false, func(ctx context.Context, slot keypool.Slot) (callMeta, error) {
		r := *req
		if r.Model == "" {
			r.Model = slot.Model
		}
		stream, err := p.client.GenerateStream(ctx, slot.Secret, &r)
		if err != nil {
			return callMeta{model: r.Model}, err
		}
		gs.inner = stream
		gs.slot = slot
		gs.model = r.Model
		return callMeta{model: r.Model}, nil
	})
	if err != nil {
		return nil, err
	}
	gs.requestID = requestID
	return gs, nil
}

// Next returns the next fragment; false once finished or failed.
func (s *GenerateStream) Next() (types.GenerateResponse, bool) {
	chunk, ok := s.inner.Next()
	if !ok {
		return chunk, false
	}
	s.output.WriteString(chunk.Response)
	if chunk.Done {
		final := chunk
		s.final = &final
	}
	return chunk, true
}

// Err returns the stream's terminal error, if any.
func (s *GenerateStream) Err() error { return s.inner.Err() }

// Response returns the completion assembled from the fragments read so
// far, equivalent to a non-streamed call for the same upstream output.
func (s *GenerateStream) Response() *types.GenerateResponse {
	resp := &types.GenerateResponse{
		Model:    s.model,
		Response: s.output.String(),
		Done:     s.inner.Done(),
	}
	if s.final != nil {
		resp.Model = s.final.Model
		resp.CreatedAt = s.final.CreatedAt
		resp.DoneReason = s.final.DoneReason
		resp.Context = s.final.Context
		resp.Metrics = s.final.Metrics
	}
	return resp
}

// Close releases the stream and records the outcome.
func (s *GenerateStream) Close() error {
	err := s.inner.Close()
	if s.recorded {
		return err
	}
	s.recorded = true

	tokens := 0
	if s.final != nil {
		tokens = s.final.TotalTokens()
	} else if n, tokErr := s.p.estimator.CountText(s.output.String(), s.model); tokErr == nil {
		tokens = n
	}
	s.p.record(s.requestID, s.slot, s.model, tokens, s.start, s.inner.Err())
	return err
}
