// Package toolloop drives a multi-turn tool-calling conversation: the model
// asks for tool invocations, the loop executes them and feeds the results
// back, until the model replies without tool calls or the iteration cap is
// reached.
package toolloop

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jmallek/llamagate/internal/session"
	"github.com/jmallek/llamagate/internal/types"
)

// DefaultMaxIterations bounds the loop when the model keeps asking for tools.
const DefaultMaxIterations = 10

// Caller issues one chat turn. *pipeline.Pipeline satisfies it.
type Caller interface {
	Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
}

// Func executes one tool invocation. The returned string goes back to the
// model verbatim as a tool-role turn.
type Func func(ctx context.Context, args map[string]any) (string, error)

// ToolCallRecord is one executed (or failed) tool invocation within a run.
type ToolCallRecord struct {
	ID        string
	Name      string
	Arguments map[string]any
	Result    string
	Error     string
}

// Result is the outcome of a completed run.
type Result struct {
	// Message is the model's final reply.
	Message types.Message
	// History is the full turn sequence including the initial turns.
	History []types.Message
	// Calls lists every tool invocation in execution order.
	Calls []ToolCallRecord
	// Tokens is the summed token usage across every model turn, for
	// charging the caller's token budget after the run.
	Tokens int
	// Iterations is how many model turns were taken.
	Iterations int
	// Truncated is set when the cap was hit while the model still wanted
	// tools; Message then holds the last reply as-is.
	Truncated bool
}

type runner struct {
	caller        Caller
	tools         []types.Tool
	funcs         map[string]Func
	maxIterations int
	logger        *slog.Logger
	recorder      session.Recorder
	sessionID     string
	format        string
	options       map[string]any
}

// Option configures a run.
type Option func(*runner)

// WithMaxIterations overrides the iteration cap.
func WithMaxIterations(n int) Option {
	return func(r *runner) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithLogger sets the run logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorder persists each produced turn to the given session. Append
// failures are logged, never propagated.
func WithRecorder(rec session.Recorder, sessionID string) Option {
	return func(r *runner) {
		r.recorder = rec
		r.sessionID = sessionID
	}
}

// WithFormat sets the response format constraint passed on every turn.
func WithFormat(format string) Option {
	return func(r *runner) { r.format = format }
}

// WithModelOptions sets backend model options passed on every turn.
func WithModelOptions(opts map[string]any) Option {
	return func(r *runner) { r.options = opts }
}

// Run drives the loop to completion. The initial turns are not modified; the
// returned history is an independent slice. Pipeline errors abort the run and
// propagate; tool execution errors do not, they become tool-role turns the
// model can react to.
func Run(ctx context.Context, caller Caller, turns []types.Message, tools []types.Tool, funcs map[string]Func, opts ...Option) (*Result, error) {
	r := &runner{
		caller:        caller,
		tools:         tools,
		funcs:         funcs,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r.run(ctx, turns)
}

func (r *runner) run(ctx context.Context, turns []types.Message) (*Result, error) {
	history := make([]types.Message, len(turns), len(turns)+2*r.maxIterations)
	copy(history, turns)

	res := &Result{}

	for res.Iterations < r.maxIterations {
		reply, err := r.caller.Chat(ctx, &types.ChatRequest{
			Messages: history,
			Tools:    r.tools,
			Format:   r.format,
			Options:  r.options,
		})
		if err != nil {
			return nil, fmt.Errorf("tool loop aborted at iteration %d: %w", res.Iterations, err)
		}
		res.Iterations++
		res.Tokens += reply.TotalTokens()

		history = append(history, reply.Message)
		r.persist(ctx, reply.Message)

		if !reply.Message.HasToolCalls() {
			res.Message = reply.Message
			res.History = history
			return res, nil
		}

		for _, call := range reply.Message.ToolCalls {
			turn, ok := r.invoke(ctx, call, res)
			if !ok {
				continue
			}
			history = append(history, turn)
			r.persist(ctx, turn)
		}

		res.Message = reply.Message
	}

	r.logger.Warn("tool loop hit iteration cap",
		"iterations", res.Iterations,
		"calls", len(res.Calls),
	)
	res.History = history
	res.Truncated = true
	return res, nil
}

// invoke executes one requested tool call. The second return is false when
// the call was skipped (unknown tool) and no turn should be appended.
func (r *runner) invoke(ctx context.Context, call types.ToolCall, res *Result) (types.Message, bool) {
	name := call.Function.Name
	record := ToolCallRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: call.Function.Arguments,
	}

	fn, ok := r.funcs[name]
	if !ok {
		r.logger.Warn("model requested unknown tool", "tool", name)
		return types.Message{}, false
	}

	out, err := fn(ctx, call.Function.Arguments)
	if err != nil {
		// The error text goes back to the model so it can correct itself
		// on the next turn.
		toolErr := &types.ToolError{Tool: name, Err: err}
		record.Error = err.Error()
		res.Calls = append(res.Calls, record)
		return types.NewToolResultMessage(name, toolErr.Error()), true
	}

	record.Result = out
	res.Calls = append(res.Calls, record)
	return types.NewToolResultMessage(name, out), true
}

func (r *runner) persist(ctx context.Context, msg types.Message) {
	if r.recorder == nil {
		return
	}
	meta := map[string]any{}
	if msg.ToolName != "" {
		meta["tool_name"] = msg.ToolName
	}
	if len(msg.ToolCalls) > 0 {
		meta["tool_calls"] = len(msg.ToolCalls)
	}
	if err := r.recorder.AppendMessage(ctx, r.sessionID, msg.Role, msg.Content, meta); err != nil {
		r.logger.Error("failed to persist turn", "session", r.sessionID, "error", err)
	}
}
