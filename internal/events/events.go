// Package events defines the completion-event interface the pipeline emits
// on. Metrics and analytics consumers subscribe here; sinks must never
// block or fail the call path.
package events

import (
	"log/slog"
	"time"
)

// Completion describes one finished upstream call.
type Completion struct {
	RequestID    string
	Model        string
	CredentialID string
	Tokens       int
	Latency      time.Duration
	Success      bool
}

// Sink receives completion events. Implementations must return quickly;
// slow consumers should buffer internally.
type Sink interface {
	OnCompletion(Completion)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Completion)

// OnCompletion calls f.
func (f SinkFunc) OnCompletion(c Completion) { f(c) }

// Fanout delivers events to a fixed set of sinks. Panicking sinks are
// recovered and logged; a broken subscriber never fails a request.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout creates a fanout over the given sinks.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: logger}
}

// OnCompletion delivers the event to every sink.
func (f *Fanout) OnCompletion(c Completion) {
	for _, sink := range f.sinks {
		f.deliver(sink, c)
	}
}

func (f *Fanout) deliver(sink Sink, c Completion) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("event sink panicked", "panic", r, "request_id", c.RequestID)
		}
	}()
	sink.OnCompletion(c)
}
