// Package session declares the conversation-persistence collaborators the
// gateway consumes. Implementations live with the embedding application;
// nothing in this module persists conversations itself.
package session

import (
	"context"

	"github.com/jmallek/llamagate/internal/types"
)

// Session is a stored conversation.
type Session struct {
	ID       string
	Title    string
	Messages []types.Message
}

// Store loads stored conversations.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
}

// Recorder appends turns to a stored conversation. Append failures must not
// fail the call that produced the turn; callers log and continue.
type Recorder interface {
	AppendMessage(ctx context.Context, sessionID, role, content string, meta map[string]any) error
}
