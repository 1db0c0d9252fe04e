// Package store persists conversation sessions and their messages.
//
// Every backend satisfies Store. Reader, EventRecorder and Pinger are
// optional capabilities discovered with a type assertion.
package store

import (
	"context"
	"errors"

	"github.com/mindful-ai/companion/internal/model"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store is the persistence contract of the turn pipeline.
type Store interface {
	// CreateSession creates a conversation owned by ownerID and returns its
	// id.
	CreateSession(ctx context.Context, ownerID string) (string, error)

	// AppendMessage persists one message and touches the session's
	// updated_at.
	AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, meta model.Metadata) (*model.Message, error)

	// RecentContext returns up to max of the most recent messages of the
	// conversation, oldest first.
	RecentContext(ctx context.Context, conversationID string, max int) ([]model.ContextMessage, error)

	// DeleteConversation removes the messages and then the session.
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Reader exposes full conversation reads.
type Reader interface {
	GetSession(ctx context.Context, conversationID string) (*model.Conversation, error)
	History(ctx context.Context, conversationID string) ([]model.Message, error)
}

// EventRecorder stores audit events next to a conversation.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event *model.ConversationEvent) error
}

// Pinger reports backend liveness for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// tail returns the last max context entries of msgs.
func tail(msgs []model.Message, max int) []model.ContextMessage {
	if max <= 0 {
		return []model.ContextMessage{}
	}
	if len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	out := make([]model.ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, model.ContextMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
