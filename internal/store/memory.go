package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindful-ai/companion/internal/model"
)

// Memory is an in-process Store used by tests and the CLI's ephemeral mode.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*model.Conversation
	messages map[string][]model.Message
	events   map[string][]model.ConversationEvent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*model.Conversation),
		messages: make(map[string][]model.Message),
		events:   make(map[string][]model.ConversationEvent),
	}
}

// CreateSession creates a new conversation.
func (s *Memory) CreateSession(ctx context.Context, ownerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := newID()
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &model.Conversation{
		ID:        id,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// AppendMessage stores a message.
func (s *Memory) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, meta model.Metadata) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	msg := model.Message{
		ID:             newID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       cloneMetadata(meta),
		CreatedAt:      time.Now().UTC(),
	}
	msg.Hydrate()

	s.messages[conversationID] = append(s.messages[conversationID], msg)
	session.UpdatedAt = msg.CreatedAt

	out := msg
	return &out, nil
}

// RecentContext returns the most recent messages.
func (s *Memory) RecentContext(ctx context.Context, conversationID string, max int) ([]model.ContextMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.messages[conversationID], max), nil
}

// DeleteConversation removes a conversation and everything attached to it.
func (s *Memory) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, conversationID)
	delete(s.events, conversationID)
	delete(s.sessions, conversationID)
	return nil
}

// GetSession returns a conversation by id.
func (s *Memory) GetSession(ctx context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *session
	return &out, nil
}

// History returns every message of a conversation in append order.
func (s *Memory) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[conversationID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	return out, nil
}

// RecordEvent stores an audit event for an existing conversation.
func (s *Memory) RecordEvent(ctx context.Context, event *model.ConversationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[event.ConversationID]; !ok {
		return ErrNotFound
	}
	if event.ID == "" {
		event.ID = newID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events[event.ConversationID] = append(s.events[event.ConversationID], *event)
	return nil
}

// Events returns the audit events of a conversation.
func (s *Memory) Events(conversationID string) []model.ConversationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ConversationEvent, len(s.events[conversationID]))
	copy(out, s.events[conversationID])
	return out
}

// Ping always succeeds.
func (s *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func cloneMetadata(meta model.Metadata) model.Metadata {
	if meta == nil {
		return nil
	}
	out := make(model.Metadata, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
