package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mindful-ai/companion/internal/llm"
	"github.com/mindful-ai/companion/internal/store"
	"github.com/mindful-ai/companion/pkg/logger"
)

// SessionRegistry maps conversation ids to their controllers so that turns
// arriving over separate requests share one session.
type SessionRegistry struct {
	store  store.Store
	client llm.Client
	opts   Options
	logger *logger.Logger

	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	ownerID    string
	controller *TurnController
	lastUsed   atomic.Int64
}

func (r *SessionRegistry) newSession(ownerID string, controller *TurnController) *session {
	s := &session{ownerID: ownerID, controller: controller}
	s.touch(r.now())
	return s
}

func (s *session) touch(t time.Time) {
	s.lastUsed.Store(t.UnixNano())
}

// NewSessionRegistry creates a registry. opts is the template for every
// controller; its OwnerID is replaced per session.
func NewSessionRegistry(s store.Store, client llm.Client, opts Options, log *logger.Logger) *SessionRegistry {
	if log == nil {
		log = logger.NewNop()
	}
	return &SessionRegistry{
		store:    s,
		client:   client,
		opts:     opts,
		logger:   log,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// New returns a controller for a conversation that does not exist yet. Call
// Track once its first turn has created the conversation.
func (r *SessionRegistry) New(ownerID string) *TurnController {
	opts := r.opts
	opts.OwnerID = ownerID
	return NewTurnController(r.store, r.client, opts, r.logger.With(zap.String("owner_id", ownerID)))
}

// Track registers a controller under its current conversation id.
func (r *SessionRegistry) Track(ownerID string, controller *TurnController) {
	id := controller.ConversationID()
	if id == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.controller == controller {
		s.touch(r.now())
		return
	}
	r.sessions[id] = r.newSession(ownerID, controller)
}

// Get returns the controller of an existing conversation, resuming it from the
// store when this process has not seen it yet.
func (r *SessionRegistry) Get(ctx context.Context, ownerID, conversationID string) (*TurnController, error) {
	r.mu.RLock()
	s, ok := r.sessions[conversationID]
	r.mu.RUnlock()
	if ok {
		if s.ownerID != ownerID {
			return nil, ErrForbidden
		}
		s.touch(r.now())
		return s.controller, nil
	}

	if reader, ok := r.store.(store.Reader); ok {
		conv, err := reader.GetSession(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation: %w", err)
		}
		if conv.OwnerID != ownerID {
			return nil, ErrForbidden
		}
	}

	controller := r.New(ownerID)
	if err := controller.Resume(conversationID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[conversationID]; ok {
		existing.touch(r.now())
		return existing.controller, nil
	}
	r.sessions[conversationID] = r.newSession(ownerID, controller)
	r.logger.Debug("resumed conversation", zap.String("conversation_id", conversationID))
	return controller, nil
}

// Delete resets a conversation and forgets its controller.
func (r *SessionRegistry) Delete(ctx context.Context, ownerID, conversationID string) error {
	controller, err := r.Get(ctx, ownerID, conversationID)
	if err != nil {
		return err
	}
	r.Forget(conversationID)
	return controller.Reset(ctx)
}

// Forget drops a controller without touching the store.
func (r *SessionRegistry) Forget(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, conversationID)
}

// EvictIdle forgets controllers unused for longer than ttl. A controller with
// a running turn or pending writes is kept. The conversations stay in the
// store and Get resumes them on their next turn.
func (r *SessionRegistry) EvictIdle(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, s := range r.sessions {
		if s.lastUsed.Load() > cutoff || !s.controller.Idle() {
			continue
		}
		delete(r.sessions, id)
		evicted++
	}
	if evicted > 0 {
		r.logger.Debug("evicted idle sessions", zap.Int("count", evicted), zap.Int("remaining", len(r.sessions)))
	}
	return evicted
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (r *SessionRegistry) RunEviction(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(ttl)
		}
	}
}

// Len returns the number of tracked sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Wait blocks until every tracked controller has flushed its writes.
func (r *SessionRegistry) Wait(ctx context.Context) error {
	r.mu.RLock()
	controllers := make([]*TurnController, 0, len(r.sessions))
	for _, s := range r.sessions {
		controllers = append(controllers, s.controller)
	}
	r.mu.RUnlock()

	for _, c := range controllers {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
