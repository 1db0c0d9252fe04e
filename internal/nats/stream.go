package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/mindful-ai/companion/internal/model"
	"github.com/mindful-ai/companion/internal/store"
	"github.com/mindful-ai/companion/pkg/logger"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"

	// SessionBucket is the KV bucket holding conversation sessions.
	SessionBucket = "conversation_sessions"

	fetchBatch = 256
)

// StreamManager is a JetStream-backed conversation store. Messages and audit
// events are appended to one stream; sessions live in a KV bucket.
type StreamManager struct {
	client *Client
	kv     jetstream.KeyValue
	logger *logger.Logger
}

// NewStreamManager creates a new stream manager. EnsureStream must be called
// before use.
func NewStreamManager(client *Client, log *logger.Logger) *StreamManager {
	if log == nil {
		log = logger.NewNop()
	}
	return &StreamManager{client: client, logger: log}
}

// EnsureStream ensures the conversations stream and the session bucket exist.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream: %w", err)
		}
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        StreamName,
			Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      365 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Compression: jetstream.S2Compression,
			DenyDelete:  true,
			Description: "Conversation messages and audit events",
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		m.logger.Info("created stream", zap.String("stream", StreamName))
	}

	kv, err := js.KeyValue(ctx, SessionBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      SessionBucket,
			Description: "Conversation sessions",
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to open session bucket: %w", err)
	}
	m.kv = kv

	return nil
}

// MessageSubject returns the subject for a message.
func MessageSubject(conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, conversationID, role)
}

// EventSubject returns the subject for an event.
func EventSubject(conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.event.%s", SubjectPrefix, conversationID, eventType)
}

// MessageFilter returns the filter subject for all messages in a conversation.
func MessageFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg.>", SubjectPrefix, conversationID)
}

// ConversationFilter returns the filter subject for everything in a
// conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, conversationID)
}

// CreateSession creates a new conversation.
func (m *StreamManager) CreateSession(ctx context.Context, ownerID string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate conversation id: %w", err)
	}

	now := time.Now().UTC()
	session := model.Conversation{
		ID:        id.String(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	if _, err := m.kv.Create(ctx, session.ID, data); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return session.ID, nil
}

// GetSession returns a conversation by id.
func (m *StreamManager) GetSession(ctx context.Context, conversationID string) (*model.Conversation, error) {
	entry, err := m.kv.Get(ctx, conversationID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session model.Conversation
	if err := json.Unmarshal(entry.Value(), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// AppendMessage publishes a message and touches the session.
func (m *StreamManager) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, meta model.Metadata) (*model.Message, error) {
	session, err := m.GetSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	msg := &model.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}
	msg.Hydrate()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := m.client.JetStream().Publish(ctx, MessageSubject(conversationID, role), data); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	session.UpdatedAt = msg.CreatedAt
	if sessionData, err := json.Marshal(session); err == nil {
		if _, err := m.kv.Put(ctx, conversationID, sessionData); err != nil {
			m.logger.Warn("failed to touch session",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}

	return msg, nil
}

// RecordEvent publishes an audit event. Events for a deleted conversation are
// rejected so a purge stays complete.
func (m *StreamManager) RecordEvent(ctx context.Context, event *model.ConversationEvent) error {
	if _, err := m.GetSession(ctx, event.ConversationID); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := m.client.JetStream().Publish(ctx, EventSubject(event.ConversationID, event.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// History returns every message of a conversation in stream order.
func (m *StreamManager) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	if _, err := m.GetSession(ctx, conversationID); err != nil {
		return nil, err
	}
	return m.readMessages(ctx, conversationID)
}

// RecentContext returns the most recent messages, oldest first.
func (m *StreamManager) RecentContext(ctx context.Context, conversationID string, max int) ([]model.ContextMessage, error) {
	if max <= 0 {
		return []model.ContextMessage{}, nil
	}

	messages, err := m.readMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(messages) > max {
		messages = messages[len(messages)-max:]
	}

	out := make([]model.ContextMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, model.ContextMessage{Role: msg.Role, Content: msg.Content})
	}
	return out, nil
}

// DeleteConversation purges the conversation's subjects, then its session.
func (m *StreamManager) DeleteConversation(ctx context.Context, conversationID string) error {
	var errs []error

	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err == nil {
		err = stream.Purge(ctx, jetstream.WithPurgeSubject(ConversationFilter(conversationID)))
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to purge messages: %w", err))
	}

	if err := m.kv.Delete(ctx, conversationID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		errs = append(errs, fmt.Errorf("failed to delete session: %w", err))
	}

	return errors.Join(errs...)
}

// Ping checks the NATS connection.
func (m *StreamManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx)
}

// readMessages drains the conversation's message subjects through an
// ordered consumer.
func (m *StreamManager) readMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{MessageFilter(conversationID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var messages []model.Message
	for {
		batch, err := consumer.FetchNoWait(fetchBatch)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		n := 0
		for msg := range batch.Messages() {
			n++
			var message model.Message
			if err := json.Unmarshal(msg.Data(), &message); err != nil {
				m.logger.Debug("skipping undecodable message",
					zap.String("subject", msg.Subject()),
					zap.Error(err),
				)
				continue
			}
			message.Hydrate()
			messages = append(messages, message)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if n < fetchBatch {
			return messages, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
