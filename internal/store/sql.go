package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mindful-ai/companion/internal/model"
)

// Stored sender values. Assistant messages are written as "bot".
const (
	senderUser = "user"
	senderBot  = "bot"
)

// sessionRow is one conversation session.
type sessionRow struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	UserID    string    `gorm:"type:varchar(64);not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sessionRow) TableName() string { return "conversation_sessions" }

// messageRow is one persisted message.
type messageRow struct {
	ID             string    `gorm:"type:char(36);primaryKey"`
	ConversationID string    `gorm:"type:char(36);not null;index:idx_conversation_created,priority:1"`
	Message        string    `gorm:"type:text;not null"`
	Sender         string    `gorm:"type:varchar(16);not null"`
	Metadata       string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index:idx_conversation_created,priority:2"`
}

func (messageRow) TableName() string { return "conversations" }

// eventRow is one audit event.
type eventRow struct {
	ID             string `gorm:"type:char(36);primaryKey"`
	ConversationID string `gorm:"type:char(36);not null;index"`
	Type           string `gorm:"type:varchar(32);not null"`
	Reason         string `gorm:"type:text"`
	Metadata       string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (eventRow) TableName() string { return "conversation_events" }

// SQL is a gorm-backed Store.
type SQL struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) a sqlite database at path. Use
// "file::memory:?cache=shared" for a throwaway database.
func OpenSQLite(path string) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewSQL(db)
}

// NewSQL wraps an open gorm connection and migrates the schema.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&sessionRow{}, &messageRow{}, &eventRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQL{db: db}, nil
}

// CreateSession creates a new conversation.
func (s *SQL) CreateSession(ctx context.Context, ownerID string) (string, error) {
	now := time.Now().UTC()
	row := sessionRow{ID: newID(), UserID: ownerID, CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return row.ID, nil
}

// AppendMessage stores a message and touches the session.
func (s *SQL) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, meta model.Metadata) (*model.Message, error) {
	metaJSON, err := encodeMetadata(meta)
	if err != nil {
		return nil, err
	}

	row := messageRow{
		ID:             newID(),
		ConversationID: conversationID,
		Message:        content,
		Sender:         senderFromRole(role),
		Metadata:       metaJSON,
		CreatedAt:      time.Now().UTC(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&sessionRow{}).Where("id = ?", conversationID).Update("updated_at", row.CreatedAt)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	return row.toMessage()
}

// RecentContext returns the most recent messages, oldest first.
func (s *SQL) RecentContext(ctx context.Context, conversationID string, max int) ([]model.ContextMessage, error) {
	if max <= 0 {
		return []model.ContextMessage{}, nil
	}

	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(max).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}

	out := make([]model.ContextMessage, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, model.ContextMessage{
			Role:    roleFromSender(rows[i].Sender),
			Content: rows[i].Message,
		})
	}
	return out, nil
}

// DeleteConversation removes the messages, then the events and the session.
// It does not roll back: a failure after the first step leaves an empty
// session behind and the joined error reports which step failed.
func (s *SQL) DeleteConversation(ctx context.Context, conversationID string) error {
	db := s.db.WithContext(ctx)

	var errs []error
	if err := db.Where("conversation_id = ?", conversationID).Delete(&messageRow{}).Error; err != nil {
		errs = append(errs, fmt.Errorf("failed to delete messages: %w", err))
	}
	if err := db.Where("conversation_id = ?", conversationID).Delete(&eventRow{}).Error; err != nil {
		errs = append(errs, fmt.Errorf("failed to delete events: %w", err))
	}
	if err := db.Where("id = ?", conversationID).Delete(&sessionRow{}).Error; err != nil {
		errs = append(errs, fmt.Errorf("failed to delete session: %w", err))
	}
	return errors.Join(errs...)
}

// GetSession returns a conversation by id.
func (s *SQL) GetSession(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", conversationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &model.Conversation{
		ID:        row.ID,
		OwnerID:   row.UserID,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// History returns every message of a conversation in append order.
func (s *SQL) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	if _, err := s.GetSession(ctx, conversationID); err != nil {
		return nil, err
	}

	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	out := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, nil
}

// RecordEvent stores an audit event for an existing conversation.
func (s *SQL) RecordEvent(ctx context.Context, event *model.ConversationEvent) error {
	if event.ID == "" {
		event.ID = newID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := encodeMetadata(event.Metadata)
	if err != nil {
		return err
	}

	row := eventRow{
		ID:             event.ID,
		ConversationID: event.ConversationID,
		Type:           string(event.Type),
		Reason:         event.Reason,
		Metadata:       metaJSON,
		CreatedAt:      event.CreatedAt,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sessions int64
		if err := tx.Model(&sessionRow{}).Where("id = ?", event.ConversationID).Count(&sessions).Error; err != nil {
			return err
		}
		if sessions == 0 {
			return ErrNotFound
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQL) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r messageRow) toMessage() (*model.Message, error) {
	var meta model.Metadata
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of message %s: %w", r.ID, err)
		}
	}

	msg := &model.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           roleFromSender(r.Sender),
		Content:        r.Message,
		Metadata:       meta,
		CreatedAt:      r.CreatedAt,
	}
	msg.Hydrate()
	return msg, nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

func senderFromRole(role model.Role) string {
	if role == model.RoleAssistant {
		return senderBot
	}
	return string(role)
}

func roleFromSender(sender string) model.Role {
	if sender == senderBot {
		return model.RoleAssistant
	}
	return model.Role(sender)
}
