package model

import (
	"time"
)

// EventType represents the type of conversation audit event.
type EventType string

const (
	EventTypeCrisisEscalation EventType = "crisis_escalation"
	EventTypeStreamFailed     EventType = "stream_failed"
	EventTypeTimeout          EventType = "timeout"
	EventTypeCancel           EventType = "cancel"
)

// ConversationEvent is an audit record attached to a conversation.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TurnEventType tags a TurnEvent.
type TurnEventType string

const (
	TurnEventChunk    TurnEventType = "chunk"
	TurnEventComplete TurnEventType = "complete"
	TurnEventFailed   TurnEventType = "failed"
)

// Risk mirrors the classifier flags for UI consumption (emergency banner).
type Risk struct {
	Emergency bool `json:"emergency"`
	Crisis    bool `json:"crisis"`
}

// TurnEvent is one item of the ordered event sequence produced by a turn:
// zero or more chunks followed by exactly one complete or failed event.
type TurnEvent struct {
	Type    TurnEventType `json:"type"`
	Text    string        `json:"text,omitempty"`
	Index   int           `json:"index,omitempty"`
	Message *Message      `json:"message,omitempty"`
	Risk    Risk          `json:"risk"`
	Err     error         `json:"-"`
}

// Terminal reports whether the event ends the turn.
func (e TurnEvent) Terminal() bool {
	return e.Type == TurnEventComplete || e.Type == TurnEventFailed
}

// ChunkEvent is the SSE payload for a streamed delta.
type ChunkEvent struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// CompleteEvent is the SSE payload for a finished turn.
type CompleteEvent struct {
	Message Message `json:"message"`
	Risk    Risk    `json:"risk"`
}

// FailedEvent is the SSE payload for a failed turn. Message carries the
// user-safe fallback; Code is a stable machine-readable reason.
type FailedEvent struct {
	Message Message `json:"message"`
	Code    string  `json:"code"`
}

// TurnStartedEvent is the first SSE event of a turn.
type TurnStartedEvent struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

// ErrorEvent represents a request-level error.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
