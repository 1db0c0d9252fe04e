// Package model defines data structures for the wellness companion.
package model

import (
	"time"
)

// Conversation represents one chat session. The ID is generated once and is
// stable for the lifetime of the session.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Utterance is a single raw text input from the user.
type Utterance struct {
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewUtterance stamps text with the current time.
func NewUtterance(text string) Utterance {
	return Utterance{Text: text, ReceivedAt: time.Now()}
}

// ContextMessage is a role-tagged entry of the bounded context window.
type ContextMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is the request body for POST /api/v1/chat/turns.
type TurnRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
}

// ClassifyRequest is the request body for POST /api/v1/risk/classify.
type ClassifyRequest struct {
	Text string `json:"text"`
}

// ListMessagesResponse is the response for listing a conversation's messages.
type ListMessagesResponse struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}
