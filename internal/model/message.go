package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Kind discriminates how a message is rendered.
type Kind string

const (
	KindText       Kind = "text"
	KindCrisis     Kind = "crisis"
	KindMeditation Kind = "meditation"
)

// Metadata is the free-form bag persisted next to a message.
type Metadata map[string]any

// Metadata keys written by the turn pipeline.
const (
	MetaKind      = "kind"
	MetaTitle     = "title"
	MetaResources = "resources"
	MetaEmergency = "emergency"
	MetaCrisis    = "crisis"
)

// CrisisResource is one crisis-line entry of the scripted safety response.
type CrisisResource struct {
	Name        string `json:"name"`
	Number      string `json:"number"`
	Description string `json:"description"`
}

// Message represents a persisted conversational unit. Content is never
// mutated once written.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Content
	Role    Role   `json:"role"`
	Kind    Kind   `json:"kind"`
	Content string `json:"content"`

	// Kind-specific payload
	Title     string           `json:"title,omitempty"`
	Resources []CrisisResource `json:"resources,omitempty"`

	Metadata  Metadata  `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KindFromMetadata recovers the rendering kind stored in a metadata bag.
func KindFromMetadata(meta Metadata) Kind {
	if meta == nil {
		return KindText
	}
	switch k := meta[MetaKind].(type) {
	case string:
		if k != "" {
			return Kind(k)
		}
	case Kind:
		if k != "" {
			return k
		}
	}
	return KindText
}

// TitleFromMetadata returns the stored title, if any.
func TitleFromMetadata(meta Metadata) string {
	if meta == nil {
		return ""
	}
	if t, ok := meta[MetaTitle].(string); ok {
		return t
	}
	return ""
}

// ResourcesFromMetadata returns the crisis resources stored in a metadata
// bag. It accepts both the typed slice and the shape produced by a JSON round
// trip.
func ResourcesFromMetadata(meta Metadata) []CrisisResource {
	if meta == nil {
		return nil
	}
	switch v := meta[MetaResources].(type) {
	case []CrisisResource:
		return v
	case []any:
		out := make([]CrisisResource, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var r CrisisResource
			r.Name, _ = m["name"].(string)
			r.Number, _ = m["number"].(string)
			r.Description, _ = m["description"].(string)
			out = append(out, r)
		}
		return out
	}
	return nil
}

// Hydrate fills Kind, Title and Resources from the metadata bag.
func (m *Message) Hydrate() {
	m.Kind = KindFromMetadata(m.Metadata)
	m.Title = TitleFromMetadata(m.Metadata)
	m.Resources = ResourcesFromMetadata(m.Metadata)
}
