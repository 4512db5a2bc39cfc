package model

import (
	"strings"
	"time"
)

// ConversationStatus represents where a conversation is in post-processing.
type ConversationStatus string

const (
	ConversationStatusPending    ConversationStatus = "pending"
	ConversationStatusProcessing ConversationStatus = "processing"
	ConversationStatusProcessed  ConversationStatus = "processed"
	ConversationStatusFailed     ConversationStatus = "failed"
)

// IsTerminal reports whether the status ends post-processing.
func (s ConversationStatus) IsTerminal() bool {
	return s == ConversationStatusProcessed || s == ConversationStatusFailed
}

// Message roles. The assistant side of a conversation may be labelled either
// "assistant" or "bot" depending on which channel recorded it.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleBot       = "bot"
)

// IsCounterpartRole reports whether role is one of the recognized
// counterpart labels.
func IsCounterpartRole(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleAssistant, RoleBot:
		return true
	default:
		return false
	}
}

// IsSubjectRole reports whether role is the user's own turn.
func IsSubjectRole(role string) bool {
	return strings.ToLower(strings.TrimSpace(role)) == RoleUser
}

// Message is a single turn in a conversation.
type Message struct {
	Role      string    `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Blank reports whether the message has no usable role or content.
func (m Message) Blank() bool {
	return strings.TrimSpace(m.Role) == "" || strings.TrimSpace(m.Content) == ""
}

// Conversation is the unit of work processed by the pipeline.
type Conversation struct {
	ID          string             `json:"id" yaml:"id"`
	UserID      string             `json:"user_id" yaml:"user_id"`
	Status      ConversationStatus `json:"status" yaml:"status"`
	Messages    []Message          `json:"messages" yaml:"messages"`
	Summary     string             `json:"summary,omitempty" yaml:"summary,omitempty"`
	Tone        string             `json:"tone,omitempty" yaml:"tone,omitempty"`
	Entities    []string           `json:"entities,omitempty" yaml:"entities,omitempty"`
	StartedAt   time.Time          `json:"started_at" yaml:"started_at"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty" yaml:"processed_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" yaml:"updated_at"`
}

// HasContent reports whether at least one message carries text.
func (c *Conversation) HasContent() bool {
	for _, m := range c.Messages {
		if strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}

// Transcript renders the non-blank messages as "role: content" lines.
func (c *Conversation) Transcript() string {
	var b strings.Builder
	for _, m := range c.Messages {
		if m.Blank() {
			continue
		}
		b.WriteString(strings.ToLower(strings.TrimSpace(m.Role)))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}
