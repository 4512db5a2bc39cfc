package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ThreadStatus tracks whether a thread is still open.
type ThreadStatus string

const (
	ThreadStatusActive ThreadStatus = "active"
	ThreadStatusClosed ThreadStatus = "closed"
)

// Thread is an ongoing topic in a user's life.
type Thread struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	Title          string       `json:"title"`
	Summary        string       `json:"summary"`
	Priority       int          `json:"priority"`
	Status         ThreadStatus `json:"status"`
	ConversationID string       `json:"conversation_id"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NormalizeTitle folds a thread title for duplicate detection.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

var thoughtNamespace = uuid.MustParse("6f1c3b1e-5a0d-4c1e-9a57-2b8f0d7e4c11")

// ThoughtID derives a stable ID from the conversation and the folded
// content, so writing the same thought twice yields one row.
func ThoughtID(conversationID, content string) string {
	return uuid.NewSHA1(thoughtNamespace, []byte(conversationID+"\x00"+NormalizeTitle(content))).String()
}

// Thought is a reflection captured from a conversation.
type Thought struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// DailySummary rolls up the summaries of one user's conversations for a day.
type DailySummary struct {
	UserID            string    `json:"user_id"`
	Day               string    `json:"day"` // YYYY-MM-DD, UTC
	Summary           string    `json:"summary"`
	ConversationCount int       `json:"conversation_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Arc is a long-running narrative in a user's story.
type Arc struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Beats     []string  `json:"beats"`
	Intensity float64   `json:"intensity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
