// Package store persists conversations and everything the pipeline derives
// from them.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/resilience"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("not found")

// ConversationFilter specifies criteria for listing or counting conversations.
type ConversationFilter struct {
	Status        model.ConversationStatus `json:"status,omitempty"`
	UserID        string                   `json:"user_id,omitempty"`
	UpdatedAfter  time.Time                `json:"updated_after,omitempty"`
	UpdatedBefore time.Time                `json:"updated_before,omitempty"`
	Limit         int                      `json:"limit,omitempty"`
}

// ConversationRepository reads and finalizes conversations.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, c *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error
	MarkProcessed(ctx context.Context, id, summary, tone string, entities []string) error
	MarkFailed(ctx context.Context, id string) error
	// ForceStatusUpdate writes status with a bare UPDATE. It reports whether
	// a row was changed.
	ForceStatusUpdate(ctx context.Context, id string, status model.ConversationStatus) (bool, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error)
	CountConversations(ctx context.Context, filter ConversationFilter) (int, error)
}

// ThreadRepository stores threads and thoughts.
type ThreadRepository interface {
	// FindActiveThread returns the user's active thread with the given
	// normalized title, or nil when there is none.
	FindActiveThread(ctx context.Context, userID, normalizedTitle string) (*model.Thread, error)
	CreateThread(ctx context.Context, t *model.Thread) error
	UpdateThread(ctx context.Context, t *model.Thread) error
	ListThreads(ctx context.Context, userID string) ([]model.Thread, error)
	CreateThought(ctx context.Context, t *model.Thought) error
	ListThoughts(ctx context.Context, userID string) ([]model.Thought, error)
}

// SummaryRepository stores daily summary rollups. Entries are keyed by
// conversation so re-adding one replaces it.
type SummaryRepository interface {
	AddDailySummaryEntry(ctx context.Context, userID, day, conversationID, summary string) error
	GetDailySummary(ctx context.Context, userID, day string) (*model.DailySummary, error)
}

// ArcRepository stores narrative arcs.
type ArcRepository interface {
	// GetArc returns nil when the user has no arc with that name.
	GetArc(ctx context.Context, userID, name string) (*model.Arc, error)
	UpsertArc(ctx context.Context, a *model.Arc) error
}

// ViceRepository stores vice signals.
type ViceRepository interface {
	// ReplaceViceSignals swaps every signal of a conversation for signals.
	ReplaceViceSignals(ctx context.Context, conversationID string, signals []model.ViceSignal) error
	ListViceSignals(ctx context.Context, userID string) ([]model.ViceSignal, error)
}

// DLQRepository stores conversations awaiting a re-run.
type DLQRepository interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)
}

// Store defines the full persistence interface.
type Store interface {
	ConversationRepository
	ThreadRepository
	SummaryRepository
	ArcRepository
	ViceRepository
	DLQRepository

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// Open creates the store selected by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, poolCfg)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

func notFound(entity, id string) error {
	return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
}
