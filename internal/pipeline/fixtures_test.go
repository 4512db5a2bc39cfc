package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/postconvo/internal/config"
	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/resilience"
	"github.com/sells-group/postconvo/internal/store"
	"github.com/sells-group/postconvo/pkg/anthropic"
	"github.com/sells-group/postconvo/pkg/graph"
)

const extractionJSON = `{
  "summary": "Talked about the job search and putting off applications.",
  "tone": "anxious",
  "facts": [{"subject": "user", "predicate": "applied to", "object": "Acme", "confidence": 0.9}],
  "entities": [{"name": "Acme", "kind": "organization"}, {"name": "Lisbon", "kind": "place"}],
  "threads": [{"title": "Job search", "summary": "Applying to design roles", "priority": 4}],
  "thoughts": [{"content": "Ask former colleagues for referrals", "thread_title": "job search"}],
  "arcs": [{"name": "career change", "beat": "first applications", "intensity": 0.6}]
}`

// --- Anthropic Mock ---

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:         "msg_1",
		Model:      "claude-haiku-4-5-20251001",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 900, OutputTokens: 200},
	}
}

// --- Graph Mocks ---

type mockGraph struct {
	mock.Mock
}

func (m *mockGraph) OpenSession(ctx context.Context, userID string) (graph.Session, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(graph.Session), args.Error(1)
}

type mockSession struct {
	mock.Mock
}

func (m *mockSession) ID() string { return "sess-1" }

func (m *mockSession) AddEpisode(ctx context.Context, ep graph.Episode) (*graph.EpisodeResult, error) {
	args := m.Called(ctx, ep)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*graph.EpisodeResult), args.Error(1)
}

func (m *mockSession) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// healthyGraph returns a graph client whose session accepts every episode.
func healthyGraph() (*mockGraph, *mockSession) {
	sess := &mockSession{}
	sess.On("AddEpisode", mock.Anything, mock.Anything).
		Return(&graph.EpisodeResult{EntitiesUpserted: 2, FactsAdded: 1}, nil)
	sess.On("Close", mock.Anything).Return(nil)

	gc := &mockGraph{}
	gc.On("OpenSession", mock.Anything, "user-1").Return(sess, nil)
	return gc, sess
}

// --- Voice cache and notifier ---

type mockVoice struct {
	mock.Mock
}

func (m *mockVoice) Invalidate(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyFatal(ctx context.Context, conversationID string, err error) error {
	return m.Called(ctx, conversationID, err).Error(0)
}

// --- Store ---

// failingStore fails the normal terminal write and, when forceErr is set,
// the forced one too.
type failingStore struct {
	store.Store
	forceErr error
}

func (f *failingStore) MarkProcessed(context.Context, string, string, string, []string) error {
	return eris.New("disk I/O error")
}

func (f *failingStore) MarkFailed(context.Context, string) error {
	return eris.New("disk I/O error")
}

func (f *failingStore) ForceStatusUpdate(ctx context.Context, id string, status model.ConversationStatus) (bool, error) {
	if f.forceErr != nil {
		return false, f.forceErr
	}
	return f.Store.ForceStatusUpdate(ctx, id, status)
}

// stallingStore holds the normal terminal write until its context ends.
type stallingStore struct {
	store.Store
	forceErr error
}

func (s *stallingStore) MarkProcessed(ctx context.Context, _, _, _ string, _ []string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stallingStore) MarkFailed(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stallingStore) ForceStatusUpdate(ctx context.Context, id string, status model.ConversationStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.forceErr != nil {
		return false, s.forceErr
	}
	return s.Store.ForceStatusUpdate(ctx, id, status)
}

// lostAckStore writes the nth thought and then reports a dropped
// connection for it, once.
type lostAckStore struct {
	store.Store
	failOn int
	calls  int
}

func (s *lostAckStore) CreateThought(ctx context.Context, th *model.Thought) error {
	s.calls++
	if err := s.Store.CreateThought(ctx, th); err != nil {
		return err
	}
	if s.calls == s.failOn {
		return fmt.Errorf("read tcp 10.0.0.4:5432: %w", syscall.ECONNRESET)
	}
	return nil
}

// slowLoader answers GetConversation only once released, whatever its
// context says.
type slowLoader struct {
	store.Store
	release chan struct{}
}

func (s *slowLoader) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	<-s.release
	return s.Store.GetConversation(context.Background(), id)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedConversation(t *testing.T, st store.Store, id string, msgs ...model.Message) *model.Conversation {
	t.Helper()
	if len(msgs) == 0 {
		msgs = []model.Message{
			{Role: model.RoleUser, Content: "I keep leaving my applications until tomorrow."},
			{Role: model.RoleAssistant, Content: "What makes today feel hard?"},
		}
	}
	c := &model.Conversation{
		ID:        id,
		UserID:    "user-1",
		Messages:  msgs,
		StartedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
	require.NoError(t, st.CreateConversation(context.Background(), c))
	return c
}

func testConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{Model: "claude-haiku-4-5-20251001", MaxTokens: 1024},
		Retry: config.RetryConfig{
			InitialBackoffMs: 1,
			MaxBackoffMs:     5,
			Multiplier:       2,
		},
		DLQ: config.DLQConfig{MaxRetries: 3, BaseBackoffSecs: 60},
	}
}

func testRegistry() *resilience.Registry {
	return resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig(), nil)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}
