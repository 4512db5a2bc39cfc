package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/store"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, conversationID, userID string) (*model.RunResult, error) {
	args := m.Called(ctx, conversationID, userID)
	if r := args.Get(0); r != nil {
		return r.(*model.RunResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRunner) Rerun(ctx context.Context, conversationID, userID string) (*model.RunResult, error) {
	args := m.Called(ctx, conversationID, userID)
	if r := args.Get(0); r != nil {
		return r.(*model.RunResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func succeeded(id string) *model.RunResult {
	return &model.RunResult{
		ConversationID: id,
		UserID:         "user-1",
		Success:        true,
		StageReached:   model.StageComplete,
		FinalStatus:    model.ConversationStatusProcessed,
	}
}

func failed(id, stage, msg string) *model.RunResult {
	return &model.RunResult{
		ConversationID: id,
		UserID:         "user-1",
		StageReached:   stage,
		Error:          msg,
		FinalStatus:    model.ConversationStatusFailed,
	}
}
