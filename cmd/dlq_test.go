package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/postconvo/internal/resilience"
)

func enqueueDue(t *testing.T, queue interface {
	EnqueueDLQ(context.Context, resilience.DLQEntry) error
}, id, convID, errType string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, queue.EnqueueDLQ(context.Background(), resilience.DLQEntry{
		ID:             id,
		ConversationID: convID,
		UserID:         "user-1",
		Error:          "[extraction] transient: 503",
		ErrorType:      errType,
		FailedStage:    "extraction",
		MaxRetries:     3,
		NextRetryAt:    past,
		CreatedAt:      past,
		LastFailedAt:   past,
	}))
}

func TestRetryDLQ_RecoveredEntryIsRemoved(t *testing.T) {
	st := newTestStore(t)
	enqueueDue(t, st, "dlq-1", "conv-1", "transient")

	r := new(mockRunner)
	r.On("Rerun", mock.Anything, "conv-1", "user-1").Return(succeeded("conv-1"), nil)

	stats, err := retryDLQ(context.Background(), st, r, resilience.DLQFilter{}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Attempted)
	assert.Equal(t, 1, stats.Recovered)

	n, err := st.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	r.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryDLQ_FailedEntryIsRescheduled(t *testing.T) {
	st := newTestStore(t)
	enqueueDue(t, st, "dlq-1", "conv-1", "transient")

	r := new(mockRunner)
	r.On("Rerun", mock.Anything, "conv-1", "user-1").
		Return(failed("conv-1", "extraction", "[extraction] transient: still down"), nil)

	stats, err := retryDLQ(context.Background(), st, r, resilience.DLQFilter{}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rescheduled)
	assert.Zero(t, stats.Recovered)

	// Rescheduled into the future, so nothing is due now.
	due, err := st.DequeueDLQ(context.Background(), resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, due)

	n, err := st.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRetryDLQ_FatalIsRescheduled(t *testing.T) {
	st := newTestStore(t)
	enqueueDue(t, st, "dlq-1", "conv-1", "transient")

	r := new(mockRunner)
	r.On("Rerun", mock.Anything, "conv-1", "user-1").
		Return(failed("conv-1", "finalization", "stuck"), errors.New("conversation conv-1 may be stuck"))

	stats, err := retryDLQ(context.Background(), st, r, resilience.DLQFilter{}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Fatal)
	assert.Equal(t, 1, stats.Rescheduled)
}

func TestRetryDLQ_FiltersByType(t *testing.T) {
	st := newTestStore(t)
	enqueueDue(t, st, "dlq-1", "conv-1", "transient")
	enqueueDue(t, st, "dlq-2", "conv-2", "permanent")

	r := new(mockRunner)
	r.On("Rerun", mock.Anything, "conv-2", "user-1").Return(succeeded("conv-2"), nil)

	stats, err := retryDLQ(context.Background(), st, r, resilience.DLQFilter{ErrorType: "permanent"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Attempted)
	r.AssertExpectations(t)
	r.AssertNotCalled(t, "Rerun", mock.Anything, "conv-1", mock.Anything)
}

func TestRetryDLQ_NothingDue(t *testing.T) {
	st := newTestStore(t)
	r := new(mockRunner)

	stats, err := retryDLQ(context.Background(), st, r, resilience.DLQFilter{}, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, stats.Attempted)
}

func TestPrintDLQCount(t *testing.T) {
	st := newTestStore(t)
	enqueueDue(t, st, "dlq-1", "conv-1", "transient")
	enqueueDue(t, st, "dlq-2", "conv-2", "permanent")

	var out bytes.Buffer
	require.NoError(t, printDLQCount(context.Background(), st, &out))
	assert.Equal(t, "2\n", out.String())
}
