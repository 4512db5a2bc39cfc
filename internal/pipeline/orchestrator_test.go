package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/postconvo/internal/config"
	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/resilience"
	"github.com/sells-group/postconvo/internal/store"
)

func healthyLLM() *mockLLM {
	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(extractionJSON), nil)
	return llm
}

func dlqDepth(t *testing.T, st store.Store) int {
	t.Helper()
	n, err := st.CountDLQ(context.Background())
	require.NoError(t, err)
	return n
}

func TestOrchestrator_Run_Complete(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	gc, sess := healthyGraph()
	voice := &mockVoice{}
	voice.On("Invalidate", mock.Anything, "user-1").Return(3, nil)

	o := New(testConfig(), st, healthyLLM(), gc, testRegistry(), WithVoiceCache(voice))
	res, err := o.Run(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, model.StageComplete, res.StageReached)
	assert.Empty(t, res.Error)
	assert.Empty(t, res.StageErrors)
	assert.Equal(t, model.ConversationStatusProcessed, res.FinalStatus)
	assert.False(t, res.ForcedFinalize)
	assert.False(t, res.DeadLettered)
	assert.Equal(t, 2, res.EntitiesUpserted)
	assert.Equal(t, 1, res.FactsAdded)
	assert.True(t, res.SummaryRolledUp)
	assert.Equal(t, 1, res.ThreadsCreated)
	assert.Equal(t, 1, res.ThoughtsCreated)
	assert.Equal(t, 1, res.ArcsUpdated)
	assert.Equal(t, 1, res.ExchangesPaired)
	assert.Equal(t, 1, res.ViceSignalsProcessed)
	assert.Equal(t, 3, res.VoiceKeysInvalidated)
	assert.Positive(t, res.DurationMs)

	stored, err := st.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConversationStatusProcessed, stored.Status)
	assert.Equal(t, "anxious", stored.Tone)
	sess.AssertNumberOfCalls(t, "Close", 1)
	voice.AssertExpectations(t)
}

func TestOrchestrator_Run_UserIDFromConversation(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	gc, _ := healthyGraph()

	res, err := New(testConfig(), st, healthyLLM(), gc, testRegistry()).Run(context.Background(), "conv-1", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "user-1", res.UserID)
}

func TestOrchestrator_Run_NotFound(t *testing.T) {
	st := newTestStore(t)
	llm := &mockLLM{}
	gc := &mockGraph{}

	res, err := New(testConfig(), st, llm, gc, testRegistry()).Run(context.Background(), "missing", "user-1")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StageIngestion, res.StageReached)
	assert.Contains(t, res.Error, "not found")
	assert.Contains(t, res.StageErrors[StageIngestion], "not found")
	assert.Empty(t, res.FinalStatus)
	assert.False(t, res.DeadLettered)
	assert.Zero(t, dlqDepth(t, st))
	llm.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
	gc.AssertNotCalled(t, "OpenSession", mock.Anything, mock.Anything)
}

func TestOrchestrator_Run_CriticalFailureHalts(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, eris.New("invalid x-api-key"))
	gc := &mockGraph{}

	res, err := New(testConfig(), st, llm, gc, testRegistry()).Run(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StageExtraction, res.StageReached)
	assert.Equal(t, "[extraction] unexpected: invalid x-api-key", res.Error)
	assert.Equal(t, model.ConversationStatusFailed, res.FinalStatus)
	assert.False(t, res.DeadLettered)
	assert.Zero(t, dlqDepth(t, st))
	llm.AssertNumberOfCalls(t, "CreateMessage", 1)
	gc.AssertNotCalled(t, "OpenSession", mock.Anything, mock.Anything)

	stored, err := st.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConversationStatusFailed, stored.Status)
}

func TestOrchestrator_Run_TransientCriticalIsDeadLettered(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(eris.New("502 Bad Gateway"), 502))

	res, err := New(testConfig(), st, llm, &mockGraph{}, testRegistry()).Run(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "[extraction] transient: 502 Bad Gateway", res.Error)
	assert.True(t, res.DeadLettered)
	llm.AssertNumberOfCalls(t, "CreateMessage", 3)

	entries, err := st.DequeueDLQ(context.Background(), resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 0, "entries are not due until their backoff elapses")
	assert.Equal(t, 1, dlqDepth(t, st))
}

func TestOrchestrator_Rerun_DoesNotEnqueue(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(eris.New("503 Service Unavailable"), 503))

	res, err := New(testConfig(), st, llm, &mockGraph{}, testRegistry()).Rerun(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.False(t, res.DeadLettered)
	assert.Zero(t, dlqDepth(t, st))
}

func TestOrchestrator_Run_NonCriticalFailureContinues(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	gc := &mockGraph{}
	gc.On("OpenSession", mock.Anything, "user-1").Return(nil, eris.New("graph: 401 unauthorized"))

	res, err := New(testConfig(), st, healthyLLM(), gc, testRegistry()).Run(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, model.StageComplete, res.StageReached)
	assert.Equal(t, model.ConversationStatusProcessed, res.FinalStatus)
	assert.Equal(t, "unexpected: graph: 401 unauthorized", res.StageErrors[StageGraph])
	assert.Zero(t, res.EntitiesUpserted)
	assert.Equal(t, 1, res.ThreadsCreated)
	assert.Equal(t, 1, res.ViceSignalsProcessed)
}

func TestOrchestrator_Run_StageTimeoutOverride(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")

	voice := &mockVoice{}
	voice.On("Invalidate", mock.Anything, "user-1").
		WaitUntil(time.After(5*time.Second)).Return(0, nil)

	cfg := testConfig()
	cfg.Stages = map[string]config.StageConfig{StageVoice: {TimeoutSecs: 1, MaxRetries: 1}}
	gc, _ := healthyGraph()

	res, err := New(cfg, st, healthyLLM(), gc, testRegistry(), WithVoiceCache(voice)).Run(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "stage timed out after 1s", res.StageErrors[StageVoice])
}

func TestOrchestrator_Run_ForcedFinalization(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	gc, _ := healthyGraph()

	res, err := New(testConfig(), &failingStore{Store: st}, healthyLLM(), gc, testRegistry()).
		Run(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.ForcedFinalize)
	assert.Equal(t, model.ConversationStatusProcessed, res.FinalStatus)

	stored, err := st.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConversationStatusProcessed, stored.Status)
}

func TestOrchestrator_Run_FatalFinalization(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	gc, _ := healthyGraph()
	notifier := &mockNotifier{}
	notifier.On("NotifyFatal", mock.Anything, "conv-1", mock.Anything).Return(nil)

	o := New(testConfig(), &failingStore{Store: st, forceErr: eris.New("connection lost")},
		healthyLLM(), gc, testRegistry(), WithNotifier(notifier))
	res, err := o.Run(context.Background(), "conv-1", "user-1")

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "conv-1", fe.ConversationID)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, StageFinalization, res.StageReached)
	assert.Contains(t, res.Error, "connection lost")
	notifier.AssertExpectations(t)

	stuck := logs.FilterMessage("pipeline: conversation may be stuck").All()
	require.Len(t, stuck, 1)
	assert.Equal(t, zapcore.ErrorLevel, stuck[0].Level)
	assert.Equal(t, true, stuck[0].ContextMap()["critical"])
	assert.Equal(t, "conv-1", stuck[0].ContextMap()["conversation_id"])
}

func finalizationTimeoutConfig() *config.Config {
	cfg := testConfig()
	cfg.Stages = map[string]config.StageConfig{StageFinalization: {TimeoutSecs: 1}}
	return cfg
}

func TestOrchestrator_Run_FinalizationTimeoutForcesStatus(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	gc, _ := healthyGraph()

	res, err := New(finalizationTimeoutConfig(), &stallingStore{Store: st}, healthyLLM(), gc, testRegistry()).
		Run(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.ForcedFinalize)
	assert.Equal(t, model.ConversationStatusProcessed, res.FinalStatus)
	assert.Equal(t, "stage timed out after 1s", res.StageErrors[StageFinalization])

	stored, err := st.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConversationStatusProcessed, stored.Status)
}

func TestOrchestrator_Run_FinalizationTimeoutThenForceFailureIsFatal(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	gc, _ := healthyGraph()
	notifier := &mockNotifier{}
	notifier.On("NotifyFatal", mock.Anything, "conv-1", mock.Anything).Return(nil)

	o := New(finalizationTimeoutConfig(), &stallingStore{Store: st, forceErr: eris.New("connection lost")},
		healthyLLM(), gc, testRegistry(), WithNotifier(notifier))
	res, err := o.Run(context.Background(), "conv-1", "user-1")

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, model.ConversationStatusProcessed, fe.Status)
	assert.False(t, res.Success)
	assert.Equal(t, StageFinalization, res.StageReached)
	notifier.AssertExpectations(t)

	stuck := logs.FilterMessage("pipeline: conversation may be stuck").All()
	require.Len(t, stuck, 1)
	assert.Equal(t, true, stuck[0].ContextMap()["critical"])
}

func TestOrchestrator_Run_FinalizesAfterCallerCancel(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")

	ctx, cancel := context.WithCancel(context.Background())
	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	res, err := New(testConfig(), st, llm, &mockGraph{}, testRegistry()).Run(ctx, "conv-1", "user-1")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StageExtraction, res.StageReached)
	assert.Equal(t, model.ConversationStatusFailed, res.FinalStatus)

	stored, err := st.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConversationStatusFailed, stored.Status)
}

func TestOrchestrator_Run_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	gc, _ := healthyGraph()

	_, err := New(testConfig(), st, healthyLLM(), gc, testRegistry(), WithTracer(tp.Tracer("test"))).
		Run(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	var want []string
	for _, d := range Declarations() {
		want = append(want, "stage."+d.Name)
	}
	assert.Equal(t, want, names)
}

func TestOrchestrator_BreakerSharedAcrossRuns(t *testing.T) {
	st := newTestStore(t)
	seedConversation(t, st, "conv-1")
	seedConversation(t, st, "conv-2")

	breakers := resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig(), map[string]resilience.CircuitBreakerConfig{
		BreakerLLM: {Name: BreakerLLM, FailureThreshold: 3, RecoveryTimeout: time.Minute},
	})
	llm := &mockLLM{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(eris.New("504 Gateway Timeout"), 504))
	o := New(testConfig(), st, llm, &mockGraph{}, breakers)

	_, err := o.Run(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, resilience.CircuitOpen, breakers.Get(BreakerLLM).State())

	res, err := o.Run(context.Background(), "conv-2", "user-1")
	require.NoError(t, err)
	assert.Contains(t, res.Error, "circuit breaker \"llm\" is open")
	assert.True(t, res.DeadLettered)
	llm.AssertNumberOfCalls(t, "CreateMessage", 3)
}

func TestDeadLetterType(t *testing.T) {
	tests := []struct {
		name     string
		ab       *abort
		wantType string
		wantOK   bool
	}{
		{"timeout", &abort{kind: KindTimeout}, "transient", true},
		{"transient", &abort{kind: KindTransient}, "transient", true},
		{"recoverable declared", &abort{kind: KindDeclared, err: NewStageError(true, "locked")}, "permanent", true},
		{"declared", &abort{kind: KindDeclared, err: NewStageError(false, "not found")}, "", false},
		{"circuit open", &abort{kind: KindUnexpected, err: &resilience.OpenError{Name: "llm"}}, "transient", true},
		{"unexpected", &abort{kind: KindUnexpected, err: eris.New("boom")}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := deadLetterType(tt.ab)
			assert.Equal(t, tt.wantType, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}
