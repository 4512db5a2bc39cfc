package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/postconvo/internal/config"
	"github.com/sells-group/postconvo/internal/metrics"
	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/resilience"
	"github.com/sells-group/postconvo/internal/store"
	"github.com/sells-group/postconvo/pkg/anthropic"
	"github.com/sells-group/postconvo/pkg/graph"
)

// Built-in stage declarations, in run order.
var (
	DeclIngestion    = Declaration{Name: StageIngestion, Critical: true, Timeout: 10 * time.Second, MaxRetries: 3}
	DeclExtraction   = Declaration{Name: StageExtraction, Critical: true, Timeout: 90 * time.Second, MaxRetries: 3}
	DeclGraph        = Declaration{Name: StageGraph, Timeout: 30 * time.Second, MaxRetries: 3}
	DeclSummary      = Declaration{Name: StageSummary, Timeout: 10 * time.Second, MaxRetries: 2}
	DeclThreads      = Declaration{Name: StageThreads, Timeout: 15 * time.Second, MaxRetries: 2}
	DeclArcs         = Declaration{Name: StageArcs, Timeout: 10 * time.Second, MaxRetries: 2}
	DeclVice         = Declaration{Name: StageVice, Timeout: 10 * time.Second, MaxRetries: 2}
	DeclVoice        = Declaration{Name: StageVoice, Timeout: 5 * time.Second, MaxRetries: 2}
	DeclFinalization = Declaration{Name: StageFinalization, Critical: true, Timeout: 15 * time.Second, MaxRetries: 3}
)

// Declarations returns the built-in declarations in run order.
func Declarations() []Declaration {
	return []Declaration{
		DeclIngestion, DeclExtraction, DeclGraph, DeclSummary, DeclThreads,
		DeclArcs, DeclVice, DeclVoice, DeclFinalization,
	}
}

// FatalNotifier is told when a conversation may be stuck.
type FatalNotifier interface {
	NotifyFatal(ctx context.Context, conversationID string, err error) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithVoiceCache sets the voice cache. Without one the voice stage is a
// no-op.
func WithVoiceCache(v VoiceInvalidator) Option {
	return func(o *Orchestrator) { o.voice = v }
}

// WithTracer sets the tracer used for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithNotifier sets who is told about fatal finalization failures.
func WithNotifier(n FatalNotifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithScorer replaces the lexicon vice scorer.
func WithScorer(s Scorer) Option {
	return func(o *Orchestrator) { o.scorer = s }
}

// WithLimiter replaces the LLM rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// Orchestrator runs the fixed stage sequence for one conversation at a time.
// It is safe for concurrent runs; only the breakers and the rate limiter are
// shared between them.
type Orchestrator struct {
	cfg      *config.Config
	store    store.Store
	llm      anthropic.Client
	graph    graph.Client
	voice    VoiceInvalidator
	breakers *resilience.Registry
	limiter  *rate.Limiter
	scorer   Scorer
	tracer   trace.Tracer
	notifier FatalNotifier
	retry    resilience.RetryConfig
}

// New creates an Orchestrator.
func New(
	cfg *config.Config,
	st store.Store,
	llm anthropic.Client,
	gc graph.Client,
	breakers *resilience.Registry,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		llm:      llm,
		graph:    gc,
		breakers: breakers,
		retry: resilience.FromRetryConfig(0,
			cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs,
			cfg.Retry.Multiplier, cfg.Retry.JitterFraction),
	}
	if rps := cfg.Anthropic.RequestsPerSecond; rps > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.scorer == nil {
		o.scorer = NewLexiconScorer(cfg.Vice.Lexicon)
	}
	return o
}

type stageSet struct {
	ingestion    *Instrumented[string, *model.Conversation]
	extraction   *Instrumented[*model.Conversation, *model.ExtractionResult]
	graph        *Instrumented[DomainInput, GraphOutput]
	summary      *Instrumented[DomainInput, SummaryOutput]
	threads      *Instrumented[DomainInput, ThreadOutput]
	arcs         *Instrumented[DomainInput, ArcOutput]
	vice         *Instrumented[DomainInput, ViceOutput]
	voice        *Instrumented[string, VoiceOutput]
	finalization *Instrumented[FinalizeInput, FinalizeOutput]
	finalizer    *Finalization
}

// stages builds fresh stage instances for one run.
func (o *Orchestrator) stages() *stageSet {
	opts := Options{Tracer: o.tracer, Retry: o.retry}
	decl := func(d Declaration) Declaration { return d.Apply(o.cfg.Stages) }
	fin := NewFinalization(o.store)

	return &stageSet{
		ingestion: Instrument[string, *model.Conversation](decl(DeclIngestion), NewIngestion(o.store), opts),
		extraction: Instrument[*model.Conversation, *model.ExtractionResult](decl(DeclExtraction),
			NewExtraction(o.llm, o.breakers.Get(BreakerLLM), o.limiter, ExtractionConfig{
				Model:     o.cfg.Anthropic.Model,
				MaxTokens: o.cfg.Anthropic.MaxTokens,
			}), opts),
		graph:        Instrument[DomainInput, GraphOutput](decl(DeclGraph), NewGraphUpdate(o.graph, o.breakers.Get(BreakerGraph)), opts),
		summary:      Instrument[DomainInput, SummaryOutput](decl(DeclSummary), NewSummaryRollup(o.store), opts),
		threads:      Instrument[DomainInput, ThreadOutput](decl(DeclThreads), NewThreadCreation(o.store), opts),
		arcs:         Instrument[DomainInput, ArcOutput](decl(DeclArcs), NewArcUpdate(o.store), opts),
		vice:         Instrument[DomainInput, ViceOutput](decl(DeclVice), NewViceProcessing(o.store, o.scorer), opts),
		voice:        Instrument[string, VoiceOutput](decl(DeclVoice), NewVoiceInvalidation(o.voice, o.breakers.Get(BreakerCache)), opts),
		finalization: Instrument[FinalizeInput, FinalizeOutput](decl(DeclFinalization), fin, opts),
		finalizer:    fin,
	}
}

// abort describes the critical failure that stopped the domain stages.
type abort struct {
	stage   string
	message string
	kind    ErrorKind
	err     error
}

// Run processes one conversation. A run aborted by a recoverable critical
// failure is added to the dead letter queue. The returned error is non-nil
// only for a *FatalError.
func (o *Orchestrator) Run(ctx context.Context, conversationID, userID string) (*model.RunResult, error) {
	return o.run(ctx, conversationID, userID, true)
}

// Rerun processes a conversation taken from the dead letter queue. It never
// enqueues; the caller updates the existing entry.
func (o *Orchestrator) Rerun(ctx context.Context, conversationID, userID string) (*model.RunResult, error) {
	return o.run(ctx, conversationID, userID, false)
}

func (o *Orchestrator) run(ctx context.Context, conversationID, userID string, deadLetter bool) (*model.RunResult, error) {
	rc := NewRunContext(conversationID, userID)
	log := rc.Logger()
	log.Info("pipeline: run started")

	result := &model.RunResult{ConversationID: conversationID, UserID: userID}
	s := o.stages()

	ab := o.runDomain(ctx, rc, s, result)

	// Finalization outlives a cancelled caller so the status is never left
	// at processing.
	fctx := context.WithoutCancel(ctx)
	fin := s.finalization.Execute(fctx, rc, FinalizeInput{CriticalFailure: ab != nil})
	var fatal *FatalError
	if !fin.Success && !errors.As(fin.Err, &fatal) {
		fin = o.rescueFinalization(fctx, rc, s.finalizer, FinalizeInput{CriticalFailure: ab != nil}, fin)
	}

	result.StageErrors = rc.StageErrors()
	result.FinalStatus = fin.Data.Status
	result.ForcedFinalize = fin.Data.Forced
	if result.UserID == "" {
		if c := rc.Conversation(); c != nil {
			result.UserID = c.UserID
		}
	}

	if errors.As(fin.Err, &fatal) {
		result.StageReached = StageFinalization
		result.Error = fin.Error
		result.DurationMs = elapsedMs(rc.StartedAt)
		log.Error("pipeline: conversation may be stuck",
			zap.Bool("critical", true),
			zap.String("status", string(fatal.Status)),
			zap.Error(fatal),
		)
		if o.notifier != nil {
			if err := o.notifier.NotifyFatal(context.WithoutCancel(ctx), conversationID, fatal); err != nil {
				log.Warn("pipeline: fatal alert failed", zap.Error(err))
			}
		}
		metrics.ObserveRun(false)
		return result, fatal
	}

	switch {
	case ab != nil:
		result.StageReached = ab.stage
		result.Error = ab.message
		if deadLetter {
			result.DeadLettered = o.deadLetter(ctx, rc, ab)
		}
	case !fin.Success:
		result.StageReached = StageFinalization
		result.Error = fin.Error
	default:
		result.Success = true
	}
	result.DurationMs = elapsedMs(rc.StartedAt)

	metrics.ObserveRun(result.Success)
	log.Info("pipeline: run finished",
		zap.Bool("success", result.Success),
		zap.String("stage_reached", result.StageReached),
		zap.String("final_status", string(result.FinalStatus)),
		zap.Bool("forced_finalize", result.ForcedFinalize),
		zap.Int("stage_errors", len(result.StageErrors)),
		zap.Float64("duration_ms", result.DurationMs),
	)
	return result, nil
}

// rescueFinalization forces the terminal status after a finalization that
// timed out or failed without attempting the fallback itself. A failed
// rescue comes back carrying a *FatalError.
func (o *Orchestrator) rescueFinalization(ctx context.Context, rc *RunContext, f *Finalization, in FinalizeInput, fin Result[FinalizeOutput]) Result[FinalizeOutput] {
	out, err := f.Rescue(ctx, rc, in, fin.Err)
	if err != nil {
		fin.Err = err
		fin.Error = err.Error()
		return fin
	}
	if out.Skipped {
		return fin
	}
	rc.Logger().Warn("pipeline: finalization rescued by forced status",
		zap.String("status", string(out.Status)),
		zap.String("stage_error", fin.Error),
	)
	fin.Success = true
	fin.Data = out
	return fin
}

// runDomain runs every stage before finalization and stops at the first
// critical failure.
func (o *Orchestrator) runDomain(ctx context.Context, rc *RunContext, s *stageSet, result *model.RunResult) *abort {
	conv, ab := execute(ctx, rc, s.ingestion, rc.ConversationID, result)
	if ab != nil {
		return ab
	}
	ext, ab := execute(ctx, rc, s.extraction, conv, result)
	if ab != nil {
		return ab
	}
	in := DomainInput{Conversation: conv, Extraction: ext}

	g, ab := execute(ctx, rc, s.graph, in, result)
	if ab != nil {
		return ab
	}
	result.EntitiesUpserted = g.EntitiesUpserted
	result.FactsAdded = g.FactsAdded

	sum, ab := execute(ctx, rc, s.summary, in, result)
	if ab != nil {
		return ab
	}
	result.SummaryRolledUp = sum.RolledUp

	th, ab := execute(ctx, rc, s.threads, in, result)
	if ab != nil {
		return ab
	}
	result.ThreadsCreated = th.ThreadsCreated
	result.ThreadsUpdated = th.ThreadsUpdated
	result.ThoughtsCreated = th.ThoughtsCreated

	arcs, ab := execute(ctx, rc, s.arcs, in, result)
	if ab != nil {
		return ab
	}
	result.ArcsUpdated = arcs.ArcsUpdated

	vice, ab := execute(ctx, rc, s.vice, in, result)
	if ab != nil {
		return ab
	}
	result.ExchangesPaired = vice.ExchangesPaired
	result.ViceSignalsProcessed = vice.SignalsStored

	voice, ab := execute(ctx, rc, s.voice, conv.UserID, result)
	if ab != nil {
		return ab
	}
	result.VoiceKeysInvalidated = voice.KeysInvalidated

	result.StageReached = model.StageComplete
	return nil
}

// execute runs one stage and reports an abort when a critical stage fails.
// A failed stage yields its zero output.
func execute[In, Out any](ctx context.Context, rc *RunContext, st *Instrumented[In, Out], in In, result *model.RunResult) (Out, *abort) {
	d := st.Declaration()
	result.StageReached = d.Name
	res := st.Execute(ctx, rc, in)
	if !res.Success && d.Critical {
		return res.Data, &abort{stage: d.Name, message: res.Error, kind: res.Kind, err: res.Err}
	}
	return res.Data, nil
}

// deadLetterType reports whether an abort is worth re-running and under
// which DLQ error type.
func deadLetterType(ab *abort) (string, bool) {
	switch ab.kind {
	case KindTimeout, KindTransient:
		return "transient", true
	case KindDeclared:
		var se *StageError
		if errors.As(ab.err, &se) && se.Recoverable {
			return "permanent", true
		}
	case KindUnexpected:
		if errors.Is(ab.err, resilience.ErrCircuitOpen) {
			return "transient", true
		}
	}
	return "", false
}

func (o *Orchestrator) deadLetter(ctx context.Context, rc *RunContext, ab *abort) bool {
	errType, ok := deadLetterType(ab)
	if !ok {
		return false
	}
	userID := rc.UserID
	if c := rc.Conversation(); c != nil {
		userID = c.UserID
	}

	now := time.Now().UTC()
	base := time.Duration(o.cfg.DLQ.BaseBackoffSecs) * time.Second
	entry := resilience.DLQEntry{
		ConversationID: rc.ConversationID,
		UserID:         userID,
		Error:          ab.message,
		ErrorType:      errType,
		FailedStage:    ab.stage,
		MaxRetries:     o.cfg.DLQ.MaxRetries,
		CreatedAt:      now,
		LastFailedAt:   now,
	}
	entry.NextRetryAt = now.Add(entry.NextRetryDelay(base))

	if err := o.store.EnqueueDLQ(context.WithoutCancel(ctx), entry); err != nil {
		rc.Logger().Warn("pipeline: dead letter enqueue failed", zap.Error(err))
		return false
	}
	rc.Logger().Info("pipeline: run dead-lettered",
		zap.String("stage", ab.stage),
		zap.String("error_type", errType),
	)
	return true
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
