package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/config"
	"github.com/sells-group/postconvo/internal/metrics"
	"github.com/sells-group/postconvo/internal/resilience"
	"github.com/sells-group/postconvo/internal/tracing"
)

// Declaration is the static configuration of a stage.
type Declaration struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	// MaxRetries bounds the total number of attempts. Zero still allows one.
	MaxRetries int
}

// Apply returns d with any configured timeout or retry override.
func (d Declaration) Apply(overrides map[string]config.StageConfig) Declaration {
	o, ok := overrides[d.Name]
	if !ok {
		return d
	}
	if t := o.Timeout(); t > 0 {
		d.Timeout = t
	}
	if o.MaxRetries > 0 {
		d.MaxRetries = o.MaxRetries
	}
	return d
}

// Result is the outcome of one stage execution. Data is set only on success;
// Error, Kind and Err only on failure.
type Result[T any] struct {
	Success    bool
	Data       T
	Error      string
	Kind       ErrorKind
	Err        error
	DurationMs float64
	Retries    int
}

// Stage is the domain logic of one pipeline step.
type Stage[In, Out any] interface {
	Run(ctx context.Context, rc *RunContext, in In) (Out, error)
}

// StageFunc adapts a function to Stage.
type StageFunc[In, Out any] func(ctx context.Context, rc *RunContext, in In) (Out, error)

// Run calls f.
func (f StageFunc[In, Out]) Run(ctx context.Context, rc *RunContext, in In) (Out, error) {
	return f(ctx, rc, in)
}

// Options configures the instrumentation shared by every stage of a run.
type Options struct {
	Tracer trace.Tracer
	// Retry supplies the backoff shape. MaxAttempts and ShouldRetry are
	// replaced per stage.
	Retry resilience.RetryConfig
}

// Instrumented wraps a Stage with tracing, logging, metrics, a deadline and
// retries. Execute never returns an error; every failure becomes a Result.
type Instrumented[In, Out any] struct {
	decl   Declaration
	stage  Stage[In, Out]
	tracer trace.Tracer
	retry  resilience.RetryConfig
}

// Instrument wraps s under decl.
func Instrument[In, Out any](decl Declaration, s Stage[In, Out], opts Options) *Instrumented[In, Out] {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Tracer(nil)
	}
	return &Instrumented[In, Out]{
		decl:   decl,
		stage:  s,
		tracer: tracer,
		retry:  opts.Retry,
	}
}

// Declaration returns the stage's declaration.
func (i *Instrumented[In, Out]) Declaration() Declaration {
	return i.decl
}

type outcome[T any] struct {
	val T
	err error
}

// Execute runs the stage once, retrying transient failures within the
// stage's deadline.
func (i *Instrumented[In, Out]) Execute(ctx context.Context, rc *RunContext, in In) Result[Out] {
	d := i.decl

	ctx, span := i.tracer.Start(ctx, "stage."+d.Name, trace.WithAttributes(
		attribute.String("conversation.id", rc.ConversationID),
		attribute.String("user.id", rc.UserID),
		attribute.String("stage.name", d.Name),
		attribute.Bool("stage.critical", d.Critical),
		attribute.String("stage.timeout", d.Timeout.String()),
	))
	defer span.End()

	log := rc.Logger().With(zap.String("stage", d.Name), zap.Bool("critical", d.Critical))
	log.Info("stage started", zap.Duration("timeout", d.Timeout))

	start := time.Now()
	runCtx, cancel := withDeadline(ctx, d.Timeout)
	defer cancel()

	var attempts atomic.Int64
	cfg := i.retry
	cfg.MaxAttempts = max(1, d.MaxRetries)
	cfg.ShouldRetry = isRetryable
	cfg.OnRetry = func(attempt int, err error) {
		log.Warn("stage retry", zap.Int("attempt", attempt), zap.Error(err))
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
	}

	// The stage runs on its own goroutine so the deadline holds even when
	// the stage ignores ctx. A late result is dropped into the buffer.
	done := make(chan outcome[Out], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[Out]{err: eris.Errorf("panic: %v", r)}
			}
		}()
		val, err := resilience.DoVal(runCtx, cfg, func(ctx context.Context) (Out, error) {
			attempts.Add(1)
			return i.stage.Run(ctx, rc, in)
		})
		done <- outcome[Out]{val: val, err: err}
	}()

	var o outcome[Out]
	select {
	case o = <-done:
	case <-runCtx.Done():
		o.err = runCtx.Err()
	}

	elapsed := time.Since(start)
	res := Result[Out]{
		DurationMs: float64(elapsed.Microseconds()) / 1000,
		Retries:    max(0, int(attempts.Load())-1),
	}
	fields := []zap.Field{
		zap.Float64("duration_ms", res.DurationMs),
		zap.Int("retries", res.Retries),
	}
	span.SetAttributes(attribute.Int("stage.retries", res.Retries))

	if o.err == nil {
		res.Success = true
		res.Data = o.val
		rc.MarkStage(d.Name, true, o.val)
		span.SetStatus(codes.Ok, "")
		metrics.ObserveStage(d.Name, metrics.OutcomeSuccess, elapsed, res.Retries)
		log.Info("stage completed", fields...)
		return res
	}

	res.Err = o.err
	if d.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Kind = KindTimeout
	} else {
		res.Kind = classify(o.err)
	}

	var recorded string
	switch res.Kind {
	case KindTimeout:
		recorded = fmt.Sprintf("stage timed out after %s", d.Timeout)
	case KindDeclared:
		recorded = o.err.Error()
	default:
		recorded = fmt.Sprintf("%s: %s", res.Kind, o.err.Error())
		span.RecordError(o.err)
	}
	res.Error = fmt.Sprintf("[%s] %s", d.Name, recorded)

	rc.RecordError(d.Name, recorded)
	rc.MarkStage(d.Name, false, nil)
	span.SetStatus(codes.Error, res.Error)

	var openErr *resilience.OpenError
	if errors.As(o.err, &openErr) {
		metrics.BreakerRejections.WithLabelValues(openErr.Name).Inc()
	}

	fields = append(fields, zap.String("error_kind", res.Kind.String()), zap.Error(o.err))
	level := log.Warn
	if d.Critical {
		level = log.Error
	}
	if res.Kind == KindTimeout {
		metrics.ObserveStage(d.Name, metrics.OutcomeTimeout, elapsed, res.Retries)
		level("stage timeout", append(fields, zap.Duration("timeout", d.Timeout))...)
	} else {
		metrics.ObserveStage(d.Name, metrics.OutcomeFailure, elapsed, res.Retries)
		level("stage error", fields...)
	}
	return res
}

func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
