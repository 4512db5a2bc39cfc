// Package metrics exposes the pipeline's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

var (
	// StageDuration tracks stage latency by outcome
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postconvo_stage_duration_seconds",
			Help:    "Stage execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "outcome"},
	)

	// StageTotal counts stage executions by outcome
	StageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postconvo_stage_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "outcome"},
	)

	// StageRetries counts retry attempts per stage
	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postconvo_stage_retries_total",
			Help: "Total number of stage retry attempts",
		},
		[]string{"stage"},
	)

	// BreakerState is 0 closed, 1 open, 2 half-open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postconvo_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	// BreakerRejections counts calls refused by an open breaker
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postconvo_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	// RunsTotal counts pipeline runs by outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postconvo_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"outcome"},
	)

	// FinalizationForced counts runs finalized through the forced status write
	FinalizationForced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postconvo_finalization_forced_total",
			Help: "Total number of runs finalized with the forced status write",
		},
	)
)

// ObserveStage records one stage execution.
func ObserveStage(stage, outcome string, d time.Duration, retries int) {
	StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
	StageTotal.WithLabelValues(stage, outcome).Inc()
	if retries > 0 {
		StageRetries.WithLabelValues(stage).Add(float64(retries))
	}
}

// ObserveRun records a finished run.
func ObserveRun(success bool) {
	if success {
		RunsTotal.WithLabelValues(OutcomeSuccess).Inc()
		return
	}
	RunsTotal.WithLabelValues(OutcomeFailure).Inc()
}
