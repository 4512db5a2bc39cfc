package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveStage(t *testing.T) {
	before := testutil.ToFloat64(StageTotal.WithLabelValues("extraction", OutcomeSuccess))
	retriesBefore := testutil.ToFloat64(StageRetries.WithLabelValues("extraction"))

	ObserveStage("extraction", OutcomeSuccess, 150*time.Millisecond, 2)

	assert.Equal(t, before+1, testutil.ToFloat64(StageTotal.WithLabelValues("extraction", OutcomeSuccess)))
	assert.Equal(t, retriesBefore+2, testutil.ToFloat64(StageRetries.WithLabelValues("extraction")))
}

func TestObserveStage_NoRetries(t *testing.T) {
	before := testutil.ToFloat64(StageRetries.WithLabelValues("arcs"))

	ObserveStage("arcs", OutcomeFailure, time.Millisecond, 0)

	assert.Equal(t, before, testutil.ToFloat64(StageRetries.WithLabelValues("arcs")))
}

func TestObserveRun(t *testing.T) {
	ok := testutil.ToFloat64(RunsTotal.WithLabelValues(OutcomeSuccess))
	failed := testutil.ToFloat64(RunsTotal.WithLabelValues(OutcomeFailure))

	ObserveRun(true)
	ObserveRun(false)
	ObserveRun(false)

	assert.Equal(t, ok+1, testutil.ToFloat64(RunsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, failed+2, testutil.ToFloat64(RunsTotal.WithLabelValues(OutcomeFailure)))
}

func TestBreakerState(t *testing.T) {
	BreakerState.WithLabelValues("llm").Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(BreakerState.WithLabelValues("llm")))
}
