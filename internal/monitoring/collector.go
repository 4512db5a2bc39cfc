package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/resilience"
	"github.com/sells-group/postconvo/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Conversations finished within the lookback window.
	Processed int     `json:"processed"`
	Failed    int     `json:"failed"`
	FailRate  float64 `json:"fail_rate"`

	// Conversations left in processing longer than the stuck threshold.
	StuckProcessing int `json:"stuck_processing"`

	DLQDepth     int      `json:"dlq_depth"`
	OpenBreakers []string `json:"open_breakers,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the slice of the store the collector reads.
type Source interface {
	CountConversations(ctx context.Context, filter store.ConversationFilter) (int, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from the store and the breaker registry.
type Collector struct {
	source   Source
	breakers *resilience.Registry
	stuck    time.Duration
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(src Source, breakers *resilience.Registry, stuckAfter time.Duration) *Collector {
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	return &Collector{source: src, breakers: breakers, stuck: stuckAfter}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	var err error
	snap.Processed, err = c.source.CountConversations(ctx, store.ConversationFilter{
		Status:       model.ConversationStatusProcessed,
		UpdatedAfter: cutoff,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count processed")
	}
	snap.Failed, err = c.source.CountConversations(ctx, store.ConversationFilter{
		Status:       model.ConversationStatusFailed,
		UpdatedAfter: cutoff,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count failed")
	}
	if finished := snap.Processed + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	snap.StuckProcessing, err = c.source.CountConversations(ctx, store.ConversationFilter{
		Status:        model.ConversationStatusProcessing,
		UpdatedBefore: now.Add(-c.stuck),
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count stuck")
	}

	snap.DLQDepth, err = c.source.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}

	if c.breakers != nil {
		for name, state := range c.breakers.States() {
			if state == resilience.CircuitOpen {
				snap.OpenBreakers = append(snap.OpenBreakers, name)
			}
		}
		sort.Strings(snap.OpenBreakers)
	}

	return snap, nil
}
