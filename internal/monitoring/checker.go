package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/config"
)

// Checker periodically collects pipeline health and pages on new alerts.
// An alert type pages once when it starts firing and again only after it
// has cleared, so a stuck backlog does not page on every tick.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	firing map[AlertType]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		firing:    make(map[AlertType]bool),
	}
}

func (c *Checker) interval() time.Duration {
	if d := time.Duration(c.cfg.CheckIntervalSecs) * time.Second; d > 0 {
		return d
	}
	return 5 * time.Minute
}

// Run checks once immediately and then on every interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	every := c.interval()
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: checker started",
		zap.Duration("interval", every),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	tick := func() {
		if _, err := c.Check(ctx); err != nil {
			log.Error("monitoring: collect failed", zap.Error(err))
		}
	}
	if ctx.Err() == nil {
		tick()
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Check collects one snapshot and returns every alert it triggers. Only
// alert types that were not already firing are sent.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		return nil, err
	}
	alerts := c.alerter.Evaluate(snap)
	fresh := c.rising(alerts)

	sent := 0
	if len(fresh) > 0 {
		sent = c.alerter.SendAlerts(ctx, fresh)
	}
	zap.L().Info("monitoring: check complete",
		zap.Int("alerts_firing", len(alerts)),
		zap.Int("alerts_new", len(fresh)),
		zap.Int("alerts_sent", sent),
		zap.Int("stuck_processing", snap.StuckProcessing),
		zap.Int("dlq_depth", snap.DLQDepth),
	)
	return alerts, nil
}

// rising records which types fire now and returns the alerts whose type
// was quiet on the previous check.
func (c *Checker) rising(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		now[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	c.firing = now
	return fresh
}
