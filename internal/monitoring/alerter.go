package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate        AlertType = "failure_rate"
	AlertStuckConversations AlertType = "stuck_conversations"
	AlertDLQDepth           AlertType = "dlq_depth"
	AlertBreakerOpen        AlertType = "breaker_open"
	AlertFinalizationFatal  AlertType = "finalization_fatal"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.Processed + snap.Failed
	if finished >= 5 && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Conversation failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.StuckProcessing > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckConversations,
			Severity: "critical",
			Message: fmt.Sprintf("%d conversation(s) stuck in processing for over %d minutes",
				snap.StuckProcessing, a.cfg.StuckAfterMins),
			Details:   map[string]any{"stuck": snap.StuckProcessing},
			Timestamp: now,
		})
	}

	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth > a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "medium",
			Message: fmt.Sprintf("Dead letter queue depth %d exceeds threshold %d",
				snap.DLQDepth, a.cfg.DLQDepthThreshold),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBreakers) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertBreakerOpen,
			Severity:  "high",
			Message:   "Circuit breaker(s) open: " + strings.Join(snap.OpenBreakers, ", "),
			Details:   map[string]any{"breakers": snap.OpenBreakers},
			Timestamp: now,
		})
	}

	return alerts
}

// NotifyFatal alerts that a conversation could not be given a terminal
// status. Without a webhook the alert is only logged.
func (a *Alerter) NotifyFatal(ctx context.Context, conversationID string, err error) error {
	alert := Alert{
		Type:     AlertFinalizationFatal,
		Severity: "critical",
		Message:  fmt.Sprintf("Conversation %s may be stuck: %v", conversationID, err),
		Details: map[string]any{
			"conversation_id": conversationID,
		},
		Timestamp: time.Now().UTC(),
	}
	if a.cfg.WebhookURL == "" {
		zap.L().Error("monitoring: fatal finalization (no webhook configured)",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return nil
	}
	return a.sendWebhook(ctx, alert)
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
