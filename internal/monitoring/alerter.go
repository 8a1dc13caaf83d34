package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBackendDown      AlertType = "backend_down"
	AlertBackendRecovered AlertType = "backend_recovered"
	AlertFallbackRate     AlertType = "fallback_rate"
	AlertIngestFailures   AlertType = "ingest_failures"
)

// minFallbackSample is the fewest messages the fallback rate is judged on.
const minFallbackSample = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates snapshots against configured thresholds and sends
// alerts via webhook. It remembers what it already reported so a sustained
// condition alerts once.
type Alerter struct {
	cfg    config.HealthConfig
	client *http.Client

	down         bool
	fallbackHigh bool
	failedSeen   int
}

// NewAlerter creates a new Alerter with the given health config.
func NewAlerter(cfg config.HealthConfig) *Alerter {
	if cfg.DownAfter <= 0 {
		cfg.DownAfter = 1
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate returns the alerts newly triggered by snap.
func (a *Alerter) Evaluate(snap Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	switch {
	case !snap.Healthy && snap.ConsecutiveFailures >= a.cfg.DownAfter && !a.down:
		a.down = true
		alerts = append(alerts, Alert{
			Type:     AlertBackendDown,
			Severity: "high",
			Message: fmt.Sprintf("Backend unreachable for %d consecutive checks; answers are offline fallbacks",
				snap.ConsecutiveFailures),
			Details:   map[string]any{"consecutive_failures": snap.ConsecutiveFailures},
			Timestamp: now,
		})
	case snap.Healthy && a.down:
		a.down = false
		alerts = append(alerts, Alert{
			Type:      AlertBackendRecovered,
			Severity:  "info",
			Message:   "Backend is reachable again",
			Timestamp: now,
		})
	}

	if a.cfg.FallbackRateThreshold > 0 && snap.Messages >= minFallbackSample {
		high := snap.FallbackRate > a.cfg.FallbackRateThreshold
		if high && !a.fallbackHigh {
			alerts = append(alerts, Alert{
				Type:     AlertFallbackRate,
				Severity: "medium",
				Message: fmt.Sprintf("Fallback answer rate %.1f%% exceeds threshold %.1f%% (%d of %d messages)",
					snap.FallbackRate*100, a.cfg.FallbackRateThreshold*100, snap.FallbackMessages, snap.Messages),
				Details: map[string]any{
					"fallback_rate": snap.FallbackRate,
					"threshold":     a.cfg.FallbackRateThreshold,
				},
				Timestamp: now,
			})
		}
		a.fallbackHigh = high
	}

	if snap.FilesFailed > a.failedSeen {
		alerts = append(alerts, Alert{
			Type:     AlertIngestFailures,
			Severity: "medium",
			Message:  fmt.Sprintf("%d file(s) failed ingestion", snap.FilesFailed-a.failedSeen),
			Details: map[string]any{
				"failed_total": snap.FilesFailed,
				"in_progress":  snap.FilesInProgress,
			},
			Timestamp: now,
		})
	}
	a.failedSeen = snap.FilesFailed

	return alerts
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

// sendWebhook posts a single alert to the webhook URL.
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
