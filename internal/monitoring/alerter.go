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

	"github.com/sells-group/civicscore/internal/config"
	"github.com/sells-group/civicscore/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRefreshFailureRate AlertType = "refresh_failure_rate"
	AlertDatasetStale       AlertType = "dataset_stale"
	AlertRowFailures        AlertType = "row_failures"
)

// Minimum sample sizes before rate alerts fire.
const (
	minFinishedRuns  = 3
	minProcessedRows = 20
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Dataset   string         `json:"dataset,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("monitoring.alerter", "webhook")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	finished := snap.Complete + snap.Failed
	if finished >= minFinishedRuns && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRefreshFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Refresh failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
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

	for _, h := range snap.Datasets {
		if h.Stale {
			msg := fmt.Sprintf("%s has never refreshed successfully", h.Dataset)
			details := map[string]any{"stale_after_hours": a.cfg.StaleAfterHours}
			if h.LastSuccess != nil {
				age := now.Sub(*h.LastSuccess)
				msg = fmt.Sprintf("%s last refreshed %.0fh ago (threshold %dh)",
					h.Dataset, age.Hours(), a.cfg.StaleAfterHours)
				details["last_success"] = h.LastSuccess.UTC().Format(time.RFC3339)
			}
			alerts = append(alerts, Alert{
				Type:      AlertDatasetStale,
				Severity:  "medium",
				Dataset:   h.Dataset.String(),
				Message:   msg,
				Details:   details,
				Timestamp: now,
			})
		}

		if a.cfg.RowFailureThreshold > 0 && h.RowsProcessed >= minProcessedRows &&
			h.RowFailureRate > a.cfg.RowFailureThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertRowFailures,
				Severity: "medium",
				Dataset:  h.Dataset.String(),
				Message: fmt.Sprintf(
					"%s rejected %d of %d rows (%.1f%%) in last %dh",
					h.Dataset, h.RowsFailed, h.RowsProcessed, h.RowFailureRate*100, snap.LookbackHours,
				),
				Details: map[string]any{
					"rows_failed":    h.RowsFailed,
					"rows_processed": h.RowsProcessed,
					"threshold":      a.cfg.RowFailureThreshold,
				},
				Timestamp: now,
			})
		}
	}

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
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("dataset", alert.Dataset),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL. 5xx and 429 responses
// are transient.
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
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
