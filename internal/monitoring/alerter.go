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

	"github.com/civicfleet/compliance-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertViolationRate      AlertType = "violation_rate"
	AlertInvalidTransitions AlertType = "invalid_transitions"
	AlertNoSnapshots        AlertType = "no_snapshots"
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

	// Check violation rate across recent snapshots.
	if snap.SnapshotsTotal >= 5 && snap.ViolationRate > a.cfg.ViolationRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertViolationRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Violation rate %.1f%% exceeds threshold %.1f%% (%d violating / %d snapshots in last %dh)",
				snap.ViolationRate*100, a.cfg.ViolationRateThreshold*100,
				snap.SnapshotsViolating, snap.SnapshotsTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"violation_rate":   snap.ViolationRate,
				"threshold":        a.cfg.ViolationRateThreshold,
				"violating":        snap.SnapshotsViolating,
				"snapshots_total":  snap.SnapshotsTotal,
				"total_violations": snap.TotalViolations,
			},
			Timestamp: now,
		})
	}

	// Check event-stream conformance.
	if a.cfg.InvalidTransitionsLimit > 0 && snap.InvalidTransition > a.cfg.InvalidTransitionsLimit {
		alerts = append(alerts, Alert{
			Type:     AlertInvalidTransitions,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d device(s) reported states inconsistent with their latest event (limit %d)",
				snap.InvalidTransition, a.cfg.InvalidTransitionsLimit,
			),
			Details: map[string]any{
				"invalid_transitions": snap.InvalidTransition,
				"limit":               a.cfg.InvalidTransitionsLimit,
				"devices_reporting":   snap.DevicesReporting,
			},
			Timestamp: now,
		})
	}

	// A registered fleet with no snapshots means evaluation stalled.
	if snap.DevicesTotal > 0 && snap.SnapshotsTotal == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertNoSnapshots,
			Severity: "high",
			Message: fmt.Sprintf(
				"No compliance snapshots produced in last %dh despite %d registered devices",
				snap.LookbackHours, snap.DevicesTotal,
			),
			Details: map[string]any{
				"devices_total": snap.DevicesTotal,
			},
			Timestamp: now,
		})
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
