// Package monitoring aggregates operational metrics over recent
// compliance snapshots and the event stream.
package monitoring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/civicfleet/compliance-cli/internal/model"
	"github.com/civicfleet/compliance-cli/internal/state"
	"github.com/civicfleet/compliance-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Compliance metrics (within lookback window).
	SnapshotsTotal     int     `json:"snapshots_total"`
	SnapshotsViolating int     `json:"snapshots_violating"`
	TotalViolations    int     `json:"total_violations"`
	ViolationRate      float64 `json:"violation_rate"`
	ProvidersSeen      int     `json:"providers_seen"`
	PoliciesSeen       int     `json:"policies_seen"`

	// Event-stream conformance (latest event per registered device).
	DevicesTotal      int `json:"devices_total"`
	DevicesReporting  int `json:"devices_reporting"`
	InvalidTransition int `json:"invalid_transitions"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	now := model.Now()
	cutoff := now - model.Timestamp(time.Duration(lookbackHours)*time.Hour/time.Millisecond)

	snapshots, err := c.store.ReadComplianceSnapshots(ctx, store.SnapshotFilter{
		StartTime: cutoff,
		EndTime:   now,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: read snapshots")
	}

	providers := make(map[uuid.UUID]bool)
	policies := make(map[uuid.UUID]bool)
	for _, s := range snapshots {
		snap.SnapshotsTotal++
		snap.TotalViolations += s.TotalViolations
		if s.TotalViolations > 0 {
			snap.SnapshotsViolating++
		}
		providers[s.ProviderID] = true
		policies[s.PolicyID] = true
	}
	snap.ProvidersSeen = len(providers)
	snap.PoliciesSeen = len(policies)
	if snap.SnapshotsTotal > 0 {
		snap.ViolationRate = float64(snap.SnapshotsViolating) / float64(snap.SnapshotsTotal)
	}

	// Event-stream conformance: does each device's declared state agree
	// with the transition table for its latest event?
	records, err := c.store.ReadDeviceIDs(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: read device ids")
	}
	snap.DevicesTotal = len(records)
	if len(records) == 0 {
		return snap, nil
	}

	deviceIDs := make([]uuid.UUID, len(records))
	for i, r := range records {
		deviceIDs[i] = r.DeviceID
	}
	latest, err := c.store.ReadLatestEventsPerDevice(ctx, deviceIDs)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: read latest events")
	}

	for _, event := range latest {
		snap.DevicesReporting++
		if len(event.EventTypes) == 0 {
			continue
		}
		valid := false
		for _, et := range event.EventTypes {
			for _, st := range state.EventStates(et) {
				if st == event.VehicleState {
					valid = true
					break
				}
			}
		}
		if !valid {
			snap.InvalidTransition++
		}
	}

	return snap, nil
}
