package model

import (
	"github.com/google/uuid"
)

// MatchedVehicle is the per-device outcome of evaluating one policy.
// RulesMatched lists every rule the vehicle logically matched;
// RuleApplied is the single rule the vehicle is charged against for
// compliance accounting, or nil when the vehicle counts as excess.
type MatchedVehicle struct {
	DeviceID     uuid.UUID    `json:"device_id"`
	State        VehicleState `json:"state"`
	EventTypes   []EventType  `json:"event_types"`
	Timestamp    Timestamp    `json:"timestamp"`
	RulesMatched []uuid.UUID  `json:"rules_matched"`
	RuleApplied  *uuid.UUID   `json:"rule_applied"`
	Speed        *float64     `json:"speed,omitempty"`
	GPS          GPSPosition  `json:"gps"`
}

// GPSPosition is the lat/lng pair reported for a matched vehicle.
type GPSPosition struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ComplianceResult is the outcome of evaluating one policy for one
// provider at a point in time.
type ComplianceResult struct {
	PolicyID            uuid.UUID        `json:"policy_id"`
	PolicyName          string           `json:"policy_name"`
	ProviderID          uuid.UUID        `json:"provider_id"`
	VehiclesFound       []MatchedVehicle `json:"vehicles_found"`
	ExcessVehiclesCount int              `json:"excess_vehicles_count"`
	TotalViolations     int              `json:"total_violations"`
}

// ComplianceSnapshot is a persisted, timestamped ComplianceResult. It is
// append-only: snapshots are never mutated after being written.
type ComplianceSnapshot struct {
	SnapshotID     uuid.UUID `json:"compliance_snapshot_id"`
	ComplianceAsOf Timestamp `json:"compliance_as_of"`
	ComplianceResult
}

// NewComplianceSnapshot stamps a result into a snapshot as of the given
// time.
func NewComplianceSnapshot(result ComplianceResult, asOf Timestamp) ComplianceSnapshot {
	return ComplianceSnapshot{
		SnapshotID:       uuid.New(),
		ComplianceAsOf:   asOf,
		ComplianceResult: result,
	}
}

// ViolationPeriod is a contiguous interval during which one
// (provider, policy) pair was continuously in violation. EndTime is nil
// when the violating run was still open at the end of the query window;
// callers must not treat an open period as compliant.
type ViolationPeriod struct {
	ProviderID        uuid.UUID   `json:"provider_id"`
	PolicyID          uuid.UUID   `json:"policy_id"`
	StartTime         Timestamp   `json:"start_time"`
	EndTime           *Timestamp  `json:"end_time"`
	SnapshotIDs       []uuid.UUID `json:"snapshot_ids"`
	TotalViolationSum int         `json:"total_violation_sum"`
}
