// Package model defines the domain types shared across the compliance
// backend: devices, vehicle events, policies, geographies, and the
// compliance result shapes persisted for reporting.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Timestamp is epoch milliseconds, matching the provider wire format.
type Timestamp int64

// TimestampFromTime converts a time.Time to a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

// Time converts the Timestamp back to a time.Time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts))
}

// VehicleState is the regulatory state of a vehicle. It is derived from
// event history, never mutated directly.
type VehicleState string

const (
	StateAvailable      VehicleState = "available"
	StateElsewhere      VehicleState = "elsewhere"
	StateNonOperational VehicleState = "non_operational"
	StateOnTrip         VehicleState = "on_trip"
	StateRemoved        VehicleState = "removed"
	StateReserved       VehicleState = "reserved"
	StateUnknown        VehicleState = "unknown"
)

// VehicleStates lists every valid vehicle state.
var VehicleStates = []VehicleState{
	StateAvailable,
	StateElsewhere,
	StateNonOperational,
	StateOnTrip,
	StateRemoved,
	StateReserved,
	StateUnknown,
}

// EventType is a state-change event reported by a provider.
type EventType string

const (
	EventAgencyDropOff         EventType = "agency_drop_off"
	EventAgencyPickUp          EventType = "agency_pick_up"
	EventBatteryCharged        EventType = "battery_charged"
	EventBatteryLow            EventType = "battery_low"
	EventCommsLost             EventType = "comms_lost"
	EventCommsRestored         EventType = "comms_restored"
	EventCompliancePickUp      EventType = "compliance_pick_up"
	EventDecommissioned        EventType = "decommissioned"
	EventMaintenance           EventType = "maintenance"
	EventMaintenancePickUp     EventType = "maintenance_pick_up"
	EventMissing               EventType = "missing"
	EventOffHours              EventType = "off_hours"
	EventOnHours               EventType = "on_hours"
	EventProviderDropOff       EventType = "provider_drop_off"
	EventRebalancePickUp       EventType = "rebalance_pick_up"
	EventReservationCancel     EventType = "reservation_cancel"
	EventReservationStart      EventType = "reservation_start"
	EventSystemResume          EventType = "system_resume"
	EventSystemSuspend         EventType = "system_suspend"
	EventTripCancel            EventType = "trip_cancel"
	EventTripEnd               EventType = "trip_end"
	EventTripEnterJurisdiction EventType = "trip_enter_jurisdiction"
	EventTripLeaveJurisdiction EventType = "trip_leave_jurisdiction"
	EventTripStart             EventType = "trip_start"
	EventUnspecified           EventType = "unspecified"
)

// VehicleType categorizes the physical vehicle.
type VehicleType string

const (
	VehicleTypeBicycle VehicleType = "bicycle"
	VehicleTypeCar     VehicleType = "car"
	VehicleTypeMoped   VehicleType = "moped"
	VehicleTypeScooter VehicleType = "scooter"
	VehicleTypeOther   VehicleType = "other"
)

// PropulsionType describes how a vehicle is propelled.
type PropulsionType string

const (
	PropulsionHuman          PropulsionType = "human"
	PropulsionElectric       PropulsionType = "electric"
	PropulsionElectricAssist PropulsionType = "electric_assist"
	PropulsionHybrid         PropulsionType = "hybrid"
	PropulsionCombustion     PropulsionType = "combustion"
)

// Device is a registered vehicle. Identity fields are immutable after
// registration; only the provider-facing vehicle_id may be renamed.
type Device struct {
	DeviceID        uuid.UUID        `json:"device_id"`
	ProviderID      uuid.UUID        `json:"provider_id"`
	VehicleID       string           `json:"vehicle_id"`
	VehicleType     VehicleType      `json:"vehicle_type"`
	PropulsionTypes []PropulsionType `json:"propulsion_types"`
	Year            *int             `json:"year,omitempty"`
	Mfgr            *string          `json:"mfgr,omitempty"`
	Model           *string          `json:"model,omitempty"`
	Recorded        Timestamp        `json:"recorded"`
}
