package model

import (
	"sort"

	"github.com/google/uuid"
)

// GPS is a single positional fix from a device.
type GPS struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Satellite *int     `json:"satellites,omitempty"`
}

// Telemetry is a timestamped GPS reading with optional battery charge.
type Telemetry struct {
	DeviceID   uuid.UUID `json:"device_id"`
	ProviderID uuid.UUID `json:"provider_id"`
	GPS        GPS       `json:"gps"`
	Charge     *float64  `json:"charge,omitempty"`
	Timestamp  Timestamp `json:"timestamp"`
	Recorded   Timestamp `json:"recorded"`
}

// VehicleEvent is a provider-submitted state change. EventTypes may carry
// more than one entry when the device reports a multi-hop transition in a
// single payload (e.g. reservation_start immediately followed by
// trip_start). Timestamp is device-reported; Recorded is server receipt
// time and is the only field trustworthy for recency filtering.
type VehicleEvent struct {
	DeviceID     uuid.UUID    `json:"device_id"`
	ProviderID   uuid.UUID    `json:"provider_id"`
	EventTypes   []EventType  `json:"event_types"`
	VehicleState VehicleState `json:"vehicle_state"`
	Telemetry    *Telemetry   `json:"telemetry,omitempty"`
	TripID       *uuid.UUID   `json:"trip_id,omitempty"`
	Timestamp    Timestamp    `json:"timestamp"`
	Recorded     Timestamp    `json:"recorded"`
}

// Speed returns the telemetry speed, or false if the event carries no
// speed reading.
func (e *VehicleEvent) Speed() (float64, bool) {
	if e.Telemetry == nil || e.Telemetry.GPS.Speed == nil {
		return 0, false
	}
	return *e.Telemetry.GPS.Speed, true
}

// SortEventsByTimestamp orders events by device-reported timestamp
// ascending. Ties are broken by device_id so that processing order is
// deterministic regardless of input order.
func SortEventsByTimestamp(events []VehicleEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].DeviceID.String() < events[j].DeviceID.String()
	})
}

// LatestEventPerDevice reduces a slice of events to the most recent event
// for each device. The most recent event is the one with the larger
// device timestamp; on equal timestamps the event appearing later in the
// input wins, matching last-writer cache behavior.
func LatestEventPerDevice(events []VehicleEvent) map[uuid.UUID]VehicleEvent {
	latest := make(map[uuid.UUID]VehicleEvent, len(events))
	for _, event := range events {
		prev, ok := latest[event.DeviceID]
		if !ok || event.Timestamp >= prev.Timestamp {
			latest[event.DeviceID] = event
		}
	}
	return latest
}
