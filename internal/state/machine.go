// Package state implements the vehicle state machine: a partial
// transition table from (state, event type) to the set of states the
// event may produce. Undefined pairs are invalid transitions.
//
// The table is a Go map literal, so a duplicated event key within a
// state is a compile error rather than a silent overwrite.
package state

import (
	"sort"

	"github.com/civicfleet/compliance-cli/internal/model"
)

type transitionTable map[model.VehicleState]map[model.EventType][]model.VehicleState

var transitions = transitionTable{
	model.StateAvailable: {
		model.EventAgencyPickUp:      {model.StateRemoved},
		model.EventBatteryLow:        {model.StateNonOperational},
		model.EventCommsLost:         {model.StateUnknown},
		model.EventCompliancePickUp:  {model.StateRemoved},
		model.EventDecommissioned:    {model.StateRemoved},
		model.EventMaintenance:       {model.StateNonOperational},
		model.EventMaintenancePickUp: {model.StateRemoved},
		model.EventMissing:           {model.StateUnknown},
		model.EventOffHours:          {model.StateNonOperational},
		model.EventRebalancePickUp:   {model.StateRemoved},
		model.EventReservationStart:  {model.StateReserved},
		model.EventSystemSuspend:     {model.StateNonOperational},
		model.EventTripStart:         {model.StateOnTrip},
		model.EventUnspecified:       {model.StateNonOperational, model.StateUnknown, model.StateRemoved},
	},
	model.StateElsewhere: {
		model.EventAgencyDropOff:         {model.StateAvailable},
		model.EventAgencyPickUp:          {model.StateRemoved},
		model.EventCommsLost:             {model.StateUnknown},
		model.EventCompliancePickUp:      {model.StateRemoved},
		model.EventDecommissioned:        {model.StateRemoved},
		model.EventMaintenancePickUp:     {model.StateRemoved},
		model.EventMissing:               {model.StateUnknown},
		model.EventProviderDropOff:       {model.StateAvailable},
		model.EventRebalancePickUp:       {model.StateRemoved},
		model.EventTripEnterJurisdiction: {model.StateOnTrip},
		model.EventUnspecified:           {model.StateAvailable, model.StateRemoved},
	},
	model.StateNonOperational: {
		model.EventAgencyPickUp:      {model.StateRemoved},
		model.EventBatteryCharged:    {model.StateAvailable},
		model.EventCommsLost:         {model.StateUnknown},
		model.EventCompliancePickUp:  {model.StateRemoved},
		model.EventDecommissioned:    {model.StateRemoved},
		model.EventMaintenance:       {model.StateAvailable},
		model.EventMaintenancePickUp: {model.StateRemoved},
		model.EventMissing:           {model.StateUnknown},
		model.EventOnHours:           {model.StateAvailable},
		model.EventRebalancePickUp:   {model.StateRemoved},
		model.EventSystemResume:      {model.StateAvailable},
		model.EventUnspecified:       {model.StateAvailable, model.StateRemoved},
	},
	model.StateOnTrip: {
		model.EventCommsLost:             {model.StateUnknown},
		model.EventMissing:               {model.StateUnknown},
		model.EventTripCancel:            {model.StateAvailable},
		model.EventTripEnd:               {model.StateAvailable},
		model.EventTripLeaveJurisdiction: {model.StateElsewhere},
	},
	model.StateRemoved: {
		model.EventAgencyDropOff:   {model.StateAvailable},
		model.EventDecommissioned:  {model.StateRemoved},
		model.EventProviderDropOff: {model.StateAvailable},
		model.EventUnspecified:     {model.StateAvailable},
	},
	model.StateReserved: {
		model.EventCommsLost:         {model.StateUnknown},
		model.EventMissing:           {model.StateUnknown},
		model.EventReservationCancel: {model.StateAvailable},
		model.EventTripStart:         {model.StateOnTrip},
		model.EventUnspecified:       {model.StateAvailable},
	},
	model.StateUnknown: {
		model.EventAgencyDropOff: {model.StateAvailable},
		model.EventAgencyPickUp:  {model.StateRemoved},
		model.EventCommsRestored: {
			model.StateAvailable,
			model.StateElsewhere,
			model.StateReserved,
			model.StateOnTrip,
			model.StateNonOperational,
		},
		model.EventDecommissioned:  {model.StateRemoved},
		model.EventProviderDropOff: {model.StateAvailable},
		model.EventUnspecified:     {model.StateAvailable, model.StateRemoved},
	},
}

// eventStates is derived from the transition table: for each event type,
// the set of states the event can leave a vehicle in.
var eventStates = func() map[model.EventType][]model.VehicleState {
	set := make(map[model.EventType]map[model.VehicleState]bool)
	for _, byEvent := range transitions {
		for event, nextStates := range byEvent {
			if set[event] == nil {
				set[event] = make(map[model.VehicleState]bool)
			}
			for _, next := range nextStates {
				set[event][next] = true
			}
		}
	}
	out := make(map[model.EventType][]model.VehicleState, len(set))
	for event, states := range set {
		list := make([]model.VehicleState, 0, len(states))
		for s := range states {
			list = append(list, s)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		out[event] = list
	}
	return out
}()

// NextStates returns the states a single event may produce from the
// given state. The second return is false when the transition is
// undefined (invalid).
func NextStates(from model.VehicleState, event model.EventType) ([]model.VehicleState, bool) {
	byEvent, ok := transitions[from]
	if !ok {
		return nil, false
	}
	next, ok := byEvent[event]
	return next, ok
}

// IsTransitionValid reports whether the (state, event) pair is defined.
func IsTransitionValid(from model.VehicleState, event model.EventType) bool {
	_, ok := NextStates(from, event)
	return ok
}

// EventStates returns every state the given event type can leave a
// vehicle in, derived from the transition table. Sorted for determinism.
func EventStates(event model.EventType) []model.VehicleState {
	return eventStates[event]
}

// SequenceStates returns the full set of states a vehicle could have
// passed through while emitting the event's type sequence, including the
// final declared state. A multi-hop payload like
// [reservation_start, trip_start] with final state on_trip yields
// {reserved, on_trip}, so a rule targeting reserved still matches the
// transient hop.
func SequenceStates(event model.VehicleEvent) []model.VehicleState {
	seen := make(map[model.VehicleState]bool)
	var out []model.VehicleState
	add := func(s model.VehicleState) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, et := range event.EventTypes {
		for _, s := range EventStates(et) {
			add(s)
		}
	}
	add(event.VehicleState)
	return out
}

// IsEventSequenceValid reports whether event b can follow event a: some
// state reachable by one of a's event types has a defined transition via
// one of b's event types. Used for conformance monitoring, not by the
// compliance engine itself.
func IsEventSequenceValid(a, b model.VehicleEvent) bool {
	for _, typeA := range a.EventTypes {
		for _, stateA := range EventStates(typeA) {
			for _, typeB := range b.EventTypes {
				if IsTransitionValid(stateA, typeB) {
					return true
				}
			}
		}
	}
	return false
}
