// Package engine evaluates fleet state against policies. ProcessPolicy
// is a pure function over already-fetched inputs; the scheduler wires it
// to the stores and runs evaluations concurrently.
package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/civicfleet/compliance-cli/internal/model"
	"github.com/civicfleet/compliance-cli/internal/state"
)

// Events older than this (by server receipt time) carry no current
// signal and are excluded from evaluation.
const RecencyHorizon = 48 * time.Hour

// ErrTimezone indicates a missing or invalid evaluation timezone. This
// is a process configuration error, never a data error, and aborts the
// whole evaluation call.
var ErrTimezone = eris.New("engine: invalid timezone configuration")

// IsPolicyActive reports whether the policy is published and its
// [start_date, end_date] interval covers the given time.
func IsPolicyActive(policy *model.Policy, at model.Timestamp) bool {
	if !policy.Published() {
		return false
	}
	if at < policy.StartDate {
		return false
	}
	return policy.EndDate == nil || at <= *policy.EndDate
}

// IsPolicyUniversal reports whether the policy applies to all providers.
func IsPolicyUniversal(policy *model.Policy) bool {
	return len(policy.ProviderIDs) == 0
}

// SupersedingPolicies drops every policy whose id appears in another
// candidate's prev_policies. This is a one-level set difference, not a
// graph traversal: multi-hop supersession chains are intentionally not
// chased.
func SupersedingPolicies(policies []model.Policy) []model.Policy {
	superseded := make(map[uuid.UUID]bool)
	for i := range policies {
		for _, prev := range policies[i].PrevPolicies {
			superseded[prev] = true
		}
	}
	out := make([]model.Policy, 0, len(policies))
	for _, p := range policies {
		if !superseded[p.PolicyID] {
			out = append(out, p)
		}
	}
	return out
}

// RecentEvents keeps only events that carry telemetry and were received
// within the recency horizon. An event received exactly at the horizon
// is already stale. Stale or telemetry-less events are "no current
// signal", not errors.
func RecentEvents(events []model.VehicleEvent, at model.Timestamp) []model.VehicleEvent {
	cutoff := at - model.Timestamp(RecencyHorizon.Milliseconds())
	out := make([]model.VehicleEvent, 0, len(events))
	for _, e := range events {
		if e.Telemetry != nil && e.Recorded > cutoff {
			out = append(out, e)
		}
	}
	return out
}

// loadLocation validates the configured IANA timezone. An unset or
// unknown zone wraps ErrTimezone.
func loadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return nil, eris.Wrap(ErrTimezone, "timezone is not set")
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, eris.Wrapf(ErrTimezone, "unknown timezone %q", timezone)
	}
	return loc, nil
}

// IsRuleActive reports whether the rule's day-of-week and time-of-day
// window covers the given instant in the configured timezone. Times are
// compared as local wall clock: a start_time after end_time never
// matches.
func IsRuleActive(rule model.Rule, at model.Timestamp, timezone string) (bool, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return false, err
	}
	common := rule.Common()
	local := at.Time().In(loc)

	if len(common.Days) > 0 {
		day := model.DayOfWeekFromTime(local.Weekday())
		found := false
		for _, d := range common.Days {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	localSeconds := local.Hour()*3600 + local.Minute()*60 + local.Second()
	if common.StartTime != nil && localSeconds <= common.StartTime.SecondsOfDay() {
		return false, nil
	}
	if common.EndTime != nil && localSeconds >= common.EndTime.SecondsOfDay() {
		return false, nil
	}
	return true, nil
}

// IsInVehicleTypes reports whether the device's vehicle type passes the
// rule's filter. No filter matches every type.
func IsInVehicleTypes(rule model.Rule, device *model.Device) bool {
	types := rule.Common().VehicleTypes
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == device.VehicleType {
			return true
		}
	}
	return false
}

// IsInStatesOrEvents reports whether the event satisfies the rule's
// state filter. With no filter everything matches. Otherwise the event's
// full transient state sequence is considered: for each candidate state
// in the filter, an empty event list is a wildcard and a non-empty list
// must share an event type with the event's actual event_types.
func IsInStatesOrEvents(rule model.Rule, event *model.VehicleEvent) bool {
	filter := rule.Common().States
	if filter == nil {
		return true
	}
	for _, candidate := range state.SequenceStates(*event) {
		triggers, ok := filter[candidate]
		if !ok {
			continue
		}
		if len(triggers) == 0 {
			return true
		}
		for _, trigger := range triggers {
			for _, actual := range event.EventTypes {
				if trigger == actual {
					return true
				}
			}
		}
	}
	return false
}
