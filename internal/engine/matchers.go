package engine

import (
	"github.com/civicfleet/compliance-cli/internal/geospatial"
	"github.com/civicfleet/compliance-cli/internal/model"
)

// matchParams bundles the evaluation-wide inputs every matcher needs.
type matchParams struct {
	geographies *geospatial.Index
	asOf        model.Timestamp
	timezone    string
}

// inAnyRuleGeography reports whether the event's telemetry position is
// inside any of the rule's geographies. A geography id missing from the
// index is a hard error for the whole rule.
func inAnyRuleGeography(rule model.Rule, p matchParams, event *model.VehicleEvent) (bool, error) {
	gps := event.Telemetry.GPS
	for _, id := range rule.Common().Geographies {
		inside, err := p.geographies.Contains(id, gps.Lng, gps.Lat)
		if err != nil {
			return false, err
		}
		if inside {
			return true, nil
		}
	}
	return false, nil
}

// matchCommon applies the checks shared by all rule variants:
// rule-active window, state/event filter, vehicle type filter, and
// geography containment.
func matchCommon(rule model.Rule, p matchParams, device *model.Device, event *model.VehicleEvent) (bool, error) {
	active, err := IsRuleActive(rule, p.asOf, p.timezone)
	if err != nil {
		return false, err
	}
	if !active {
		return false, nil
	}
	if !IsInStatesOrEvents(rule, event) || !IsInVehicleTypes(rule, device) {
		return false, nil
	}
	return inAnyRuleGeography(rule, p, event)
}

// isSpeedMatch reports a speed violation: telemetry speed, converted to
// the rule's units, strictly exceeds the maximum. A vehicle at exactly
// the limit is compliant.
func isSpeedMatch(rule *model.SpeedRule, p matchParams, device *model.Device, event *model.VehicleEvent) (bool, error) {
	if rule.Maximum == nil {
		return false, nil
	}
	speed, ok := event.Speed()
	if !ok {
		return false, nil
	}
	if rule.Units.FromMetersPerSecond(speed) <= *rule.Maximum {
		return false, nil
	}
	return matchCommon(rule, p, device, event)
}

// isTimeMatch reports a dwell violation: the time since the event's
// device timestamp has reached the rule's maximum, expressed in the
// rule's units.
func isTimeMatch(rule *model.TimeRule, p matchParams, device *model.Device, event *model.VehicleEvent) (bool, error) {
	if rule.Maximum == nil {
		return false, nil
	}
	elapsed := int64(p.asOf - event.Timestamp)
	if float64(elapsed)/float64(rule.Units.Millis()) < *rule.Maximum {
		return false, nil
	}
	return matchCommon(rule, p, device, event)
}

// isCountMatch reports whether a vehicle counts toward a count rule's
// occupancy. Count rules have no per-vehicle threshold; the excess over
// maximum (or shortfall under minimum) is computed over the collection.
func isCountMatch(rule *model.CountRule, p matchParams, device *model.Device, event *model.VehicleEvent) (bool, error) {
	return matchCommon(rule, p, device, event)
}

// isRuleMatch dispatches to the variant matcher. The type switch is
// exhaustive over the rule union.
func isRuleMatch(rule model.Rule, p matchParams, device *model.Device, event *model.VehicleEvent) (bool, error) {
	switch r := rule.(type) {
	case *model.SpeedRule:
		return isSpeedMatch(r, p, device, event)
	case *model.TimeRule:
		return isTimeMatch(r, p, device, event)
	case *model.CountRule:
		return isCountMatch(r, p, device, event)
	default:
		return false, nil
	}
}
