package engine

import (
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/civicfleet/compliance-cli/internal/geospatial"
	"github.com/civicfleet/compliance-cli/internal/model"
)

// Engine evaluates policies against fleet state. It holds only the
// configured evaluation timezone; every evaluation is a pure function
// over the inputs passed to ProcessPolicy.
type Engine struct {
	timezone string
}

// New creates an Engine with the given IANA timezone. The timezone is
// validated at evaluation time, not here.
func New(timezone string) *Engine {
	return &Engine{timezone: timezone}
}

// ProviderInputs is the already-fetched fleet state for one provider:
// its devices and the latest event per device. Fetching is the
// collaborators' job; the engine never performs I/O.
type ProviderInputs struct {
	ProviderID uuid.UUID
	Devices    map[uuid.UUID]model.Device
	Events     []model.VehicleEvent
}

// ProcessPolicy evaluates one policy against the supplied provider
// inputs and returns one ComplianceResult per applicable provider. An
// inactive policy yields an empty result set. Configuration errors
// (timezone) and missing referenced geographies abort the evaluation.
func (e *Engine) ProcessPolicy(
	policy model.Policy,
	geographies []model.Geography,
	inputs []ProviderInputs,
	asOf model.Timestamp,
) ([]model.ComplianceResult, error) {
	if _, err := loadLocation(e.timezone); err != nil {
		return nil, err
	}
	if !IsPolicyActive(&policy, asOf) {
		return nil, nil
	}

	index, err := geospatial.NewIndex(geographies)
	if err != nil {
		return nil, err
	}
	params := matchParams{geographies: index, asOf: asOf, timezone: e.timezone}

	scoped := make(map[uuid.UUID]bool, len(policy.ProviderIDs))
	for _, id := range policy.ProviderIDs {
		scoped[id] = true
	}

	var results []model.ComplianceResult
	for _, input := range inputs {
		if len(scoped) > 0 && !scoped[input.ProviderID] {
			continue
		}
		result, err := e.evaluateProvider(policy, params, input)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: policy %s provider %s", policy.PolicyID, input.ProviderID)
		}
		results = append(results, result)
	}
	return results, nil
}

// evaluateProvider runs the two-pass evaluation for a single provider:
// pass one charges each device against at most one rule (mutual
// exclusion for speed/time; capped occupancy for count), pass two
// annotates every rule that logically matched regardless of exclusion.
func (e *Engine) evaluateProvider(
	policy model.Policy,
	params matchParams,
	input ProviderInputs,
) (model.ComplianceResult, error) {
	result := model.ComplianceResult{
		PolicyID:   policy.PolicyID,
		PolicyName: policy.Name,
		ProviderID: input.ProviderID,
	}

	events := RecentEvents(input.Events, params.asOf)
	// A device with no recent event legitimately has no current signal;
	// events for unregistered devices are skipped the same way.
	kept := events[:0]
	for _, ev := range events {
		if _, ok := input.Devices[ev.DeviceID]; ok {
			kept = append(kept, ev)
		}
	}
	events = kept
	model.SortEventsByTimestamp(events)

	vehicles := make(map[uuid.UUID]*model.MatchedVehicle)
	var order []uuid.UUID
	record := func(device *model.Device, event *model.VehicleEvent, ruleApplied *uuid.UUID) *model.MatchedVehicle {
		if mv, ok := vehicles[device.DeviceID]; ok {
			if mv.RuleApplied == nil {
				mv.RuleApplied = ruleApplied
			}
			return mv
		}
		mv := &model.MatchedVehicle{
			DeviceID:    device.DeviceID,
			State:       event.VehicleState,
			EventTypes:  event.EventTypes,
			Timestamp:   event.Timestamp,
			RuleApplied: ruleApplied,
			Speed:       event.Telemetry.GPS.Speed,
			GPS: model.GPSPosition{
				Lat: event.Telemetry.GPS.Lat,
				Lng: event.Telemetry.GPS.Lng,
			},
		}
		vehicles[device.DeviceID] = mv
		order = append(order, device.DeviceID)
		return mv
	}

	charged := make(map[uuid.UUID]bool)
	counted := make(map[uuid.UUID]bool)

	// Pass one, in policy declaration order.
	for _, rule := range policy.Rules {
		switch r := rule.(type) {
		case *model.SpeedRule, *model.TimeRule:
			ruleID := rule.Common().RuleID
			for i := range events {
				event := &events[i]
				if charged[event.DeviceID] {
					continue
				}
				device := deviceFor(input.Devices, event.DeviceID)
				match, err := isRuleMatch(rule, params, device, event)
				if err != nil {
					return result, err
				}
				if match {
					id := ruleID
					record(device, event, &id)
					charged[event.DeviceID] = true
					result.TotalViolations++
				}
			}
		case *model.CountRule:
			if err := e.evaluateCountRule(r, params, input, events, counted, record, &result); err != nil {
				return result, err
			}
		}
	}

	// Pass two: annotate every logical match, independent of exclusion.
	for _, rule := range policy.Rules {
		ruleID := rule.Common().RuleID
		for i := range events {
			event := &events[i]
			device := deviceFor(input.Devices, event.DeviceID)
			match, err := isRuleMatch(rule, params, device, event)
			if err != nil {
				return result, err
			}
			if !match {
				continue
			}
			mv := record(device, event, nil)
			appendRuleMatched(mv, ruleID)
		}
	}

	for _, id := range order {
		result.VehiclesFound = append(result.VehiclesFound, *vehicles[id])
	}
	return result, nil
}

// evaluateCountRule collects every vehicle occupying the rule's
// geographies in a matching state. The first maximum vehicles (in event
// timestamp order) are within cap and charged to the rule; the rest are
// excess: reported without rule_applied and counted as violations. A
// shortfall under minimum also counts as violations, one per missing
// vehicle.
func (e *Engine) evaluateCountRule(
	rule *model.CountRule,
	params matchParams,
	input ProviderInputs,
	events []model.VehicleEvent,
	counted map[uuid.UUID]bool,
	record func(*model.Device, *model.VehicleEvent, *uuid.UUID) *model.MatchedVehicle,
	result *model.ComplianceResult,
) error {
	type candidate struct {
		device *model.Device
		event  *model.VehicleEvent
	}
	var candidates []candidate
	for i := range events {
		event := &events[i]
		if counted[event.DeviceID] {
			continue
		}
		device := deviceFor(input.Devices, event.DeviceID)
		match, err := isCountMatch(rule, params, device, event)
		if err != nil {
			return err
		}
		if match {
			candidates = append(candidates, candidate{device: device, event: event})
		}
	}

	limit := len(candidates)
	if rule.Maximum != nil && int(*rule.Maximum) < limit {
		limit = int(*rule.Maximum)
	}
	for i, c := range candidates {
		counted[c.device.DeviceID] = true
		if i < limit {
			id := rule.RuleID
			record(c.device, c.event, &id)
		} else {
			record(c.device, c.event, nil)
			result.ExcessVehiclesCount++
			result.TotalViolations++
		}
	}
	if rule.Minimum != nil && len(candidates) < int(*rule.Minimum) {
		result.TotalViolations += int(*rule.Minimum) - len(candidates)
	}
	return nil
}

func deviceFor(devices map[uuid.UUID]model.Device, id uuid.UUID) *model.Device {
	d := devices[id]
	return &d
}

func appendRuleMatched(mv *model.MatchedVehicle, ruleID uuid.UUID) {
	for _, existing := range mv.RulesMatched {
		if existing == ruleID {
			return
		}
	}
	mv.RulesMatched = append(mv.RulesMatched, ruleID)
}
