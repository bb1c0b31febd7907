package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// RuleType tags the rule variant.
type RuleType string

const (
	RuleTypeCount RuleType = "count"
	RuleTypeSpeed RuleType = "speed"
	RuleTypeTime  RuleType = "time"
)

// SpeedUnit is the unit a speed rule's maximum is expressed in.
type SpeedUnit string

const (
	SpeedMPH SpeedUnit = "mph"
	SpeedKPH SpeedUnit = "kph"
)

// FromMetersPerSecond converts a raw telemetry speed (m/s) into this unit.
func (u SpeedUnit) FromMetersPerSecond(mps float64) float64 {
	switch u {
	case SpeedKPH:
		return mps * 3.6
	default:
		return mps * 2.236936
	}
}

// TimeUnit is the unit a time rule's maximum is expressed in.
type TimeUnit string

const (
	TimeMinutes TimeUnit = "minutes"
	TimeHours   TimeUnit = "hours"
)

// Millis returns the length of one unit in epoch milliseconds.
func (u TimeUnit) Millis() int64 {
	switch u {
	case TimeHours:
		return 60 * 60 * 1000
	default:
		return 60 * 1000
	}
}

// DayOfWeek is a three-letter day name used in rule day filters.
type DayOfWeek string

const (
	Sunday    DayOfWeek = "sun"
	Monday    DayOfWeek = "mon"
	Tuesday   DayOfWeek = "tue"
	Wednesday DayOfWeek = "wed"
	Thursday  DayOfWeek = "thu"
	Friday    DayOfWeek = "fri"
	Saturday  DayOfWeek = "sat"
)

var weekdayNames = map[time.Weekday]DayOfWeek{
	time.Sunday:    Sunday,
	time.Monday:    Monday,
	time.Tuesday:   Tuesday,
	time.Wednesday: Wednesday,
	time.Thursday:  Thursday,
	time.Friday:    Friday,
	time.Saturday:  Saturday,
}

// DayOfWeekFromTime maps a time.Weekday to its rule filter name.
func DayOfWeekFromTime(d time.Weekday) DayOfWeek {
	return weekdayNames[d]
}

// LocalTime is a wall-clock time of day ("HH:MM:SS") with no date or zone.
type LocalTime struct {
	Hour   int
	Minute int
	Second int
}

// ParseLocalTime parses "HH:MM:SS".
func ParseLocalTime(s string) (LocalTime, error) {
	var lt LocalTime
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &lt.Hour, &lt.Minute, &lt.Second); err != nil {
		return LocalTime{}, eris.Wrapf(err, "model: parse local time %q", s)
	}
	if lt.Hour < 0 || lt.Hour > 23 || lt.Minute < 0 || lt.Minute > 59 || lt.Second < 0 || lt.Second > 59 {
		return LocalTime{}, eris.Errorf("model: local time %q out of range", s)
	}
	return lt, nil
}

// SecondsOfDay returns seconds since local midnight.
func (lt LocalTime) SecondsOfDay() int {
	return lt.Hour*3600 + lt.Minute*60 + lt.Second
}

func (lt LocalTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", lt.Hour, lt.Minute, lt.Second)
}

// MarshalJSON encodes the time as its "HH:MM:SS" string form.
func (lt LocalTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(lt.String())
}

// UnmarshalJSON decodes "HH:MM:SS".
func (lt *LocalTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return eris.Wrap(err, "model: local time")
	}
	parsed, err := ParseLocalTime(s)
	if err != nil {
		return err
	}
	*lt = parsed
	return nil
}

// StateFilter maps a vehicle state to the event types that trigger a
// match in that state. A nil filter matches every state; an empty event
// list is a wildcard over event types for that state.
type StateFilter map[VehicleState][]EventType

// RuleCommon holds the fields shared by every rule variant.
type RuleCommon struct {
	RuleID       uuid.UUID     `json:"rule_id"`
	Name         string        `json:"name"`
	Geographies  []uuid.UUID   `json:"geographies"`
	States       StateFilter   `json:"states,omitempty"`
	VehicleTypes []VehicleType `json:"vehicle_types,omitempty"`
	Days         []DayOfWeek   `json:"days,omitempty"`
	StartTime    *LocalTime    `json:"start_time,omitempty"`
	EndTime      *LocalTime    `json:"end_time,omitempty"`
	Maximum      *float64      `json:"maximum,omitempty"`
	Minimum      *float64      `json:"minimum,omitempty"`
}

// Rule is the tagged union over the three rule variants. Matchers
// dispatch with a type switch; there is no runtime field sniffing.
type Rule interface {
	Type() RuleType
	Common() *RuleCommon
}

// CountRule limits how many matching vehicles may occupy a geography.
type CountRule struct {
	RuleCommon
}

func (r *CountRule) Type() RuleType      { return RuleTypeCount }
func (r *CountRule) Common() *RuleCommon { return &r.RuleCommon }

// SpeedRule caps telemetry speed inside a geography.
type SpeedRule struct {
	RuleCommon
	Units SpeedUnit `json:"rule_units"`
}

func (r *SpeedRule) Type() RuleType      { return RuleTypeSpeed }
func (r *SpeedRule) Common() *RuleCommon { return &r.RuleCommon }

// TimeRule caps how long a vehicle may dwell in a matching state inside
// a geography.
type TimeRule struct {
	RuleCommon
	Units TimeUnit `json:"rule_units"`
}

func (r *TimeRule) Type() RuleType      { return RuleTypeTime }
func (r *TimeRule) Common() *RuleCommon { return &r.RuleCommon }

// UnmarshalRule decodes a single rule into its tagged variant.
func UnmarshalRule(data []byte) (Rule, error) {
	var tag struct {
		RuleType RuleType `json:"rule_type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, eris.Wrap(err, "model: rule tag")
	}
	switch tag.RuleType {
	case RuleTypeCount:
		var r CountRule
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrap(err, "model: count rule")
		}
		return &r, nil
	case RuleTypeSpeed:
		var r SpeedRule
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrap(err, "model: speed rule")
		}
		return &r, nil
	case RuleTypeTime:
		var r TimeRule
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrap(err, "model: time rule")
		}
		return &r, nil
	default:
		return nil, eris.Errorf("model: unknown rule_type %q", tag.RuleType)
	}
}

// MarshalRule encodes a rule variant with its rule_type tag.
func MarshalRule(r Rule) ([]byte, error) {
	base, err := json.Marshal(r)
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal rule")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, eris.Wrap(err, "model: reshape rule")
	}
	tag, _ := json.Marshal(r.Type())
	m["rule_type"] = tag
	return json.Marshal(m)
}

// Policy is a named, time-bounded bundle of rules. It applies to the
// providers in ProviderIDs, or to every provider when that list is empty.
type Policy struct {
	PolicyID     uuid.UUID   `json:"policy_id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	StartDate    Timestamp   `json:"start_date"`
	EndDate      *Timestamp  `json:"end_date"`
	ProviderIDs  []uuid.UUID `json:"provider_ids,omitempty"`
	PrevPolicies []uuid.UUID `json:"prev_policies,omitempty"`
	Rules        []Rule      `json:"rules"`
	PublishDate  *Timestamp  `json:"publish_date,omitempty"`
}

// Published reports whether the policy has been published.
func (p *Policy) Published() bool {
	return p.PublishDate != nil
}

// GeographyIDs returns the distinct geographies referenced by the
// policy's rules.
func (p *Policy) GeographyIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, rule := range p.Rules {
		for _, id := range rule.Common().Geographies {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

type policyJSON struct {
	PolicyID     uuid.UUID         `json:"policy_id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	StartDate    Timestamp         `json:"start_date"`
	EndDate      *Timestamp        `json:"end_date"`
	ProviderIDs  []uuid.UUID       `json:"provider_ids,omitempty"`
	PrevPolicies []uuid.UUID       `json:"prev_policies,omitempty"`
	Rules        []json.RawMessage `json:"rules"`
	PublishDate  *Timestamp        `json:"publish_date,omitempty"`
}

// UnmarshalJSON decodes a policy, dispatching each rule to its variant.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw policyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: policy")
	}
	rules := make([]Rule, 0, len(raw.Rules))
	for _, rr := range raw.Rules {
		rule, err := UnmarshalRule(rr)
		if err != nil {
			return err
		}
		rules = append(rules, rule)
	}
	*p = Policy{
		PolicyID:     raw.PolicyID,
		Name:         raw.Name,
		Description:  raw.Description,
		StartDate:    raw.StartDate,
		EndDate:      raw.EndDate,
		ProviderIDs:  raw.ProviderIDs,
		PrevPolicies: raw.PrevPolicies,
		Rules:        rules,
		PublishDate:  raw.PublishDate,
	}
	return nil
}

// MarshalJSON encodes a policy with tagged rules.
func (p Policy) MarshalJSON() ([]byte, error) {
	raw := policyJSON{
		PolicyID:     p.PolicyID,
		Name:         p.Name,
		Description:  p.Description,
		StartDate:    p.StartDate,
		EndDate:      p.EndDate,
		ProviderIDs:  p.ProviderIDs,
		PrevPolicies: p.PrevPolicies,
		PublishDate:  p.PublishDate,
	}
	for _, rule := range p.Rules {
		data, err := MarshalRule(rule)
		if err != nil {
			return nil, err
		}
		raw.Rules = append(raw.Rules, data)
	}
	return json.Marshal(raw)
}
