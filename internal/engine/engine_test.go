package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicfleet/compliance-cli/internal/geospatial"
	"github.com/civicfleet/compliance-cli/internal/model"
)

func testDevice(provider uuid.UUID) model.Device {
	return model.Device{
		DeviceID:    uuid.New(),
		ProviderID:  provider,
		VehicleType: model.VehicleTypeScooter,
	}
}

func testPolicy(rules ...model.Rule) model.Policy {
	pub := model.Timestamp(1)
	return model.Policy{
		PolicyID:    uuid.New(),
		Name:        "test policy",
		StartDate:   0,
		PublishDate: &pub,
		Rules:       rules,
	}
}

func inputsFor(provider uuid.UUID, devices []model.Device, events []model.VehicleEvent) []ProviderInputs {
	deviceMap := make(map[uuid.UUID]model.Device, len(devices))
	for _, d := range devices {
		deviceMap[d.DeviceID] = d
	}
	return []ProviderInputs{{ProviderID: provider, Devices: deviceMap, Events: events}}
}

func TestProcessPolicyInvalidTimezone(t *testing.T) {
	engine := New("Nowhere/Invalid")
	_, err := engine.ProcessPolicy(testPolicy(), nil, nil, model.Now())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrTimezone))
}

func TestProcessPolicyInactivePolicy(t *testing.T) {
	engine := New("UTC")
	policy := testPolicy()
	policy.PublishDate = nil

	results, err := engine.ProcessPolicy(policy, nil, nil, model.Now())
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestProcessPolicyProviderScoping(t *testing.T) {
	engine := New("UTC")
	asOf := model.Now()
	scoped := uuid.New()
	other := uuid.New()

	policy := testPolicy(&model.CountRule{RuleCommon: model.RuleCommon{
		RuleID:      uuid.New(),
		Geographies: []uuid.UUID{testGeographyID},
	}})
	policy.ProviderIDs = []uuid.UUID{scoped}

	inputs := []ProviderInputs{
		{ProviderID: scoped},
		{ProviderID: other},
	}
	results, err := engine.ProcessPolicy(policy, testGeographies(), inputs, asOf)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, scoped, results[0].ProviderID)
}

func TestProcessPolicyStaleFleet(t *testing.T) {
	engine := New("UTC")
	asOf := model.Now()
	provider := uuid.New()
	device := testDevice(provider)

	max := 5.0
	policy := testPolicy(&model.SpeedRule{
		RuleCommon: model.RuleCommon{
			RuleID:      uuid.New(),
			Geographies: []uuid.UUID{testGeographyID},
			Maximum:     &max,
		},
		Units: model.SpeedMPH,
	})

	speeding := 20.0
	event := eventAt(device.DeviceID, 0, 0, &speeding, asOf)
	event.Recorded = asOf - model.Timestamp((72 * time.Hour).Milliseconds())

	results, err := engine.ProcessPolicy(policy, testGeographies(),
		inputsFor(provider, []model.Device{device}, []model.VehicleEvent{event}), asOf)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Zero(t, results[0].TotalViolations)
	assert.Empty(t, results[0].VehiclesFound)
}

func TestProcessPolicyUnregisteredDeviceSkipped(t *testing.T) {
	engine := New("UTC")
	asOf := model.Now()
	provider := uuid.New()

	policy := testPolicy(&model.CountRule{RuleCommon: model.RuleCommon{
		RuleID:      uuid.New(),
		Geographies: []uuid.UUID{testGeographyID},
	}})

	event := eventAt(uuid.New(), 0, 0, nil, asOf)
	results, err := engine.ProcessPolicy(policy, testGeographies(),
		inputsFor(provider, nil, []model.VehicleEvent{event}), asOf)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].VehiclesFound)
}

func TestProcessPolicySpeedViolation(t *testing.T) {
	engine := New("UTC")
	asOf := model.Now()
	provider := uuid.New()
	speeder := testDevice(provider)
	cruiser := testDevice(provider)

	max := 15.0
	ruleID := uuid.New()
	policy := testPolicy(&model.SpeedRule{
		RuleCommon: model.RuleCommon{
			RuleID:      ruleID,
			Geographies: []uuid.UUID{testGeographyID},
			Maximum:     &max,
		},
		Units: model.SpeedMPH,
	})

	fast := 10.0 // ~22 mph
	slow := 2.0
	events := []model.VehicleEvent{
		eventAt(speeder.DeviceID, 0, 0, &fast, asOf),
		eventAt(cruiser.DeviceID, 0, 0, &slow, asOf),
	}

	results, err := engine.ProcessPolicy(policy, testGeographies(),
		inputsFor(provider, []model.Device{speeder, cruiser}, events), asOf)
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0]
	assert.Equal(t, policy.PolicyID, result.PolicyID)
	assert.Equal(t, 1, result.TotalViolations)
	require.Len(t, result.VehiclesFound, 1)

	mv := result.VehiclesFound[0]
	assert.Equal(t, speeder.DeviceID, mv.DeviceID)
	require.NotNil(t, mv.RuleApplied)
	assert.Equal(t, ruleID, *mv.RuleApplied)
	assert.Equal(t, []uuid.UUID{ruleID}, mv.RulesMatched)
	require.NotNil(t, mv.Speed)
	assert.Equal(t, fast, *mv.Speed)
}

func TestProcessPolicyFirstMatchingRuleCharged(t *testing.T) {
	// A device matching two rules is charged to the first in declaration
	// order; the second still shows up in rules_matched.
	engine := New("UTC")
	asOf := model.Now()
	provider := uuid.New()
	device := testDevice(provider)

	speedMax := 5.0
	dwellMax := 1.0
	firstID := uuid.New()
	secondID := uuid.New()
	policy := testPolicy(
		&model.SpeedRule{
			RuleCommon: model.RuleCommon{
				RuleID:      firstID,
				Geographies: []uuid.UUID{testGeographyID},
				Maximum:     &speedMax,
			},
			Units: model.SpeedMPH,
		},
		&model.TimeRule{
			RuleCommon: model.RuleCommon{
				RuleID:      secondID,
				Geographies: []uuid.UUID{testGeographyID},
				Maximum:     &dwellMax,
			},
			Units: model.TimeHours,
		},
	)

	fast := 10.0
	event := eventAt(device.DeviceID, 0, 0, &fast, asOf-model.Timestamp((2*time.Hour).Milliseconds()))
	event.Recorded = asOf

	results, err := engine.ProcessPolicy(policy, testGeographies(),
		inputsFor(provider, []model.Device{device}, []model.VehicleEvent{event}), asOf)
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0]
	assert.Equal(t, 1, result.TotalViolations, "charged once despite matching both rules")
	require.Len(t, result.VehiclesFound, 1)

	mv := result.VehiclesFound[0]
	require.NotNil(t, mv.RuleApplied)
	assert.Equal(t, firstID, *mv.RuleApplied)
	assert.ElementsMatch(t, []uuid.UUID{firstID, secondID}, mv.RulesMatched)
}

func TestProcessPolicyCountRuleExcess(t *testing.T) {
	engine := New("UTC")
	asOf := model.Now()
	provider := uuid.New()

	devices := make([]model.Device, 3)
	events := make([]model.VehicleEvent, 3)
	for i := range devices {
		devices[i] = testDevice(provider)
		// Earlier timestamps are within cap; the newest arrival is excess.
		events[i] = eventAt(devices[i].DeviceID, 0, 0, nil, asOf-model.Timestamp(1000*(3-i)))
	}

	max := 2.0
	ruleID := uuid.New()
	policy := testPolicy(&model.CountRule{RuleCommon: model.RuleCommon{
		RuleID:      ruleID,
		Geographies: []uuid.UUID{testGeographyID},
		Maximum:     &max,
	}})

	results, err := engine.ProcessPolicy(policy, testGeographies(),
		inputsFor(provider, devices, events), asOf)
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0]
	assert.Equal(t, 1, result.ExcessVehiclesCount)
	assert.Equal(t, 1, result.TotalViolations)
	require.Len(t, result.VehiclesFound, 3)

	// Vehicles are recorded in event timestamp order; the first two are
	// within cap, the last is excess with no rule applied.
	for i, mv := range result.VehiclesFound {
		if i < 2 {
			require.NotNil(t, mv.RuleApplied, "vehicle %d", i)
			assert.Equal(t, ruleID, *mv.RuleApplied)
		} else {
			assert.Nil(t, mv.RuleApplied, "vehicle %d", i)
		}
		assert.Equal(t, []uuid.UUID{ruleID}, mv.RulesMatched)
	}
}

func TestProcessPolicyCountRuleMinimumShortfall(t *testing.T) {
	engine := New("UTC")
	asOf := model.Now()
	provider := uuid.New()
	device := testDevice(provider)

	min := 3.0
	policy := testPolicy(&model.CountRule{RuleCommon: model.RuleCommon{
		RuleID:      uuid.New(),
		Geographies: []uuid.UUID{testGeographyID},
		Minimum:     &min,
	}})

	event := eventAt(device.DeviceID, 0, 0, nil, asOf)
	results, err := engine.ProcessPolicy(policy, testGeographies(),
		inputsFor(provider, []model.Device{device}, []model.VehicleEvent{event}), asOf)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// One vehicle present, three required: two violations.
	assert.Equal(t, 2, results[0].TotalViolations)
	assert.Zero(t, results[0].ExcessVehiclesCount)
}

func TestProcessPolicyMissingGeography(t *testing.T) {
	engine := New("UTC")
	asOf := model.Now()
	provider := uuid.New()
	device := testDevice(provider)

	policy := testPolicy(&model.CountRule{RuleCommon: model.RuleCommon{
		RuleID:      uuid.New(),
		Geographies: []uuid.UUID{uuid.New()},
	}})

	event := eventAt(device.DeviceID, 0, 0, nil, asOf)
	_, err := engine.ProcessPolicy(policy, testGeographies(),
		inputsFor(provider, []model.Device{device}, []model.VehicleEvent{event}), asOf)
	require.Error(t, err)
	assert.True(t, eris.Is(err, geospatial.ErrGeographyNotFound))
}
