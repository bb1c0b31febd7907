package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicfleet/compliance-cli/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "compliance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func sampleDevice(provider uuid.UUID) model.Device {
	return model.Device{
		DeviceID:        uuid.New(),
		ProviderID:      provider,
		VehicleID:       "unit-1",
		VehicleType:     model.VehicleTypeScooter,
		PropulsionTypes: []model.PropulsionType{model.PropulsionElectric},
		Recorded:        1000,
	}
}

func sampleEvent(device model.Device, ts model.Timestamp) model.VehicleEvent {
	return model.VehicleEvent{
		DeviceID:     device.DeviceID,
		ProviderID:   device.ProviderID,
		EventTypes:   []model.EventType{model.EventTripEnd},
		VehicleState: model.StateAvailable,
		Telemetry: &model.Telemetry{
			DeviceID:   device.DeviceID,
			ProviderID: device.ProviderID,
			GPS:        model.GPS{Lat: 37.77, Lng: -122.41},
			Timestamp:  ts,
			Recorded:   ts,
		},
		Timestamp: ts,
		Recorded:  ts,
	}
}

func sampleGeography() model.Geography {
	return model.Geography{
		GeographyID:   uuid.New(),
		Name:          "downtown",
		Description:   "core service area",
		GeographyJSON: json.RawMessage(`{"type":"Point","coordinates":[-122.41,37.77]}`),
	}
}

func samplePolicy(geographyIDs ...uuid.UUID) model.Policy {
	return model.Policy{
		PolicyID:  uuid.New(),
		Name:      "fleet cap",
		StartDate: 1000,
		Rules: []model.Rule{
			&model.CountRule{RuleCommon: model.RuleCommon{
				RuleID:      uuid.New(),
				Name:        "cap",
				Geographies: geographyIDs,
			}},
		},
	}
}

func TestSQLiteDeviceRoundTrip(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	provider := uuid.New()
	device := sampleDevice(provider)

	require.NoError(t, st.WriteDevice(ctx, device))

	records, err := st.ReadDeviceIDs(ctx, &provider)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, device.DeviceID, records[0].DeviceID)
	assert.Equal(t, provider, records[0].ProviderID)

	records, err = st.ReadDeviceIDs(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	other := uuid.New()
	records, err = st.ReadDeviceIDs(ctx, &other)
	require.NoError(t, err)
	assert.Empty(t, records)

	devices, err := st.ReadDevices(ctx, []uuid.UUID{device.DeviceID})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, device, devices[0])

	providers, err := st.ReadProviderIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{provider}, providers)
}

func TestSQLiteWriteDeviceUpsert(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	device := sampleDevice(uuid.New())

	require.NoError(t, st.WriteDevice(ctx, device))
	device.VehicleID = "renamed"
	require.NoError(t, st.WriteDevice(ctx, device))

	devices, err := st.ReadDevices(ctx, []uuid.UUID{device.DeviceID})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "renamed", devices[0].VehicleID)
}

func TestSQLiteLatestEventPerDevice(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	device := sampleDevice(uuid.New())

	events := []model.VehicleEvent{
		sampleEvent(device, 100),
		sampleEvent(device, 300),
		sampleEvent(device, 200),
	}
	n, err := st.WriteEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	latest, err := st.ReadLatestEventsPerDevice(ctx, []uuid.UUID{device.DeviceID})
	require.NoError(t, err)
	require.Contains(t, latest, device.DeviceID)
	assert.Equal(t, model.Timestamp(300), latest[device.DeviceID].Timestamp)

	empty, err := st.ReadLatestEventsPerDevice(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteLatestEventTieBreaksToLaterWrite(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	device := sampleDevice(uuid.New())

	first := sampleEvent(device, 100)
	first.VehicleState = model.StateAvailable
	second := sampleEvent(device, 100)
	second.VehicleState = model.StateNonOperational

	require.NoError(t, st.WriteEvent(ctx, first))
	require.NoError(t, st.WriteEvent(ctx, second))

	latest, err := st.ReadLatestEventsPerDevice(ctx, []uuid.UUID{device.DeviceID})
	require.NoError(t, err)
	assert.Equal(t, model.StateNonOperational, latest[device.DeviceID].VehicleState)
}

func TestSQLiteGeographyLifecycle(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	geography := sampleGeography()

	require.NoError(t, st.WriteGeography(ctx, geography))

	got, err := st.ReadGeography(ctx, geography.GeographyID)
	require.NoError(t, err)
	assert.Equal(t, geography.Name, got.Name)
	assert.Equal(t, geography.Description, got.Description)
	assert.JSONEq(t, string(geography.GeographyJSON), string(got.GeographyJSON))
	assert.False(t, got.Published())

	// Unpublished geographies can be rewritten.
	geography.Name = "downtown v2"
	require.NoError(t, st.WriteGeography(ctx, geography))

	require.NoError(t, st.PublishGeography(ctx, geography.GeographyID, 5000))

	got, err = st.ReadGeography(ctx, geography.GeographyID)
	require.NoError(t, err)
	require.NotNil(t, got.PublishDate)
	assert.Equal(t, model.Timestamp(5000), *got.PublishDate)

	// Published geographies are immutable.
	err = st.WriteGeography(ctx, geography)
	assert.True(t, eris.Is(err, ErrImmutable))
	err = st.PublishGeography(ctx, geography.GeographyID, 6000)
	assert.True(t, eris.Is(err, ErrImmutable))
	err = st.DeleteGeography(ctx, geography.GeographyID)
	assert.True(t, eris.Is(err, ErrImmutable))
}

func TestSQLiteGeographyNotFound(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	_, err := st.ReadGeography(ctx, uuid.New())
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.True(t, eris.Is(st.PublishGeography(ctx, uuid.New(), 1), ErrNotFound))
	assert.True(t, eris.Is(st.DeleteGeography(ctx, uuid.New()), ErrNotFound))
}

func TestSQLiteDeleteUnpublishedGeography(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	geography := sampleGeography()

	require.NoError(t, st.WriteGeography(ctx, geography))
	require.NoError(t, st.DeleteGeography(ctx, geography.GeographyID))

	_, err := st.ReadGeography(ctx, geography.GeographyID)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLiteReadGeographiesFilter(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	published := sampleGeography()
	draft := sampleGeography()
	require.NoError(t, st.WriteGeography(ctx, published))
	require.NoError(t, st.WriteGeography(ctx, draft))
	require.NoError(t, st.PublishGeography(ctx, published.GeographyID, 100))

	got, err := st.ReadGeographies(ctx, GeographyFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, published.GeographyID, got[0].GeographyID)

	got, err = st.ReadGeographies(ctx, GeographyFilter{IncludeUnpublished: true})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = st.ReadGeographies(ctx, GeographyFilter{
		IDs:                []uuid.UUID{draft.GeographyID},
		IncludeUnpublished: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, draft.GeographyID, got[0].GeographyID)
}

func TestSQLitePolicyLifecycle(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	geography := sampleGeography()
	require.NoError(t, st.WriteGeography(ctx, geography))
	policy := samplePolicy(geography.GeographyID)
	require.NoError(t, st.WritePolicy(ctx, policy))

	// Publishing fails while the referenced geography is unpublished.
	err := st.PublishPolicy(ctx, policy.PolicyID, 2000)
	assert.True(t, eris.Is(err, ErrUnpublishedGeography))

	require.NoError(t, st.PublishGeography(ctx, geography.GeographyID, 1500))
	require.NoError(t, st.PublishPolicy(ctx, policy.PolicyID, 2000))

	got, err := st.ReadPolicy(ctx, policy.PolicyID)
	require.NoError(t, err)
	require.NotNil(t, got.PublishDate)
	assert.Equal(t, model.Timestamp(2000), *got.PublishDate)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, model.RuleTypeCount, got.Rules[0].Type())

	// Published policies are immutable.
	assert.True(t, eris.Is(st.WritePolicy(ctx, policy), ErrImmutable))
	assert.True(t, eris.Is(st.PublishPolicy(ctx, policy.PolicyID, 3000), ErrImmutable))
}

func TestSQLitePolicyNotFound(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	_, err := st.ReadPolicy(ctx, uuid.New())
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.True(t, eris.Is(st.PublishPolicy(ctx, uuid.New(), 1), ErrNotFound))
}

func TestSQLiteReadActivePolicies(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	end := model.Timestamp(5000)
	bounded := samplePolicy()
	bounded.EndDate = &end
	open := samplePolicy()
	open.StartDate = 2000
	draft := samplePolicy()

	for _, p := range []model.Policy{bounded, open, draft} {
		require.NoError(t, st.WritePolicy(ctx, p))
	}
	require.NoError(t, st.PublishPolicy(ctx, bounded.PolicyID, 500))
	require.NoError(t, st.PublishPolicy(ctx, open.PolicyID, 500))

	// draft is unpublished; only the other two can be active.
	active, err := st.ReadActivePolicies(ctx, 3000)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, p := range active {
		assert.True(t, p.Published())
	}

	active, err = st.ReadActivePolicies(ctx, 1500)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, bounded.PolicyID, active[0].PolicyID)

	active, err = st.ReadActivePolicies(ctx, 6000)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.PolicyID, active[0].PolicyID)

	// Interval bounds are inclusive.
	active, err = st.ReadActivePolicies(ctx, 5000)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestSQLiteSnapshotRoundTrip(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	provider := uuid.New()
	policy := uuid.New()
	otherPolicy := uuid.New()

	write := func(policyID uuid.UUID, asOf model.Timestamp, violations int) model.ComplianceSnapshot {
		snap := model.NewComplianceSnapshot(model.ComplianceResult{
			PolicyID:        policyID,
			PolicyName:      "fleet cap",
			ProviderID:      provider,
			TotalViolations: violations,
		}, asOf)
		require.NoError(t, st.WriteComplianceSnapshot(ctx, snap))
		return snap
	}

	first := write(policy, 100, 2)
	write(policy, 300, 0)
	write(otherPolicy, 200, 1)

	got, err := st.ReadComplianceSnapshots(ctx, SnapshotFilter{
		EndTime:   1000,
		PolicyIDs: []uuid.UUID{policy},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.SnapshotID, got[0].SnapshotID)
	assert.Equal(t, 2, got[0].TotalViolations)
	assert.Equal(t, model.Timestamp(300), got[1].ComplianceAsOf)

	got, err = st.ReadComplianceSnapshots(ctx, SnapshotFilter{StartTime: 150, EndTime: 250})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, otherPolicy, got[0].PolicyID)

	got, err = st.ReadComplianceSnapshots(ctx, SnapshotFilter{
		EndTime:     1000,
		ProviderIDs: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}
