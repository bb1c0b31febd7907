package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicfleet/compliance-cli/internal/model"
	"github.com/civicfleet/compliance-cli/internal/store"
)

// fakeStore stubs the two store calls the API makes. Embedding the
// interface leaves the rest unimplemented.
type fakeStore struct {
	store.Store
	policies  map[uuid.UUID]model.Policy
	snapshots []model.ComplianceSnapshot
}

func (f *fakeStore) ReadPolicy(_ context.Context, id uuid.UUID) (*model.Policy, error) {
	p, ok := f.policies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (f *fakeStore) ReadComplianceSnapshots(_ context.Context, filter store.SnapshotFilter) ([]model.ComplianceSnapshot, error) {
	want := make(map[uuid.UUID]bool, len(filter.PolicyIDs))
	for _, id := range filter.PolicyIDs {
		want[id] = true
	}
	var out []model.ComplianceSnapshot
	for _, snap := range f.snapshots {
		if snap.ComplianceAsOf < filter.StartTime || snap.ComplianceAsOf > filter.EndTime {
			continue
		}
		if len(want) > 0 && !want[snap.PolicyID] {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func newTestServer(st *fakeStore, cfg Config) *httptest.Server {
	return httptest.NewServer(NewServer(st, cfg).Router())
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(&fakeStore{}, Config{})
	defer ts.Close()

	var body map[string]string
	status := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestPolicySnapshotBadID(t *testing.T) {
	ts := newTestServer(&fakeStore{}, Config{})
	defer ts.Close()

	var body map[string]string
	status := getJSON(t, ts.URL+"/policies/not-a-uuid/snapshot", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid policy_id", body["error"])
}

func TestPolicySnapshotNotFound(t *testing.T) {
	ts := newTestServer(&fakeStore{}, Config{})
	defer ts.Close()

	var body map[string]string
	status := getJSON(t, ts.URL+"/policies/"+uuid.NewString()+"/snapshot", &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "policy not found", body["error"])
}

func TestPolicySnapshotLatestPerProvider(t *testing.T) {
	policyID := uuid.New()
	providerA := uuid.New()
	providerB := uuid.New()

	mkSnap := func(provider uuid.UUID, asOf model.Timestamp, violations int) model.ComplianceSnapshot {
		return model.NewComplianceSnapshot(model.ComplianceResult{
			PolicyID:        policyID,
			ProviderID:      provider,
			TotalViolations: violations,
		}, asOf)
	}

	st := &fakeStore{
		policies: map[uuid.UUID]model.Policy{policyID: {PolicyID: policyID}},
		snapshots: []model.ComplianceSnapshot{
			mkSnap(providerA, 100, 1),
			mkSnap(providerA, 200, 0),
			mkSnap(providerB, 150, 2),
		},
	}
	ts := newTestServer(st, Config{})
	defer ts.Close()

	var body struct {
		PolicyID  uuid.UUID                  `json:"policy_id"`
		Snapshots []model.ComplianceSnapshot `json:"snapshots"`
	}
	status := getJSON(t, ts.URL+"/policies/"+policyID.String()+"/snapshot", &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, policyID, body.PolicyID)
	require.Len(t, body.Snapshots, 2)

	byProvider := make(map[uuid.UUID]model.ComplianceSnapshot)
	for _, snap := range body.Snapshots {
		byProvider[snap.ProviderID] = snap
	}
	assert.Equal(t, model.Timestamp(200), byProvider[providerA].ComplianceAsOf)
	assert.Equal(t, model.Timestamp(150), byProvider[providerB].ComplianceAsOf)
}

func TestViolationPeriods(t *testing.T) {
	policyID := uuid.New()
	providerID := uuid.New()

	mkSnap := func(asOf model.Timestamp, violations int) model.ComplianceSnapshot {
		return model.NewComplianceSnapshot(model.ComplianceResult{
			PolicyID:        policyID,
			ProviderID:      providerID,
			TotalViolations: violations,
		}, asOf)
	}

	st := &fakeStore{snapshots: []model.ComplianceSnapshot{
		mkSnap(100, 0),
		mkSnap(200, 3),
		mkSnap(300, 0),
	}}
	ts := newTestServer(st, Config{})
	defer ts.Close()

	var body struct {
		StartTime model.Timestamp         `json:"start_time"`
		EndTime   model.Timestamp         `json:"end_time"`
		Periods   []model.ViolationPeriod `json:"violation_periods"`
	}
	status := getJSON(t, ts.URL+"/violation_periods?start_time=0&end_time=1000", &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.Timestamp(1000), body.EndTime)
	require.Len(t, body.Periods, 1)

	period := body.Periods[0]
	assert.Equal(t, model.Timestamp(200), period.StartTime)
	require.NotNil(t, period.EndTime)
	assert.Equal(t, model.Timestamp(300), *period.EndTime)
	assert.Equal(t, 3, period.TotalViolationSum)
}

func TestViolationPeriodsEmptyIsArray(t *testing.T) {
	ts := newTestServer(&fakeStore{}, Config{})
	defer ts.Close()

	var body map[string]json.RawMessage
	status := getJSON(t, ts.URL+"/violation_periods?end_time=1000", &body)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body["violation_periods"]))
}

func TestViolationPeriodsBadParams(t *testing.T) {
	ts := newTestServer(&fakeStore{}, Config{})
	defer ts.Close()

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{name: "bad start", query: "?start_time=yesterday", want: "invalid start_time"},
		{name: "negative end", query: "?end_time=-5", want: "invalid end_time"},
		{name: "bad provider ids", query: "?provider_ids=not-a-uuid", want: "invalid provider_ids"},
		{name: "bad policy ids", query: "?policy_ids=a,b", want: "invalid policy_ids"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			status := getJSON(t, ts.URL+"/violation_periods"+tt.query, &body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.want, body["error"])
		})
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(&fakeStore{}, Config{RateLimit: 1, RateBurst: 2})
	defer ts.Close()

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Contains(t, statuses[2:], http.StatusTooManyRequests)
}
