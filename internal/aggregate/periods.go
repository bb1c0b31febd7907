// Package aggregate derives continuous violation periods from the
// point-in-time compliance snapshots the engine persists. Periods are a
// view recomputed on demand, never stored state.
package aggregate

import (
	"sort"

	"github.com/google/uuid"

	"github.com/civicfleet/compliance-cli/internal/model"
)

// Options filters which snapshots participate in aggregation. Empty
// provider/policy lists mean no filter.
type Options struct {
	StartTime   model.Timestamp
	EndTime     model.Timestamp
	ProviderIDs []uuid.UUID
	PolicyIDs   []uuid.UUID
}

type partitionKey struct {
	providerID uuid.UUID
	policyID   uuid.UUID
}

// ViolationPeriods groups each (provider, policy) partition's snapshots
// into contiguous violation runs. A run opens when a snapshot with
// violations follows a zero-violation snapshot (or starts the
// partition), stays open across consecutive violating snapshots, and is
// closed by the next zero-violation snapshot, whose timestamp becomes
// the period's end_time. A run still open at the window edge has a nil
// end_time; callers must not read that as compliant.
func ViolationPeriods(snapshots []model.ComplianceSnapshot, opts Options) []model.ViolationPeriod {
	providerFilter := toSet(opts.ProviderIDs)
	policyFilter := toSet(opts.PolicyIDs)

	partitions := make(map[partitionKey][]model.ComplianceSnapshot)
	var keys []partitionKey
	for _, snap := range snapshots {
		if snap.ComplianceAsOf < opts.StartTime || snap.ComplianceAsOf > opts.EndTime {
			continue
		}
		if len(providerFilter) > 0 && !providerFilter[snap.ProviderID] {
			continue
		}
		if len(policyFilter) > 0 && !policyFilter[snap.PolicyID] {
			continue
		}
		key := partitionKey{providerID: snap.ProviderID, policyID: snap.PolicyID}
		if _, ok := partitions[key]; !ok {
			keys = append(keys, key)
		}
		partitions[key] = append(partitions[key], snap)
	}

	var periods []model.ViolationPeriod
	for _, key := range keys {
		periods = append(periods, partitionPeriods(key, partitions[key])...)
	}
	sort.Slice(periods, func(i, j int) bool {
		if periods[i].ProviderID != periods[j].ProviderID {
			return periods[i].ProviderID.String() < periods[j].ProviderID.String()
		}
		if periods[i].PolicyID != periods[j].PolicyID {
			return periods[i].PolicyID.String() < periods[j].PolicyID.String()
		}
		return periods[i].StartTime < periods[j].StartTime
	})
	return periods
}

// partitionPeriods runs the single-pass grouping over one partition's
// snapshots, ordered by compliance_as_of.
func partitionPeriods(key partitionKey, snaps []model.ComplianceSnapshot) []model.ViolationPeriod {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].ComplianceAsOf < snaps[j].ComplianceAsOf
	})

	var periods []model.ViolationPeriod
	var open *model.ViolationPeriod
	for _, snap := range snaps {
		if snap.TotalViolations > 0 {
			if open == nil {
				open = &model.ViolationPeriod{
					ProviderID: key.providerID,
					PolicyID:   key.policyID,
					StartTime:  snap.ComplianceAsOf,
				}
			}
			open.SnapshotIDs = append(open.SnapshotIDs, snap.SnapshotID)
			open.TotalViolationSum += snap.TotalViolations
			continue
		}
		if open != nil {
			end := snap.ComplianceAsOf
			open.EndTime = &end
			periods = append(periods, *open)
			open = nil
		}
	}
	if open != nil {
		periods = append(periods, *open)
	}
	return periods
}

func toSet(ids []uuid.UUID) map[uuid.UUID]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
