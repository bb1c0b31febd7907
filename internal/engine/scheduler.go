package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civicfleet/compliance-cli/internal/model"
	"github.com/civicfleet/compliance-cli/internal/resilience"
	"github.com/civicfleet/compliance-cli/internal/store"
)

// SchedulerConfig tunes a compliance run.
type SchedulerConfig struct {
	Workers       int
	PolicyTimeout time.Duration
}

// PolicyFailure records a policy whose evaluation failed without
// aborting the run.
type PolicyFailure struct {
	PolicyID uuid.UUID
	Err      error
}

// RunReport summarizes one compliance run.
type RunReport struct {
	ComplianceAsOf model.Timestamp
	Snapshots      []model.ComplianceSnapshot
	Failures       []PolicyFailure
}

// Scheduler evaluates every active policy against current fleet state
// and persists the resulting snapshots.
type Scheduler struct {
	engine *Engine
	store  store.Store
	cfg    SchedulerConfig
}

// NewScheduler creates a Scheduler. Workers defaults to 4 and the
// per-policy timeout to 30 seconds when unset.
func NewScheduler(engine *Engine, st store.Store, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PolicyTimeout <= 0 {
		cfg.PolicyTimeout = 30 * time.Second
	}
	return &Scheduler{engine: engine, store: st, cfg: cfg}
}

// Run evaluates all active, non-superseded policies as of the given
// instant. Policies are evaluated concurrently; a failure in one policy
// is recorded and does not abort the others, except a timezone
// configuration error, which is fatal for the whole run. Snapshots for
// a policy are persisted only after that policy evaluated cleanly.
func (s *Scheduler) Run(ctx context.Context, asOf model.Timestamp) (*RunReport, error) {
	policies, err := s.store.ReadActivePolicies(ctx, asOf)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: read active policies")
	}
	policies = SupersedingPolicies(policies)

	report := &RunReport{ComplianceAsOf: asOf}
	if len(policies) == 0 {
		zap.L().Info("no active policies", zap.Int64("as_of", int64(asOf)))
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for _, policy := range policies {
		policy := policy
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, s.cfg.PolicyTimeout)
			defer cancel()

			snapshots, err := s.evaluatePolicy(pctx, policy, asOf)
			if err != nil {
				// Misconfigured timezone poisons every policy; stop the run.
				if eris.Is(err, ErrTimezone) {
					return err
				}
				zap.L().Warn("policy evaluation failed",
					zap.String("policy_id", policy.PolicyID.String()),
					zap.Error(err))
				mu.Lock()
				report.Failures = append(report.Failures, PolicyFailure{PolicyID: policy.PolicyID, Err: err})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			report.Snapshots = append(report.Snapshots, snapshots...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "scheduler: run aborted")
	}

	zap.L().Info("compliance run complete",
		zap.Int64("as_of", int64(asOf)),
		zap.Int("policies", len(policies)),
		zap.Int("snapshots", len(report.Snapshots)),
		zap.Int("failures", len(report.Failures)))
	return report, nil
}

// evaluatePolicy gathers inputs for one policy, evaluates it, and
// persists the snapshots. Nothing is written if evaluation fails.
func (s *Scheduler) evaluatePolicy(ctx context.Context, policy model.Policy, asOf model.Timestamp) ([]model.ComplianceSnapshot, error) {
	geographies, err := s.loadGeographies(ctx, policy)
	if err != nil {
		return nil, err
	}
	inputs, err := s.loadInputs(ctx, policy)
	if err != nil {
		return nil, err
	}

	results, err := s.engine.ProcessPolicy(policy, geographies, inputs, asOf)
	if err != nil {
		return nil, err
	}

	snapshots := make([]model.ComplianceSnapshot, 0, len(results))
	for _, result := range results {
		snapshots = append(snapshots, model.NewComplianceSnapshot(result, asOf))
	}
	for _, snap := range snapshots {
		snap := snap
		err := resilience.Do(ctx, resilience.RetryConfig{}, "write snapshot", func(ctx context.Context) error {
			return s.store.WriteComplianceSnapshot(ctx, snap)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: persist snapshot for policy %s", policy.PolicyID)
		}
	}
	return snapshots, nil
}

func (s *Scheduler) loadGeographies(ctx context.Context, policy model.Policy) ([]model.Geography, error) {
	ids := policy.GeographyIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	geographies, err := s.store.ReadGeographies(ctx, store.GeographyFilter{IDs: ids})
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: read geographies for policy %s", policy.PolicyID)
	}
	return geographies, nil
}

// loadInputs fetches devices and their latest events for every provider
// the policy applies to.
func (s *Scheduler) loadInputs(ctx context.Context, policy model.Policy) ([]ProviderInputs, error) {
	providerIDs := policy.ProviderIDs
	if len(providerIDs) == 0 {
		ids, err := s.store.ReadProviderIDs(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "scheduler: read provider ids")
		}
		providerIDs = ids
	}

	inputs := make([]ProviderInputs, 0, len(providerIDs))
	for _, providerID := range providerIDs {
		providerID := providerID
		records, err := s.store.ReadDeviceIDs(ctx, &providerID)
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: read device ids for provider %s", providerID)
		}
		if len(records) == 0 {
			inputs = append(inputs, ProviderInputs{ProviderID: providerID})
			continue
		}

		deviceIDs := make([]uuid.UUID, len(records))
		for i, r := range records {
			deviceIDs[i] = r.DeviceID
		}
		devices, err := s.store.ReadDevices(ctx, deviceIDs)
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: read devices for provider %s", providerID)
		}
		deviceMap := make(map[uuid.UUID]model.Device, len(devices))
		for _, d := range devices {
			deviceMap[d.DeviceID] = d
		}

		latest, err := s.store.ReadLatestEventsPerDevice(ctx, deviceIDs)
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: read latest events for provider %s", providerID)
		}
		events := make([]model.VehicleEvent, 0, len(latest))
		for _, e := range latest {
			events = append(events, e)
		}
		model.SortEventsByTimestamp(events)

		inputs = append(inputs, ProviderInputs{
			ProviderID: providerID,
			Devices:    deviceMap,
			Events:     events,
		})
	}
	return inputs, nil
}
