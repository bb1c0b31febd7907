package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/civicfleet/compliance-cli/internal/aggregate"
	"github.com/civicfleet/compliance-cli/internal/model"
	"github.com/civicfleet/compliance-cli/internal/store"
)

var (
	violationsStart     int64
	violationsEnd       int64
	violationsProviders []string
	violationsPolicies  []string
)

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "Aggregate stored snapshots into violation periods",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("violations"); err != nil {
			return err
		}

		providerIDs, err := parseUUIDs(violationsProviders)
		if err != nil {
			return eris.Wrap(err, "parse provider ids")
		}
		policyIDs, err := parseUUIDs(violationsPolicies)
		if err != nil {
			return eris.Wrap(err, "parse policy ids")
		}

		endTime := model.Timestamp(violationsEnd)
		if violationsEnd == 0 {
			endTime = model.Now()
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		snapshots, err := st.ReadComplianceSnapshots(ctx, store.SnapshotFilter{
			StartTime:   model.Timestamp(violationsStart),
			EndTime:     endTime,
			ProviderIDs: providerIDs,
			PolicyIDs:   policyIDs,
		})
		if err != nil {
			return err
		}

		periods := aggregate.ViolationPeriods(snapshots, aggregate.Options{
			StartTime:   model.Timestamp(violationsStart),
			EndTime:     endTime,
			ProviderIDs: providerIDs,
			PolicyIDs:   policyIDs,
		})

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(periods)
	},
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func init() {
	violationsCmd.Flags().Int64Var(&violationsStart, "start", 0, "window start in epoch milliseconds")
	violationsCmd.Flags().Int64Var(&violationsEnd, "end", 0, "window end in epoch milliseconds (default now)")
	violationsCmd.Flags().StringSliceVar(&violationsProviders, "provider", nil, "provider IDs to include")
	violationsCmd.Flags().StringSliceVar(&violationsPolicies, "policy", nil, "policy IDs to include")
	rootCmd.AddCommand(violationsCmd)
}
