package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicfleet/compliance-cli/internal/model"
)

var evaluateAsOf int64

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one compliance evaluation over all active policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("evaluate"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		asOf := model.Timestamp(evaluateAsOf)
		if evaluateAsOf == 0 {
			asOf = model.Now()
		}

		report, err := initScheduler(st).Run(ctx, asOf)
		if err != nil {
			return err
		}

		for _, f := range report.Failures {
			zap.L().Warn("policy failed",
				zap.String("policy_id", f.PolicyID.String()),
				zap.Error(f.Err))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report.Snapshots)
	},
}

func init() {
	evaluateCmd.Flags().Int64Var(&evaluateAsOf, "as-of", 0, "evaluation instant in epoch milliseconds (default now)")
	rootCmd.AddCommand(evaluateCmd)
}
