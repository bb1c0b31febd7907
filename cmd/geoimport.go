package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicfleet/compliance-cli/internal/geoimport"
	"github.com/civicfleet/compliance-cli/internal/model"
)

var geoimportManifest string

var geoimportCmd = &cobra.Command{
	Use:   "geoimport",
	Short: "Import geographies from shapefiles listed in a YAML manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("geoimport"); err != nil {
			return err
		}

		manifest, err := geoimport.LoadManifest(geoimportManifest)
		if err != nil {
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

		res, err := geoimport.NewImporter(st).ImportManifest(ctx, manifest, model.Now())
		if err != nil {
			return err
		}

		zap.L().Info("geoimport complete",
			zap.Int("written", res.Written),
			zap.Int("published", res.Published),
			zap.Int("skipped", res.Skipped),
		)
		return nil
	},
}

func init() {
	geoimportCmd.Flags().StringVar(&geoimportManifest, "manifest", "geographies.yaml", "path to import manifest")
	rootCmd.AddCommand(geoimportCmd)
}
