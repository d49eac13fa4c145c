package cli

import (
	"github.com/spf13/cobra"

	"github.com/tccmarket/api/internal/bootstrap"
	"github.com/tccmarket/api/internal/tryon"
)

// sweepCmd deletes stored results that never made it into the catalog
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete stored try-on images no product references",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		cat, closeCatalog, err := bootstrap.BuildCatalog(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer closeCatalog()

		sweeper := tryon.NewSweeper(bootstrap.BuildStorage(cfg.Storage), cat.Store, cfg.TryOn.KeyPrefix, olderThan)
		report, err := sweeper.Sweep(ctx, dryRun)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().Duration("older-than", tryon.DefaultSweepGrace, "Only consider objects older than this")
	sweepCmd.Flags().Bool("dry-run", false, "Report orphans without deleting them")
}
