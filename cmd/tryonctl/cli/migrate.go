package cli

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/tccmarket/api/internal/catalog"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply catalog database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is not set")
		}

		ctx := cmd.Context()
		store, err := catalog.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			return err
		}
		log.Println("Catalog migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
