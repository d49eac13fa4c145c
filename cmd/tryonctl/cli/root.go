// Package cli holds the operator commands for the try-on pipeline.
package cli

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tccmarket/api/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "tryonctl",
	Short:         "Operate the garment try-on pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT cancels the running pipeline.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
