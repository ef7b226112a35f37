// Package commands implements the modeld command line.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inopsio/modeld/pkg/config"
)

// Global flags
var configPath string

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modeld",
		Short: "modeld - model deployment lifecycle manager",
		Long: `modeld tracks machine learning models through their deployment lifecycle.

Models are registered over an HTTP API, initialized in the background,
then deployed and undeployed on request. Every state change is versioned
and recorded, so concurrent requests never lose an update.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
