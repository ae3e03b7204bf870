package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	envFiles   []string
	verbose    bool
	jsonOutput bool
	actorID    string
	teamID     string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "envrun",
		Short: "envrun - Environment orchestration for Terraform/OpenTofu modules",
		Long: `envrun orchestrates IaC modules deployed together as an environment.

Features:
  - Dependency graph of modules with topological layering
  - Cascading plan-all, apply-all and destroy-all with failure propagation
  - Per-module run lifecycle (plan, confirm, apply) with locking
  - Layered variable resolution from variable sets and cloud integrations
  - Rego policy gate for auto-confirmed plans
  - HTTP API with live log streaming`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "service config file path")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", "", "user recorded on runs and audit entries (default $USER)")
	rootCmd.PersistentFlags().StringVar(&teamID, "team", "", "team of the acting user")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newImportCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newRunAllCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newLockCommand())
	rootCmd.AddCommand(newUnlockCommand())
	rootCmd.AddCommand(newForceUnlockCommand())
	rootCmd.AddCommand(newTokenCommand())

	return rootCmd
}
