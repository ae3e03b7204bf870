package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/envrun/pkg/config"
)

func newImportCommand() *cobra.Command {
	var (
		autoPlan     bool
		validateOnly bool
		dryRun       bool
	)

	cmd := &cobra.Command{
		Use:   "import <file.cue|dir>...",
		Short: "Import environment definitions from CUE",
		Long: `Parse CUE environment definitions and apply them to the store.

Sources are unified, so one environment may be split across files. The
import is idempotent: existing modules, dependencies, variable sources and
bindings are kept, module versions that differ are updated, and module
variables are upserted.`,
		Example: `  # Validate without touching the store
  envrun import envs/prod.cue --validate-only

  # Import and plan every module whose version changed
  envrun import envs/prod/ --auto-plan`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parsed, err := config.NewCUEParser().Parse(ctx, args)
			if err != nil {
				return err
			}
			if !parsed.Valid() {
				for _, e := range parsed.Errors {
					log.Error().Str("file", e.File).Int("line", e.Line).Str("path", e.Path).Msg(e.Message)
				}
				return fmt.Errorf("%d validation errors in %v", len(parsed.Errors), parsed.SourceFiles)
			}

			def := parsed.Definition
			if validateOnly {
				fmt.Printf("Environment %s: %d modules, %d variable sources, %d bindings (valid)\n",
					def.Environment.ID, len(def.Modules), len(def.VariableSources), len(def.Bindings))
				return nil
			}

			return withApp(ctx, appOptions{dryRun: dryRun}, func(a *app) error {
				importer := config.NewImporter(a.engine.Environments, a.tel.Logger)
				result, err := importer.Import(ctx, def, config.ImportOptions{
					Actor:    currentActor(),
					AutoPlan: autoPlan,
				})
				if err != nil {
					return err
				}

				if autoPlan && len(result.ModulesUpdated) > 0 {
					if err := waitIdle(ctx, a); err != nil {
						return err
					}
				}

				if jsonOutput {
					return printJSON(result)
				}
				fmt.Printf("Imported environment %s\n", result.EnvironmentID)
				if result.EnvironmentCreated {
					fmt.Println("  Environment created")
				}
				fmt.Printf("  Modules created: %v\n", result.ModulesCreated)
				fmt.Printf("  Modules updated: %v\n", result.ModulesUpdated)
				fmt.Printf("  Dependencies added: %d\n", result.DependenciesAdded)
				fmt.Printf("  Variable sources created: %d, bindings created: %d, variables set: %d\n",
					result.SourcesCreated, result.BindingsCreated, result.VariablesSet)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&autoPlan, "auto-plan", false, "start a plan run for every module whose version changed")
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "parse and validate without importing")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate auto-plan runs")

	return cmd
}

// waitIdle blocks until no module run is active in this process.
func waitIdle(ctx context.Context, a *app) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for a.engine.Runs.ActiveRuns() > 0 {
		select {
		case <-ctx.Done():
			return errors.New("interrupted while waiting for runs")
		case <-ticker.C:
		}
	}
	return nil
}
