package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/envrun/pkg/engine"
)

const followInterval = 300 * time.Millisecond

func newRunAllCommand() *cobra.Command {
	var (
		autoConfirm bool
		yes         bool
		dryRun      bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "run-all <environment> <plan|apply|destroy>",
		Short: "Run an operation across every module of an environment",
		Long: `Walk the environment's dependency layers and run one module run per module.

Layers run in order; modules within a layer run in parallel. A module that
fails, is discarded or is cancelled causes every module depending on it to
be skipped, while independent modules keep going.

Apply runs stop at planned. With --auto-confirm the plan policies decide
whether a plan is confirmed automatically; plans they hold back, and all
plans without --auto-confirm, are confirmed interactively (or with --yes).`,
		Example: `  # Plan everything
  envrun run-all prod plan

  # Apply with policy-gated auto-confirm
  envrun run-all prod apply --auto-confirm

  # Rehearse a cascade without touching infrastructure
  envrun run-all prod apply --dry-run --yes`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			op, err := parseCascadeOperation(args[1])
			if err != nil {
				return err
			}

			return withApp(ctx, appOptions{dryRun: dryRun}, func(a *app) error {
				actor := currentActor()
				run, err := a.engine.Cascades.StartCascade(ctx, engine.StartCascadeRequest{
					EnvironmentID: args[0],
					Operation:     op,
					AutoConfirm:   autoConfirm,
					TriggerSource: engine.TriggerManual,
					Actor:         actor,
				})
				if err != nil {
					return err
				}

				log.Info().
					Str("run_id", run.ID).
					Str("environment", run.EnvironmentID).
					Str("operation", string(op)).
					Int("modules", run.TotalModules).
					Msg("Cascade started")

				f := newFollower(a, actor, yes, !quiet && !jsonOutput)
				final, err := f.followCascade(ctx, run.ID)
				if err != nil {
					return err
				}
				children, err := a.engine.Cascades.ListModuleRuns(context.Background(), run.ID)
				if err != nil {
					return err
				}

				if jsonOutput {
					if err := printJSON(map[string]interface{}{"environment_run": final, "module_runs": children}); err != nil {
						return err
					}
				} else {
					fmt.Println()
					printEnvironmentRun(final, children)
				}
				if final.Status != engine.EnvironmentRunSucceeded {
					return fmt.Errorf("environment run %s finished %s", final.ID, final.Status)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "let plan policies confirm apply runs")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm every planned run without prompting")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate executions instead of running tofu/terraform")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print run logs")

	return cmd
}

func newRunCommand() *cobra.Command {
	var (
		version     string
		autoConfirm bool
		yes         bool
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "run <environment> <module> <plan|apply|destroy|refresh>",
		Short: "Run an operation on one module",
		Long: `Start a module run and follow its logs until it finishes.

An apply run stops at planned and asks for confirmation unless it was
confirmed automatically (--auto-confirm and the plan policies allow it) or
--yes is given. Answering no discards the plan.`,
		Example: `  # Plan one module
  envrun run prod vpc plan

  # Apply a specific version
  envrun run prod eks apply --version 2.3.0`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			op := engine.Operation(strings.ToLower(args[2]))
			if err := op.Validate(); err != nil {
				return err
			}

			return withApp(ctx, appOptions{dryRun: dryRun}, func(a *app) error {
				actor := currentActor()
				run, err := a.engine.Runs.StartModuleRun(ctx, engine.StartRunRequest{
					EnvironmentID: args[0],
					ModuleID:      args[1],
					Operation:     op,
					ModuleVersion: version,
					AutoConfirm:   autoConfirm,
					TriggerSource: engine.TriggerManual,
					Actor:         actor,
				})
				if err != nil {
					return err
				}
				log.Info().Str("run_id", run.ID).Str("module", run.ModuleID).Str("operation", string(op)).Msg("Run started")

				f := newFollower(a, actor, yes, !jsonOutput)
				final, err := f.followRun(ctx, run.ID)
				if err != nil {
					return err
				}

				if jsonOutput {
					if err := printJSON(final); err != nil {
						return err
					}
				} else {
					fmt.Println()
					printModuleRun(final)
				}
				if final.Status != engine.ModuleRunSucceeded {
					return fmt.Errorf("run %s finished %s", final.ID, final.Status)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "module version to run (default: pinned or current)")
	cmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "let plan policies confirm the apply")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the plan without prompting")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the execution")

	return cmd
}

func parseCascadeOperation(s string) (engine.CascadeOperation, error) {
	s = strings.ToLower(s)
	if !strings.HasSuffix(s, "-all") {
		s += "-all"
	}
	op := engine.CascadeOperation(s)
	if err := op.Validate(); err != nil {
		return "", err
	}
	return op, nil
}

// follower prints run logs and answers planned runs for the CLI.
type follower struct {
	a        *app
	actor    engine.Actor
	yes      bool
	showLogs bool
	in       *bufio.Reader
	out      io.Writer

	cursors  map[string]int64
	answered map[string]bool
}

func newFollower(a *app, actor engine.Actor, yes, showLogs bool) *follower {
	return &follower{
		a:        a,
		actor:    actor,
		yes:      yes,
		showLogs: showLogs,
		in:       bufio.NewReader(os.Stdin),
		out:      os.Stdout,
		cursors:  make(map[string]int64),
		answered: make(map[string]bool),
	}
}

// followRun polls one module run until it is terminal.
func (f *follower) followRun(ctx context.Context, runID string) (*engine.ModuleRun, error) {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	for {
		run, err := f.a.engine.Runs.GetModuleRun(context.Background(), runID)
		if err != nil {
			return nil, err
		}
		if err := f.printLogs(run, ""); err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		if err := f.answer(ctx, run); err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			log.Warn().Str("run_id", runID).Msg("Interrupted, cancelling run")
			_, _ = f.a.engine.Runs.Cancel(context.Background(), runID, f.actor)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// followCascade polls an environment run and its children until it is terminal.
func (f *follower) followCascade(ctx context.Context, runID string) (*engine.EnvironmentRun, error) {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	for {
		children, err := f.a.engine.Cascades.ListModuleRuns(context.Background(), runID)
		if err != nil {
			return nil, err
		}
		for i := range children {
			child := &children[i]
			if err := f.printLogs(child, child.ModuleID); err != nil {
				return nil, err
			}
			if err := f.answer(ctx, child); err != nil {
				return nil, err
			}
		}

		run, err := f.a.engine.Cascades.GetEnvironmentRun(context.Background(), runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			final, err := f.a.engine.Cascades.Wait(context.Background(), runID)
			if err != nil {
				return nil, err
			}
			// Lines written after the last poll.
			children, err := f.a.engine.Cascades.ListModuleRuns(context.Background(), runID)
			if err != nil {
				return nil, err
			}
			for i := range children {
				if err := f.printLogs(&children[i], children[i].ModuleID); err != nil {
					return nil, err
				}
			}
			return final, nil
		}

		select {
		case <-ctx.Done():
			log.Warn().Str("run_id", runID).Msg("Interrupted, cancelling environment run")
			_, _ = f.a.engine.Cascades.Cancel(context.Background(), runID, f.actor)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *follower) printLogs(run *engine.ModuleRun, prefix string) error {
	if !f.showLogs {
		return nil
	}
	for {
		lines, err := f.a.engine.Runs.ListLogs(context.Background(), run.ID, f.cursors[run.ID], engine.DefaultLogPageSize)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if prefix != "" {
				fmt.Fprintf(f.out, "[%s] %s\n", prefix, line.Content)
			} else {
				fmt.Fprintln(f.out, line.Content)
			}
			f.cursors[run.ID] = line.Sequence
		}
		if len(lines) < engine.DefaultLogPageSize {
			return nil
		}
	}
}

// answer confirms or discards a planned run once.
func (f *follower) answer(ctx context.Context, run *engine.ModuleRun) error {
	if run.Status != engine.ModuleRunPlanned || f.answered[run.ID] {
		return nil
	}
	f.answered[run.ID] = true

	confirm := f.yes
	if !confirm {
		summary := "no plan summary"
		if run.PlanSummary != nil {
			summary = fmt.Sprintf("%d to add, %d to change, %d to destroy",
				run.PlanSummary.Add, run.PlanSummary.Change, run.PlanSummary.Destroy)
		}
		fmt.Fprintf(f.out, "\n%s/%s planned: %s\nApply these changes? [y/N] ", run.EnvironmentID, run.ModuleID, summary)
		reply, err := f.in.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		reply = strings.ToLower(strings.TrimSpace(reply))
		confirm = reply == "y" || reply == "yes"
	}

	if confirm {
		_, err := f.a.engine.Runs.Confirm(ctx, run.ID, f.actor)
		return ignoreTransition(err)
	}
	_, err := f.a.engine.Runs.Discard(ctx, run.ID, f.actor)
	return ignoreTransition(err)
}

// ignoreTransition tolerates runs that moved on while the user was answering.
func ignoreTransition(err error) error {
	var transition *engine.InvalidTransitionError
	if errors.As(err, &transition) {
		log.Warn().Err(err).Msg("Run changed state before the answer was applied")
		return nil
	}
	return err
}
