package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newLockCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "lock <environment>",
		Short: "Lock an environment",
		Long: `Lock an environment so that no new module or environment run is admitted.

Runs already in progress are not affected. The lock is recorded with the
acting user and reason, and written to the audit log.`,
		Example: `  envrun lock prod --reason "change freeze"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, appOptions{}, func(a *app) error {
				env, err := a.engine.Locks.LockEnvironment(ctx, args[0], currentActor(), reason)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(env)
				}
				fmt.Printf("Environment %s locked by %s\n", env.ID, env.LockedBy)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the environment is locked")

	return cmd
}

func newUnlockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock <environment>",
		Short: "Unlock an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, appOptions{}, func(a *app) error {
				env, err := a.engine.Locks.UnlockEnvironment(ctx, args[0], currentActor())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(env)
				}
				fmt.Printf("Environment %s unlocked\n", env.ID)
				return nil
			})
		},
	}

	return cmd
}

func newForceUnlockCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "force-unlock <environment> <module>",
		Short: "Clear a module execution lock",
		Long: `Clear a module's execution lock without waiting for the holding run.

Use this when a run died without releasing its lock. The action is written
to the audit log. Module locks live in the configured lock backend, so with
the in-process memory backend this only affects locks held by this process;
use the redis backend (or the API of the running server) for shared locks.`,
		Example: `  envrun force-unlock prod eks --reason "runner crashed"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, appOptions{}, func(a *app) error {
				if a.cfg.Locks.Backend != "redis" {
					log.Warn().Msg("Memory lock backend: locks held by other processes are not visible here")
				}
				holder, err := a.engine.Locks.ForceUnlock(ctx, args[0], args[1], currentActor(), reason)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]string{"environment_id": args[0], "module_id": args[1], "previous_holder": holder})
				}
				if holder == "" {
					fmt.Printf("Module %s/%s was not locked\n", args[0], args[1])
					return nil
				}
				fmt.Printf("Module %s/%s unlocked (was held by run %s)\n", args[0], args[1], holder)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the lock is cleared")

	return cmd
}
