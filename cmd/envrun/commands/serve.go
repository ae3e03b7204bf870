package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/envrun/pkg/api"
	"github.com/openfroyo/envrun/pkg/schedule"
)

func newServeCommand(version string) *cobra.Command {
	var (
		addr   string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the envrun API server",
		Long: `Run the envrun HTTP API together with the run engine and the cron scheduler.

On start the server:
  - Applies pending database migrations
  - Closes runs orphaned by a previous process
  - Loads plan policies (and watches them when policy.watch is set)
  - Registers configured schedules

SIGINT/SIGTERM stops accepting requests, stops the scheduler and aborts
active runs before exiting.`,
		Example: `  # Serve with the config file
  envrun serve --config envrun.yaml

  # Serve on another address with the simulated executor
  envrun serve --addr :9090 --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{server: true, dryRun: dryRun, watchPolicies: true})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := a.shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if addr != "" {
				a.cfg.Server.Addr = addr
			}

			if err := a.engine.Recover(ctx); err != nil {
				return fmt.Errorf("failed to recover runs: %w", err)
			}

			auth := api.NewAuthenticator(a.cfg.Server.JWTSecret, a.cfg.Server.JWTIssuer)
			if !auth.Enabled() {
				log.Warn().Msg("No JWT secret configured, API authentication is disabled")
			}

			srv, err := api.NewServer(api.Options{
				Engine:         a.engine,
				Telemetry:      a.tel,
				Auth:           auth,
				Health:         a.store,
				AllowedOrigins: a.cfg.Server.AllowedOrigins,
				MetricsPath:    a.cfg.Telemetry.Metrics.Path,
			})
			if err != nil {
				return err
			}

			sched := schedule.New(a.engine.Cascades, a.tel)
			if err := sched.Load(a.cfg.Schedules); err != nil {
				return err
			}
			sched.Start()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
				defer cancel()
				_ = sched.Stop(stopCtx)
			}()

			log.Info().
				Str("addr", a.cfg.Server.Addr).
				Str("store", a.cfg.Store.Path).
				Str("locks", a.cfg.Locks.Backend).
				Bool("dry_run", a.cfg.Executor.DryRun).
				Str("version", version).
				Msg("Starting envrun server")

			return srv.ListenAndServe(ctx, a.cfg.Server.Addr, a.cfg.Server.ShutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate executions instead of running tofu/terraform")

	return cmd
}
