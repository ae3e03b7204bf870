package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/envrun/pkg/config"
	"github.com/openfroyo/envrun/pkg/engine"
	"github.com/openfroyo/envrun/pkg/executor"
	"github.com/openfroyo/envrun/pkg/locks"
	"github.com/openfroyo/envrun/pkg/policy"
	"github.com/openfroyo/envrun/pkg/stores"
	"github.com/openfroyo/envrun/pkg/telemetry"
)

// appOptions selects how much of the service a command needs.
type appOptions struct {
	// server keeps the configured telemetry (tracing, metrics, log output).
	server bool

	// dryRun forces the simulated executor.
	dryRun bool

	// watchPolicies hot-reloads policy files when policy.watch is set.
	watchPolicies bool
}

// app is the wired service shared by every command.
type app struct {
	cfg    *config.ServiceConfig
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	policy *policy.Engine
	engine *engine.Engine

	closers []func() error
}

func loadConfig() (*config.ServiceConfig, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	return config.LoadServiceConfig(configPath)
}

func newApp(ctx context.Context, opts appOptions) (a *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.dryRun {
		cfg.Executor.DryRun = true
	}

	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	telCfg := cfg.Telemetry
	if !opts.server {
		// Keep stdout for command output.
		telCfg.Logging.Output = "stderr"
		telCfg.Tracing.Enabled = false
		telCfg.Metrics.Enabled = false
	}
	a.tel, err = telemetry.NewTelemetry(&telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.tel.Shutdown(shutdownCtx)
	})

	a.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	var locker engine.ModuleLocker
	switch cfg.Locks.Backend {
	case "redis":
		rl, err := locks.NewRedisLocker(locks.RedisConfig{
			Addr:     cfg.Locks.Redis.Addr,
			Password: cfg.Locks.Redis.Password,
			DB:       cfg.Locks.Redis.DB,
			Prefix:   cfg.Locks.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rl.Close)
		locker = rl
	default:
		locker = locks.NewMemoryLocker()
	}

	var gate engine.PlanGate
	if cfg.Policy.Enabled {
		a.policy, err = policy.NewEngine(a.tel.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.policy.Close)
		if len(cfg.Policy.Paths) > 0 {
			if err := a.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return nil, err
			}
			if opts.watchPolicies && cfg.Policy.Watch {
				if err := a.policy.Watch(ctx, cfg.Policy.Paths); err != nil {
					return nil, fmt.Errorf("failed to watch policies: %w", err)
				}
			}
		}
		gate = a.policy
	}

	a.engine, err = engine.New(engine.Options{
		Repository:     a.store,
		Executor:       newExecutor(cfg.Executor, a.tel.Logger),
		Locker:         locker,
		Gate:           gate,
		Telemetry:      a.tel,
		MaxParallel:    cfg.Scheduler.MaxParallel,
		RunTimeout:     cfg.Scheduler.RunTimeout,
		LockTTL:        cfg.Locks.TTL,
		LayeringPolicy: engine.LayeringPolicy(cfg.Scheduler.LayeringPolicy),
		BindingMode:    engine.BindingMode(cfg.Variables.BindingMode),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newExecutor(cfg config.ExecutorConfig, logger *telemetry.Logger) engine.Executor {
	if cfg.DryRun {
		log.Debug().Msg("Using dry-run executor")
		return executor.NewDryRunExecutor(executor.DryRunConfig{
			Delay: 200 * time.Millisecond,
		})
	}
	return executor.NewProcessExecutor(executor.ProcessConfig{
		Binary:    cfg.Binary,
		WorkRoot:  cfg.WorkRoot,
		KillGrace: cfg.KillGrace,
		SkipInit:  cfg.SkipInit,
	}, logger)
}

// shutdown stops the engine and releases every resource.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
		}
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp runs fn against a freshly wired app and shuts it down afterwards.
func withApp(ctx context.Context, opts appOptions, fn func(*app) error) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	runErr := fn(a)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
	return runErr
}

// currentActor is the user recorded for CLI actions.
func currentActor() engine.Actor {
	id := actorID
	if id == "" {
		id = os.Getenv("USER")
	}
	if id == "" {
		id = "cli"
	}
	return engine.Actor{UserID: id, TeamID: teamID}
}
