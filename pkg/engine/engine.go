package engine

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/envrun/pkg/telemetry"
)

// Options configures an Engine.
type Options struct {
	Repository Repository
	Executor   Executor

	// Locker is the module lock backend; nil means in-process locks.
	Locker ModuleLocker

	// Gate decides auto-confirm of planned runs; nil allows every auto-confirm.
	Gate PlanGate

	Telemetry *telemetry.Telemetry

	MaxParallel    int
	RunTimeout     time.Duration
	LockTTL        time.Duration
	LayeringPolicy LayeringPolicy
	BindingMode    BindingMode
}

// Engine wires the orchestration services together.
type Engine struct {
	Environments *EnvironmentService
	Runs         *ModuleRunService
	Cascades     *CascadeScheduler
	Locks        *LockManager
	Variables    *VariableResolver
	Graphs       *DAGBuilder

	telemetry *telemetry.Telemetry
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Repository == nil {
		return nil, errors.New("engine: repository is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("engine: executor is required")
	}
	if opts.LayeringPolicy == "" {
		opts.LayeringPolicy = LayeringLenient
	}
	if err := opts.LayeringPolicy.Validate(); err != nil {
		return nil, err
	}
	if opts.BindingMode == "" {
		opts.BindingMode = BindingReplace
	}
	if err := opts.BindingMode.Validate(); err != nil {
		return nil, err
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}

	graphs := NewDAGBuilder(opts.LayeringPolicy, tel.Logger.NewComponentLogger("graph"))
	locks := NewLockManager(opts.Repository, opts.Locker, opts.LockTTL, tel)
	resolver := NewVariableResolver(opts.Repository, opts.BindingMode, tel.Logger)
	runs := NewModuleRunService(opts.Repository, opts.Executor, locks, resolver, opts.Gate, opts.RunTimeout, tel)
	cascades := NewCascadeScheduler(opts.Repository, runs, locks, graphs, opts.MaxParallel, tel)
	environments := NewEnvironmentService(opts.Repository, graphs, runs, tel.Logger)

	return &Engine{
		Environments: environments,
		Runs:         runs,
		Cascades:     cascades,
		Locks:        locks,
		Variables:    resolver,
		Graphs:       graphs,
		telemetry:    tel,
	}, nil
}

// Recover closes runs left behind by a previous process.
func (e *Engine) Recover(ctx context.Context) error {
	if _, err := e.Runs.RecoverOrphans(ctx); err != nil {
		return err
	}
	_, err := e.Cascades.RecoverOrphans(ctx)
	return err
}

// Shutdown cancels cascades first, then aborts the remaining module runs.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.Cascades.Shutdown(ctx); err != nil {
		return err
	}
	return e.Runs.Shutdown(ctx)
}
