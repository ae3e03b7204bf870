package engine

import (
	"context"
	"time"

	"github.com/openfroyo/envrun/pkg/telemetry"
)

// EnvironmentStore persists environments, modules, and dependency edges.
type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	UpdateEnvironment(ctx context.Context, env *Environment) error
	ListEnvironments(ctx context.Context) ([]Environment, error)

	// DeleteEnvironment removes the environment with its modules, edges, and bindings.
	DeleteEnvironment(ctx context.Context, id string) error

	CreateModule(ctx context.Context, module *EnvironmentModule) error
	GetModule(ctx context.Context, environmentID, moduleID string) (*EnvironmentModule, error)
	ListModules(ctx context.Context, environmentID string) ([]EnvironmentModule, error)
	UpdateModule(ctx context.Context, module *EnvironmentModule) error

	// DeleteModule removes the module and every edge referencing it.
	DeleteModule(ctx context.Context, environmentID, moduleID string) error

	ListDependencies(ctx context.Context, environmentID string) ([]ModuleDependency, error)
	CreateDependency(ctx context.Context, dep *ModuleDependency) error
	DeleteDependency(ctx context.Context, environmentID, moduleID, dependsOnID string) error
}

// VariableStore persists variable sources, bindings, and module variables.
type VariableStore interface {
	CreateVariableSource(ctx context.Context, source *VariableSource) error
	GetVariableSource(ctx context.Context, id string) (*VariableSource, error)

	CreateBinding(ctx context.Context, binding *VariableBinding) error

	// ListBindings returns environment-level and module-level bindings of an environment.
	ListBindings(ctx context.Context, environmentID string) ([]VariableBinding, error)

	SetModuleVariable(ctx context.Context, variable *ModuleVariable) error
	ListModuleVariables(ctx context.Context, environmentID, moduleID string) ([]ModuleVariable, error)
}

// RunStore persists module runs, environment runs, and run logs.
type RunStore interface {
	CreateModuleRun(ctx context.Context, run *ModuleRun) error
	GetModuleRun(ctx context.Context, id string) (*ModuleRun, error)
	UpdateModuleRun(ctx context.Context, run *ModuleRun) error
	ListModuleRunsByEnvironmentRun(ctx context.Context, environmentRunID string) ([]ModuleRun, error)

	// ListActiveModuleRuns returns non-terminal runs of an environment, or of
	// every environment when environmentID is empty.
	ListActiveModuleRuns(ctx context.Context, environmentID string) ([]ModuleRun, error)

	CreateEnvironmentRun(ctx context.Context, run *EnvironmentRun) error
	GetEnvironmentRun(ctx context.Context, id string) (*EnvironmentRun, error)
	UpdateEnvironmentRun(ctx context.Context, run *EnvironmentRun) error
	ListEnvironmentRuns(ctx context.Context, environmentID string, limit int) ([]EnvironmentRun, error)

	AppendLogLine(ctx context.Context, line *LogLine) error

	// ListLogLines returns lines with Sequence > after, ascending, at most limit.
	ListLogLines(ctx context.Context, runID string, after int64, limit int) ([]LogLine, error)
}

// AuditStore records administrative actions.
type AuditStore interface {
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
}

// Repository is the full persistence surface the engine needs.
type Repository interface {
	EnvironmentStore
	VariableStore
	RunStore
	AuditStore
}

// LogWriter receives executor output for one run.
type LogWriter interface {
	// WriteLine records one line. Stream is "stdout" or "stderr".
	WriteLine(stream, content string)
}

// Executor runs one phase of a module run. It is the only long-blocking
// call in the engine and must return promptly when ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, desc *RunDescriptor, logs LogWriter) (*ExecutionResult, error)
}

// ModuleLocker is the backend for per-module execution locks.
type ModuleLocker interface {
	// Acquire takes the lock for runID. It returns held=false and the
	// current holder when another run owns it.
	Acquire(ctx context.Context, moduleKey, runID string, ttl time.Duration) (held bool, holder string, err error)

	// Refresh extends the lock to ttl if runID still owns it. It reports
	// whether runID still holds the lock.
	Refresh(ctx context.Context, moduleKey, runID string, ttl time.Duration) (bool, error)

	// Release drops the lock if runID still owns it.
	Release(ctx context.Context, moduleKey, runID string) error

	// ForceRelease drops the lock regardless of owner and returns the previous holder.
	ForceRelease(ctx context.Context, moduleKey string) (holder string, err error)

	// Holder returns the current holder, or "" when unlocked.
	Holder(ctx context.Context, moduleKey string) (string, error)
}

// PlanInput is the document evaluated by the auto-confirm gate.
type PlanInput struct {
	EnvironmentID    string      `json:"environment_id"`
	EnvironmentName  string      `json:"environment_name"`
	ModuleID         string      `json:"module_id"`
	ArtifactName     string      `json:"artifact_name"`
	Operation        Operation   `json:"operation"`
	ModuleVersion    string      `json:"module_version"`
	PlanSummary      PlanSummary `json:"plan_summary"`
	TriggerSource    string      `json:"trigger_source"`
	EnvironmentRunID string      `json:"environment_run_id,omitempty"`
}

// PlanGate decides whether a planned run may be confirmed without a user.
type PlanGate interface {
	// AllowAutoConfirm returns allowed=false and the denial reasons when a policy objects.
	AllowAutoConfirm(ctx context.Context, input *PlanInput) (allowed bool, reasons []string, err error)
}

// EventPublisher receives run events for streaming.
type EventPublisher interface {
	Publish(event telemetry.Event) error
}
