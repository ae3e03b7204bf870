package engine

import (
	"time"
)

// Actor identifies who requested an operation. It travels with every
// mutating call; the engine never reads identity from ambient state.
type Actor struct {
	// UserID is the requesting user, or "system" for scheduled work.
	UserID string `json:"user_id"`

	// TeamID is the team the request is made on behalf of.
	TeamID string `json:"team_id,omitempty"`
}

// SystemActor is the actor recorded for scheduler-initiated runs.
var SystemActor = Actor{UserID: "system"}

// Environment is a named container of modules that are operated on together.
type Environment struct {
	// ID is the unique identifier for this environment.
	ID string `json:"id"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// TeamID is the owning team.
	TeamID string `json:"team_id"`

	// Status is the administrative status; only active environments accept runs.
	Status EnvironmentStatus `json:"status"`

	// Locked blocks every new run until cleared by unlock.
	Locked bool `json:"locked"`

	// LockedBy is the user that locked the environment.
	LockedBy string `json:"locked_by,omitempty"`

	// LockReason is the free-form reason given when locking.
	LockReason string `json:"lock_reason,omitempty"`

	// LockedAt is when the lock was taken.
	LockedAt *time.Time `json:"locked_at,omitempty"`

	// ModuleCount is the number of modules in the environment.
	ModuleCount int `json:"module_count"`

	// TotalResources is the sum of module resource counts.
	TotalResources int `json:"total_resources"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastRunSummary is the denormalized result of a module's most recent terminal run.
type LastRunSummary struct {
	RunID      string          `json:"run_id"`
	Status     ModuleRunStatus `json:"status"`
	Operation  Operation       `json:"operation"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// EnvironmentModule is one versioned IaC artifact placed in an environment.
type EnvironmentModule struct {
	// ID is unique within the environment.
	ID string `json:"id"`

	// EnvironmentID is the owning environment.
	EnvironmentID string `json:"environment_id"`

	// Name is the human-readable module name.
	Name string `json:"name"`

	// ArtifactNamespace and ArtifactName reference the registry artifact.
	ArtifactNamespace string `json:"artifact_namespace"`
	ArtifactName      string `json:"artifact_name"`

	// ExecutionMode is passed through to the executor.
	ExecutionMode ExecutionMode `json:"execution_mode"`

	// CurrentVersion is the latest version deployed or requested.
	CurrentVersion string `json:"current_version"`

	// PinnedVersion fixes the version; empty means floating.
	PinnedVersion string `json:"pinned_version,omitempty"`

	// DriftStatus is the last known drift state.
	DriftStatus DriftStatus `json:"drift_status"`

	// ResourceCount is the number of resources the module manages.
	ResourceCount int `json:"resource_count"`

	// WorkingDir is the executor working directory for this module.
	WorkingDir string `json:"working_dir,omitempty"`

	// BackendConfig is opaque state-backend configuration for the executor.
	BackendConfig map[string]string `json:"backend_config,omitempty"`

	// LastRun summarizes the most recent terminal run.
	LastRun *LastRunSummary `json:"last_run,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveVersion returns the version a run should use when none is requested.
func (m *EnvironmentModule) EffectiveVersion() string {
	if m.PinnedVersion != "" {
		return m.PinnedVersion
	}
	return m.CurrentVersion
}

// OutputMapping wires an upstream output into a downstream input variable.
type OutputMapping struct {
	UpstreamOutput     string `json:"upstream_output"`
	DownstreamVariable string `json:"downstream_variable"`
}

// ModuleDependency is a directed edge: ModuleID depends on DependsOnID.
type ModuleDependency struct {
	EnvironmentID string `json:"environment_id"`

	// ModuleID is the dependent (downstream) module.
	ModuleID string `json:"module_id"`

	// DependsOnID is the dependency (upstream) module.
	DependsOnID string `json:"depends_on_id"`

	// OutputMappings lists outputs of DependsOnID fed into ModuleID.
	OutputMappings []OutputMapping `json:"output_mappings,omitempty"`
}

// PlanSummary counts the resource changes of a plan.
type PlanSummary struct {
	Add     int `json:"add"`
	Change  int `json:"change"`
	Destroy int `json:"destroy"`
}

// HasChanges returns true if the plan changes anything.
func (p PlanSummary) HasChanges() bool {
	return p.Add+p.Change+p.Destroy > 0
}

// ModuleRun is one attempt of one operation against one module.
type ModuleRun struct {
	ID            string `json:"id"`
	EnvironmentID string `json:"environment_id"`
	ModuleID      string `json:"module_id"`

	// EnvironmentRunID is set when the run belongs to a cascade.
	EnvironmentRunID string `json:"environment_run_id,omitempty"`

	Operation     Operation       `json:"operation"`
	Status        ModuleRunStatus `json:"status"`
	TriggerSource TriggerSource   `json:"trigger_source"`
	Priority      RunPriority     `json:"priority"`

	// QueuePosition is the run's position within its cascade layer walk, 0 for standalone runs.
	QueuePosition int `json:"queue_position"`

	// ModuleVersion is the artifact version the run executes.
	ModuleVersion string `json:"module_version"`

	// AutoConfirm confirms a planned apply without a user, subject to the
	// plan policy gate. An auto-confirmed destroy is checked against the gate
	// at admission.
	AutoConfirm bool `json:"auto_confirm"`

	PlanSummary *PlanSummary `json:"plan_summary,omitempty"`
	PlanOutput  string       `json:"plan_output,omitempty"`

	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// SkipReason names the upstream module whose outcome caused a skip.
	SkipReason string `json:"skip_reason,omitempty"`

	// CallbackToken authenticates executor callbacks for this run.
	CallbackToken string `json:"-"`

	// TriggeredBy is the requesting user.
	TriggeredBy string `json:"triggered_by"`

	// ConfirmedBy is the user that confirmed or discarded the plan.
	ConfirmedBy string `json:"confirmed_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	PlannedAt   *time.Time `json:"planned_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EnvironmentRun is one bulk operation over an environment.
type EnvironmentRun struct {
	ID            string               `json:"id"`
	EnvironmentID string               `json:"environment_id"`
	Operation     CascadeOperation     `json:"operation"`
	Status        EnvironmentRunStatus `json:"status"`

	// ExecutionOrder is the flattened layer order snapshotted at start.
	ExecutionOrder []string `json:"execution_order"`

	// Layers is the topological layering snapshotted at start.
	Layers [][]string `json:"layers"`

	TotalModules int `json:"total_modules"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`

	AutoConfirm   bool          `json:"auto_confirm"`
	TriggerSource TriggerSource `json:"trigger_source"`
	TriggeredBy   string        `json:"triggered_by"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SourceVariable is one key/value held by a variable source.
type SourceVariable struct {
	Key       string           `json:"key"`
	Value     string           `json:"value"`
	Category  VariableCategory `json:"category"`
	Sensitive bool             `json:"sensitive"`
}

// VariableSource is a reusable variable set or a cloud integration's credentials.
type VariableSource struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Kind      SourceKind       `json:"kind"`
	TeamID    string           `json:"team_id"`
	Variables []SourceVariable `json:"variables"`
}

// VariableBinding attaches a source to an environment, or to one module when ModuleID is set.
type VariableBinding struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environment_id"`
	ModuleID      string     `json:"module_id,omitempty"`
	SourceID      string     `json:"source_id"`
	Kind          SourceKind `json:"kind"`

	// Priority orders bindings of the same kind; higher wins.
	Priority int `json:"priority"`
}

// ModuleVariable is a variable set directly on a module.
type ModuleVariable struct {
	ID            string           `json:"id"`
	EnvironmentID string           `json:"environment_id"`
	ModuleID      string           `json:"module_id"`
	Key           string           `json:"key"`
	Value         string           `json:"value"`
	Category      VariableCategory `json:"category"`
	Sensitive     bool             `json:"sensitive"`
}

// ResolvedVariable is the effective value of one key for one module.
// It is computed per request and never stored.
type ResolvedVariable struct {
	Key string `json:"key"`

	// Value is empty for sensitive variables in redacted projections.
	Value string `json:"value,omitempty"`

	// Source is "cloud-integration:<id>", "variable-set:<id>", "module:<id>", or "output:<module>.<output>".
	Source string `json:"source"`

	Sensitive bool             `json:"sensitive"`
	Category  VariableCategory `json:"category"`

	// Output is set for variables fed by an upstream module output. The
	// executor reads the output; Value then holds the overridden lower
	// layer's value, if any.
	Output *OutputRef `json:"output,omitempty"`
}

// OutputRef names an upstream module output.
type OutputRef struct {
	ModuleID string `json:"module_id"`
	Name     string `json:"name"`

	// Overrides is true when a variable set or cloud integration also sets
	// the key. Its value is the fallback when the output cannot be read.
	Overrides bool `json:"overrides,omitempty"`
}

// Log line streams. Lines written by the run service itself go to stderr.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogLine is one line of executor output.
type LogLine struct {
	RunID string `json:"run_id"`

	// Sequence is strictly increasing per run, starting at 1.
	Sequence int64 `json:"sequence"`

	// Stream is StreamStdout or StreamStderr.
	Stream string `json:"stream"`

	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records an administrative action.
type AuditEntry struct {
	ID         string                 `json:"id"`
	Action     string                 `json:"action"`
	Actor      string                 `json:"actor"`
	TargetType string                 `json:"target_type"`
	TargetID   string                 `json:"target_id"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Audit actions.
const (
	AuditEnvironmentLocked   = "environment.lock"
	AuditEnvironmentUnlocked = "environment.unlock"
	AuditModuleForceUnlocked = "module.force_unlock"
	AuditRunConfirmed        = "module_run.confirm"
	AuditRunDiscarded        = "module_run.discard"
	AuditRunCancelled        = "module_run.cancel"
	AuditCascadeCancelled    = "environment_run.cancel"
)

// Executor phases.
const (
	PhasePlan    = "plan"
	PhaseApply   = "apply"
	PhaseDestroy = "destroy"
	PhaseRefresh = "refresh"
)

// RunDescriptor is everything an executor needs for one phase of one run.
type RunDescriptor struct {
	RunID         string        `json:"run_id"`
	EnvironmentID string        `json:"environment_id"`
	ModuleID      string        `json:"module_id"`
	Operation     Operation     `json:"operation"`
	Phase         string        `json:"phase"`
	ModuleVersion string        `json:"module_version"`
	ExecutionMode ExecutionMode `json:"execution_mode"`

	ArtifactNamespace string `json:"artifact_namespace"`
	ArtifactName      string `json:"artifact_name"`

	WorkingDir    string            `json:"working_dir,omitempty"`
	BackendConfig map[string]string `json:"backend_config,omitempty"`

	// UpstreamDirs maps each module referenced by a variable's Output to its
	// configured working directory, empty for the default layout.
	UpstreamDirs map[string]string `json:"upstream_dirs,omitempty"`

	// Variables are unredacted; descriptors must never be logged or persisted.
	Variables []ResolvedVariable `json:"-"`

	// PlanOutput is the saved plan handed to the apply phase.
	PlanOutput string `json:"-"`

	CallbackToken string `json:"-"`
}

// ExecutionResult is the executor's report for one phase.
type ExecutionResult struct {
	ExitCode    int          `json:"exit_code"`
	PlanSummary *PlanSummary `json:"plan_summary,omitempty"`

	// PlanOutput is the rendered or saved plan.
	PlanOutput string `json:"plan_output,omitempty"`

	// ResourceCount is the module's resource count after the phase, -1 when unknown.
	ResourceCount int `json:"resource_count"`
}

// GraphNode is one module in the environment graph view.
type GraphNode struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	ArtifactName  string          `json:"artifact_name"`
	Status        DriftStatus     `json:"status"`
	LastRunStatus ModuleRunStatus `json:"last_run_status,omitempty"`
	ResourceCount int             `json:"resource_count"`
	Layer         int             `json:"layer"`
}

// GraphEdge points from a dependency to its dependent.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GraphView is the visualization projection of an environment.
type GraphView struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}
