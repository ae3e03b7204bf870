package engine

import (
	"encoding/json"
	"fmt"
)

// ModuleRunStatus is the lifecycle state of one module run.
type ModuleRunStatus string

const (
	// ModuleRunPending indicates the run record exists but has not been queued.
	ModuleRunPending ModuleRunStatus = "pending"

	// ModuleRunQueued indicates the run is admitted and waiting for the executor.
	ModuleRunQueued ModuleRunStatus = "queued"

	// ModuleRunRunning indicates the executor is running the plan, destroy, or refresh phase.
	ModuleRunRunning ModuleRunStatus = "running"

	// ModuleRunPlanned indicates an apply run produced a plan and awaits confirmation.
	ModuleRunPlanned ModuleRunStatus = "planned"

	// ModuleRunConfirmed indicates the plan was confirmed and the apply phase is about to start.
	ModuleRunConfirmed ModuleRunStatus = "confirmed"

	// ModuleRunApplying indicates the executor is applying a confirmed plan.
	ModuleRunApplying ModuleRunStatus = "applying"

	// ModuleRunSucceeded indicates the operation completed with exit code 0.
	ModuleRunSucceeded ModuleRunStatus = "succeeded"

	// ModuleRunFailed indicates the executor failed or exited non-zero.
	ModuleRunFailed ModuleRunStatus = "failed"

	// ModuleRunCancelled indicates the run was cancelled before it could apply.
	ModuleRunCancelled ModuleRunStatus = "cancelled"

	// ModuleRunTimedOut indicates the run exceeded its time limit.
	ModuleRunTimedOut ModuleRunStatus = "timed_out"

	// ModuleRunDiscarded indicates a planned run was rejected by a user.
	ModuleRunDiscarded ModuleRunStatus = "discarded"

	// ModuleRunSkipped indicates the run was never executed because an upstream module did not succeed.
	ModuleRunSkipped ModuleRunStatus = "skipped"
)

// IsTerminal returns true if the status is final.
func (s ModuleRunStatus) IsTerminal() bool {
	switch s {
	case ModuleRunSucceeded, ModuleRunFailed, ModuleRunCancelled,
		ModuleRunTimedOut, ModuleRunDiscarded, ModuleRunSkipped:
		return true
	}
	return false
}

// IsActive returns true if the run holds its module lock.
func (s ModuleRunStatus) IsActive() bool {
	return s != "" && !s.IsTerminal()
}

// IsFailure returns true for terminal statuses that block downstream modules.
func (s ModuleRunStatus) IsFailure() bool {
	switch s {
	case ModuleRunFailed, ModuleRunTimedOut, ModuleRunCancelled, ModuleRunDiscarded:
		return true
	}
	return false
}

// Validate checks if the module run status is valid.
func (s ModuleRunStatus) Validate() error {
	switch s {
	case ModuleRunPending, ModuleRunQueued, ModuleRunRunning, ModuleRunPlanned,
		ModuleRunConfirmed, ModuleRunApplying, ModuleRunSucceeded, ModuleRunFailed,
		ModuleRunCancelled, ModuleRunTimedOut, ModuleRunDiscarded, ModuleRunSkipped:
		return nil
	default:
		return fmt.Errorf("invalid module run status: %s", s)
	}
}

// EnvironmentRunStatus is the aggregate state of a cascade.
type EnvironmentRunStatus string

const (
	// EnvironmentRunPending indicates the cascade is created but no layer has started.
	EnvironmentRunPending EnvironmentRunStatus = "pending"

	// EnvironmentRunRunning indicates at least one layer is in progress.
	EnvironmentRunRunning EnvironmentRunStatus = "running"

	// EnvironmentRunSucceeded indicates every module succeeded.
	EnvironmentRunSucceeded EnvironmentRunStatus = "succeeded"

	// EnvironmentRunPartialFailure indicates some modules succeeded and some failed or were skipped.
	EnvironmentRunPartialFailure EnvironmentRunStatus = "partial_failure"

	// EnvironmentRunFailed indicates no module succeeded.
	EnvironmentRunFailed EnvironmentRunStatus = "failed"

	// EnvironmentRunCancelled indicates the cascade was cancelled.
	EnvironmentRunCancelled EnvironmentRunStatus = "cancelled"
)

// IsTerminal returns true if the status is final.
func (s EnvironmentRunStatus) IsTerminal() bool {
	return s == EnvironmentRunSucceeded || s == EnvironmentRunPartialFailure ||
		s == EnvironmentRunFailed || s == EnvironmentRunCancelled
}

// Validate checks if the environment run status is valid.
func (s EnvironmentRunStatus) Validate() error {
	switch s {
	case EnvironmentRunPending, EnvironmentRunRunning, EnvironmentRunSucceeded,
		EnvironmentRunPartialFailure, EnvironmentRunFailed, EnvironmentRunCancelled:
		return nil
	default:
		return fmt.Errorf("invalid environment run status: %s", s)
	}
}

// Operation is the IaC operation a module run performs.
type Operation string

const (
	OperationPlan    Operation = "plan"
	OperationApply   Operation = "apply"
	OperationDestroy Operation = "destroy"
	OperationRefresh Operation = "refresh"
)

// RequiresConfirmation returns true for operations that stop at planned.
func (o Operation) RequiresConfirmation() bool {
	return o == OperationApply
}

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationPlan, OperationApply, OperationDestroy, OperationRefresh:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// CascadeOperation is the bulk operation of an environment run.
type CascadeOperation string

const (
	CascadePlanAll    CascadeOperation = "plan-all"
	CascadeApplyAll   CascadeOperation = "apply-all"
	CascadeDestroyAll CascadeOperation = "destroy-all"
)

// ModuleOperation returns the per-module operation a cascade creates.
func (o CascadeOperation) ModuleOperation() Operation {
	switch o {
	case CascadeApplyAll:
		return OperationApply
	case CascadeDestroyAll:
		return OperationDestroy
	default:
		return OperationPlan
	}
}

// Validate checks if the cascade operation is valid.
func (o CascadeOperation) Validate() error {
	switch o {
	case CascadePlanAll, CascadeApplyAll, CascadeDestroyAll:
		return nil
	default:
		return fmt.Errorf("invalid cascade operation: %s", o)
	}
}

// TriggerSource records what started a run.
type TriggerSource string

const (
	TriggerManual       TriggerSource = "manual"
	TriggerModuleUpdate TriggerSource = "module_update"
	TriggerAPI          TriggerSource = "api"
	TriggerEnvRun       TriggerSource = "env_run"
	TriggerSchedule     TriggerSource = "schedule"
)

// Validate checks if the trigger source is valid.
func (t TriggerSource) Validate() error {
	switch t {
	case TriggerManual, TriggerModuleUpdate, TriggerAPI, TriggerEnvRun, TriggerSchedule:
		return nil
	default:
		return fmt.Errorf("invalid trigger source: %s", t)
	}
}

// RunPriority distinguishes user-requested runs from cascade children.
type RunPriority string

const (
	PriorityUser    RunPriority = "user"
	PriorityCascade RunPriority = "cascade"
)

// ExecutionMode is passed through to the executor.
type ExecutionMode string

const (
	ExecutionModeBYOC  ExecutionMode = "byoc"
	ExecutionModePeaaS ExecutionMode = "peaas"
)

// Validate checks if the execution mode is valid.
func (m ExecutionMode) Validate() error {
	switch m {
	case ExecutionModeBYOC, ExecutionModePeaaS:
		return nil
	default:
		return fmt.Errorf("invalid execution mode: %s", m)
	}
}

// EnvironmentStatus is the administrative status of an environment.
type EnvironmentStatus string

const (
	EnvironmentActive   EnvironmentStatus = "active"
	EnvironmentPaused   EnvironmentStatus = "paused"
	EnvironmentArchived EnvironmentStatus = "archived"
)

// Validate checks if the environment status is valid.
func (s EnvironmentStatus) Validate() error {
	switch s {
	case EnvironmentActive, EnvironmentPaused, EnvironmentArchived:
		return nil
	default:
		return fmt.Errorf("invalid environment status: %s", s)
	}
}

// DriftStatus is the last known drift state of a module.
type DriftStatus string

const (
	DriftUnknown  DriftStatus = "unknown"
	DriftInSync   DriftStatus = "in_sync"
	DriftDrifted  DriftStatus = "drifted"
	DriftChecking DriftStatus = "checking"
)

// VariableCategory separates Terraform input variables from process environment variables.
type VariableCategory string

const (
	CategoryTerraform VariableCategory = "terraform"
	CategoryEnv       VariableCategory = "env"
)

// Validate checks if the variable category is valid.
func (c VariableCategory) Validate() error {
	switch c {
	case CategoryTerraform, CategoryEnv:
		return nil
	default:
		return fmt.Errorf("invalid variable category: %s", c)
	}
}

// rank orders categories in resolved output.
func (c VariableCategory) rank() int {
	if c == CategoryTerraform {
		return 0
	}
	return 1
}

// SourceKind is the kind of a bound variable source.
type SourceKind string

const (
	SourceVariableSet      SourceKind = "variable_set"
	SourceCloudIntegration SourceKind = "cloud_integration"
)

// Validate checks if the source kind is valid.
func (k SourceKind) Validate() error {
	switch k {
	case SourceVariableSet, SourceCloudIntegration:
		return nil
	default:
		return fmt.Errorf("invalid variable source kind: %s", k)
	}
}

// MarshalJSON implements json.Marshaler for ModuleRunStatus.
func (s ModuleRunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for ModuleRunStatus.
func (s *ModuleRunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := ModuleRunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Operation.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	op := Operation(str)
	if err := op.Validate(); err != nil {
		return err
	}
	*o = op
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for CascadeOperation.
func (o *CascadeOperation) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	op := CascadeOperation(str)
	if err := op.Validate(); err != nil {
		return err
	}
	*o = op
	return nil
}
