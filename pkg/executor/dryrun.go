package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/envrun/pkg/engine"
)

// DryRunConfig configures simulated outcomes.
type DryRunConfig struct {
	// Delay is how long each phase pretends to work.
	Delay time.Duration

	// Plan is the summary reported by every plan phase.
	Plan engine.PlanSummary

	// ResourceCount is reported after apply and refresh.
	ResourceCount int

	// Failures maps "module" or "module/phase" to a non-zero exit code.
	Failures map[string]int
}

// DryRunExecutor simulates plan/apply/destroy/refresh without side effects.
type DryRunExecutor struct {
	cfg DryRunConfig

	mu    sync.Mutex
	calls []string
}

var _ engine.Executor = (*DryRunExecutor)(nil)

// NewDryRunExecutor creates a simulated executor.
func NewDryRunExecutor(cfg DryRunConfig) *DryRunExecutor {
	return &DryRunExecutor{cfg: cfg}
}

// Execute writes a short transcript for the phase and reports the configured outcome.
func (e *DryRunExecutor) Execute(ctx context.Context, desc *engine.RunDescriptor, logs engine.LogWriter) (*engine.ExecutionResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, desc.ModuleID+"/"+desc.Phase)
	e.mu.Unlock()

	logs.WriteLine("stdout", fmt.Sprintf("[dry-run] %s %s@%s (%s)", desc.Phase, desc.ModuleID, desc.ModuleVersion, desc.ExecutionMode))
	logs.WriteLine("stdout", fmt.Sprintf("[dry-run] %d input variables", len(desc.Variables)))

	if e.cfg.Delay > 0 {
		timer := time.NewTimer(e.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if code := e.failure(desc.ModuleID, desc.Phase); code != 0 {
		logs.WriteLine("stderr", fmt.Sprintf("[dry-run] simulated failure with exit code %d", code))
		return &engine.ExecutionResult{ExitCode: code, ResourceCount: -1}, nil
	}

	result := &engine.ExecutionResult{ResourceCount: -1}
	switch desc.Phase {
	case engine.PhasePlan:
		plan := e.cfg.Plan
		result.PlanSummary = &plan
		result.PlanOutput = fmt.Sprintf("dry-run-plan:%s", desc.RunID)
		logs.WriteLine("stdout", fmt.Sprintf("Plan: %d to add, %d to change, %d to destroy.", plan.Add, plan.Change, plan.Destroy))
	case engine.PhaseApply, engine.PhaseRefresh:
		result.ResourceCount = e.cfg.ResourceCount
		logs.WriteLine("stdout", fmt.Sprintf("%s complete! Resources: %d.", capitalize(desc.Phase), e.cfg.ResourceCount))
	case engine.PhaseDestroy:
		result.ResourceCount = 0
		logs.WriteLine("stdout", "Destroy complete!")
	default:
		return nil, fmt.Errorf("unknown phase %q", desc.Phase)
	}
	return result, nil
}

// Calls returns the "module/phase" keys executed so far.
func (e *DryRunExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *DryRunExecutor) failure(moduleID, phase string) int {
	if code, ok := e.cfg.Failures[moduleID+"/"+phase]; ok {
		return code
	}
	return e.cfg.Failures[moduleID]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
