package engine

import (
	"testing"
)

func runsWith(statuses ...ModuleRunStatus) []ModuleRun {
	runs := make([]ModuleRun, len(statuses))
	for i, s := range statuses {
		runs[i] = ModuleRun{ModuleID: string(rune('a' + i)), Status: s}
	}
	return runs
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		runs      []ModuleRun
		cancelled bool
		expected  Aggregation
	}{
		{
			name:     "all succeeded",
			total:    3,
			runs:     runsWith(ModuleRunSucceeded, ModuleRunSucceeded, ModuleRunSucceeded),
			expected: Aggregation{Completed: 3, Done: true, Status: EnvironmentRunSucceeded},
		},
		{
			name:     "one succeeded one failed one skipped",
			total:    3,
			runs:     runsWith(ModuleRunSucceeded, ModuleRunFailed, ModuleRunSkipped),
			expected: Aggregation{Completed: 1, Failed: 1, Skipped: 1, Done: true, Status: EnvironmentRunPartialFailure},
		},
		{
			name:     "nothing succeeded",
			total:    2,
			runs:     runsWith(ModuleRunFailed, ModuleRunSkipped),
			expected: Aggregation{Failed: 1, Skipped: 1, Done: true, Status: EnvironmentRunFailed},
		},
		{
			name:     "timed out and discarded count as failed",
			total:    3,
			runs:     runsWith(ModuleRunTimedOut, ModuleRunDiscarded, ModuleRunSucceeded),
			expected: Aggregation{Completed: 1, Failed: 2, Done: true, Status: EnvironmentRunPartialFailure},
		},
		{
			name:     "in-flight runs do not count",
			total:    3,
			runs:     runsWith(ModuleRunSucceeded, ModuleRunApplying),
			expected: Aggregation{Completed: 1, Status: EnvironmentRunRunning},
		},
		{
			name:      "cancelled before completion stays running",
			total:     3,
			runs:      runsWith(ModuleRunSucceeded, ModuleRunCancelled),
			cancelled: true,
			expected:  Aggregation{Completed: 1, Failed: 1, Status: EnvironmentRunRunning},
		},
		{
			name:      "cancelled and done",
			total:     2,
			runs:      runsWith(ModuleRunSucceeded, ModuleRunCancelled),
			cancelled: true,
			expected:  Aggregation{Completed: 1, Failed: 1, Done: true, Status: EnvironmentRunCancelled},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.total, tt.runs, tt.cancelled)
			if got != tt.expected {
				t.Errorf("Expected %+v, got %+v", tt.expected, got)
			}
			if got.Completed+got.Failed+got.Skipped > tt.total {
				t.Errorf("Counters exceed total modules: %+v", got)
			}
		})
	}
}

func TestAggregate_Idempotent(t *testing.T) {
	runs := runsWith(ModuleRunSucceeded, ModuleRunFailed, ModuleRunSkipped, ModuleRunSucceeded)

	first := Aggregate(4, runs, false)
	second := Aggregate(4, runs, false)
	if first != second {
		t.Errorf("Expected identical projections, got %+v and %+v", first, second)
	}

	reversed := []ModuleRun{runs[3], runs[2], runs[1], runs[0]}
	if third := Aggregate(4, reversed, false); third != first {
		t.Errorf("Expected order-independent projection, got %+v and %+v", first, third)
	}
	if runs[1].Status != ModuleRunFailed {
		t.Error("Expected input runs to be left untouched")
	}
}

func TestAggregation_ApplyTo(t *testing.T) {
	run := &EnvironmentRun{Status: EnvironmentRunPending, TotalModules: 3}

	Aggregate(3, runsWith(ModuleRunSucceeded), false).ApplyTo(run)
	if run.Status != EnvironmentRunRunning || run.Completed != 1 {
		t.Errorf("Expected running with 1 completed, got %s/%d", run.Status, run.Completed)
	}

	Aggregate(3, runsWith(ModuleRunSucceeded, ModuleRunFailed, ModuleRunSkipped), false).ApplyTo(run)
	if run.Status != EnvironmentRunPartialFailure {
		t.Errorf("Expected partial_failure, got %s", run.Status)
	}
	if run.Completed != 1 || run.Failed != 1 || run.Skipped != 1 {
		t.Errorf("Expected 1/1/1, got %d/%d/%d", run.Completed, run.Failed, run.Skipped)
	}
}
