package engine

// Aggregation is the projection of an environment run's child module runs.
type Aggregation struct {
	Completed int
	Failed    int
	Skipped   int

	// Done is true once every module has a terminal run.
	Done bool

	// Status is the derived environment run status. It is running until Done.
	Status EnvironmentRunStatus
}

// Aggregate derives environment run counters and status from child runs.
// Succeeded counts as completed; failed, timed_out, cancelled, and discarded
// count as failed; skipped counts as skipped. It is a pure function: the same
// runs always produce the same result regardless of order.
func Aggregate(totalModules int, runs []ModuleRun, cancelled bool) Aggregation {
	var agg Aggregation
	for i := range runs {
		switch status := runs[i].Status; {
		case status == ModuleRunSucceeded:
			agg.Completed++
		case status == ModuleRunSkipped:
			agg.Skipped++
		case status.IsFailure():
			agg.Failed++
		}
	}

	agg.Done = agg.Completed+agg.Failed+agg.Skipped >= totalModules
	agg.Status = deriveStatus(agg, cancelled)
	return agg
}

func deriveStatus(agg Aggregation, cancelled bool) EnvironmentRunStatus {
	if cancelled {
		if agg.Done {
			return EnvironmentRunCancelled
		}
		return EnvironmentRunRunning
	}
	if !agg.Done {
		return EnvironmentRunRunning
	}

	switch {
	case agg.Failed == 0 && agg.Skipped == 0:
		return EnvironmentRunSucceeded
	case agg.Completed > 0:
		return EnvironmentRunPartialFailure
	default:
		return EnvironmentRunFailed
	}
}

// ApplyTo copies the counters, and the status once final, onto run.
func (a Aggregation) ApplyTo(run *EnvironmentRun) {
	run.Completed = a.Completed
	run.Failed = a.Failed
	run.Skipped = a.Skipped
	if a.Done {
		run.Status = a.Status
	} else if run.Status == EnvironmentRunPending {
		run.Status = EnvironmentRunRunning
	}
}
