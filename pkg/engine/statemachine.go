package engine

import (
	"sort"
	"time"
)

// RunEvent drives a module run from one status to the next.
type RunEvent string

const (
	EventQueue   RunEvent = "queue"
	EventStart   RunEvent = "start"
	EventPlanned RunEvent = "planned"
	EventConfirm RunEvent = "confirm"
	EventApply   RunEvent = "apply"
	EventSucceed RunEvent = "succeed"
	EventFail    RunEvent = "fail"
	EventTimeout RunEvent = "timeout"
	EventDiscard RunEvent = "discard"
	EventCancel  RunEvent = "cancel"
	EventSkip    RunEvent = "skip"
)

// statusNone is the state of a run that has not been created yet. Only the
// cascade scheduler uses it, to create runs directly as skipped or cancelled.
const statusNone ModuleRunStatus = ""

type transitionKey struct {
	from  ModuleRunStatus
	event RunEvent
}

type transition struct {
	to ModuleRunStatus

	// guard restricts the transition to some operations; nil allows all.
	guard func(op Operation) bool
}

func applyOnly(op Operation) bool    { return op.RequiresConfirmation() }
func nonApplyOnly(op Operation) bool { return !op.RequiresConfirmation() }

var transitions = map[transitionKey]transition{
	{statusNone, EventSkip}:   {to: ModuleRunSkipped},
	{statusNone, EventCancel}: {to: ModuleRunCancelled},
	{statusNone, EventQueue}:  {to: ModuleRunQueued},

	// A cascade records modules it could not admit as failed runs.
	{statusNone, EventFail}: {to: ModuleRunFailed},

	{ModuleRunPending, EventQueue}:  {to: ModuleRunQueued},
	{ModuleRunPending, EventCancel}: {to: ModuleRunCancelled},

	{ModuleRunQueued, EventStart}:   {to: ModuleRunRunning},
	{ModuleRunQueued, EventCancel}:  {to: ModuleRunCancelled},
	{ModuleRunQueued, EventTimeout}: {to: ModuleRunTimedOut},

	{ModuleRunRunning, EventPlanned}: {to: ModuleRunPlanned, guard: applyOnly},
	{ModuleRunRunning, EventSucceed}: {to: ModuleRunSucceeded, guard: nonApplyOnly},
	{ModuleRunRunning, EventFail}:    {to: ModuleRunFailed},
	{ModuleRunRunning, EventTimeout}: {to: ModuleRunTimedOut},
	{ModuleRunRunning, EventCancel}:  {to: ModuleRunCancelled},

	{ModuleRunPlanned, EventConfirm}: {to: ModuleRunConfirmed, guard: applyOnly},
	{ModuleRunPlanned, EventDiscard}: {to: ModuleRunDiscarded, guard: applyOnly},
	{ModuleRunPlanned, EventCancel}:  {to: ModuleRunCancelled},

	{ModuleRunConfirmed, EventApply}:   {to: ModuleRunApplying, guard: applyOnly},
	{ModuleRunConfirmed, EventCancel}:  {to: ModuleRunCancelled},
	{ModuleRunConfirmed, EventTimeout}: {to: ModuleRunTimedOut},

	{ModuleRunApplying, EventSucceed}: {to: ModuleRunSucceeded, guard: applyOnly},
	{ModuleRunApplying, EventFail}:    {to: ModuleRunFailed, guard: applyOnly},
	{ModuleRunApplying, EventTimeout}: {to: ModuleRunTimedOut, guard: applyOnly},
}

// NextStatus returns the status reached from "from" on event for a run of
// operation op, and false if the transition is not allowed.
func NextStatus(from ModuleRunStatus, op Operation, event RunEvent) (ModuleRunStatus, bool) {
	t, ok := transitions[transitionKey{from: from, event: event}]
	if !ok {
		return from, false
	}
	if t.guard != nil && !t.guard(op) {
		return from, false
	}
	return t.to, true
}

// AllowedEvents lists the events accepted in a status for an operation, sorted.
func AllowedEvents(from ModuleRunStatus, op Operation) []RunEvent {
	events := make([]RunEvent, 0)
	for key := range transitions {
		if key.from != from {
			continue
		}
		if _, ok := NextStatus(from, op, key.event); ok {
			events = append(events, key.event)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// Fire moves the run to the status reached by event and stamps the matching
// timestamp. The run is left untouched on error.
func (r *ModuleRun) Fire(event RunEvent, now time.Time) error {
	next, ok := NextStatus(r.Status, r.Operation, event)
	if !ok {
		return &InvalidTransitionError{RunID: r.ID, From: r.Status, Event: event}
	}

	r.Status = next
	ts := now
	switch next {
	case ModuleRunQueued:
		r.QueuedAt = &ts
	case ModuleRunRunning:
		r.StartedAt = &ts
	case ModuleRunPlanned:
		r.PlannedAt = &ts
	case ModuleRunConfirmed:
		r.ConfirmedAt = &ts
	}
	if next.IsTerminal() {
		r.CompletedAt = &ts
	}
	return nil
}

// CanCancel reports whether a cancel request would be accepted now.
func (r *ModuleRun) CanCancel() bool {
	_, ok := NextStatus(r.Status, r.Operation, EventCancel)
	return ok
}
