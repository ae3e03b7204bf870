package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for caller recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: store busy, lock backend unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict.
	// Examples: a lock is held, a run is in a state that forbids the request.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid input, unknown environment, dependency cycle.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the environment, module, or run ID that caused the error.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewNotFoundError creates a permanent NOT_FOUND error for a resource.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found", kind), nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}

// NewValidationError creates a permanent VALIDATION_ERROR.
func NewValidationError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeValidation)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict,
// including lock and transition errors.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	var envLocked *EnvironmentLockedError
	var modLocked *ModuleLockedError
	var transition *InvalidTransitionError
	return errors.As(err, &envLocked) || errors.As(err, &modLocked) || errors.As(err, &transition)
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// IsValidation returns true for validation failures, including graph errors.
func IsValidation(err error) bool {
	var e *EngineError
	if errors.As(err, &e) && e.Code == ErrCodeValidation {
		return true
	}
	var cycle *CycleError
	var integrity *GraphIntegrityError
	return errors.As(err, &cycle) || errors.As(err, &integrity)
}

// ErrorCode returns a stable code for any engine error, or ErrCodeInternal.
func ErrorCode(err error) string {
	var (
		e          *EngineError
		cycle      *CycleError
		integrity  *GraphIntegrityError
		envLocked  *EnvironmentLockedError
		modLocked  *ModuleLockedError
		transition *InvalidTransitionError
		exec       *ExecutorFailure
	)
	switch {
	case errors.As(err, &cycle):
		return ErrCodeCycle
	case errors.As(err, &integrity):
		return ErrCodeGraphIntegrity
	case errors.As(err, &envLocked):
		return ErrCodeEnvironmentLocked
	case errors.As(err, &modLocked):
		return ErrCodeModuleLocked
	case errors.As(err, &transition):
		return ErrCodeInvalidTransition
	case errors.As(err, &exec):
		return ErrCodeExecutorFailed
	case errors.As(err, &e) && e.Code != "":
		return e.Code
	default:
		return ErrCodeInternal
	}
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeCycle             = "DEPENDENCY_CYCLE"
	ErrCodeGraphIntegrity    = "GRAPH_INTEGRITY"
	ErrCodeEnvironmentLocked = "ENVIRONMENT_LOCKED"
	ErrCodeModuleLocked      = "MODULE_LOCKED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeExecutorFailed    = "EXECUTOR_FAILED"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
)

// CycleError reports a dependency edge set that is not acyclic.
type CycleError struct {
	// Cycle lists module IDs along the cycle; the first ID is repeated at the end.
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

// GraphIntegrityError reports stored graph data that strict layering refuses to schedule.
type GraphIntegrityError struct {
	// Unresolved lists module IDs that could not be placed in any layer.
	Unresolved []string

	// DanglingEdges lists edges naming a module outside the environment, as "from -> to".
	DanglingEdges []string
}

func (e *GraphIntegrityError) Error() string {
	parts := make([]string, 0, 2)
	if len(e.Unresolved) > 0 {
		parts = append(parts, fmt.Sprintf("unresolved modules: %s", strings.Join(e.Unresolved, ", ")))
	}
	if len(e.DanglingEdges) > 0 {
		parts = append(parts, fmt.Sprintf("dangling edges: %s", strings.Join(e.DanglingEdges, ", ")))
	}
	return "graph integrity violation: " + strings.Join(parts, "; ")
}

// EnvironmentLockedError is returned when a run is requested against a locked environment.
type EnvironmentLockedError struct {
	EnvironmentID string
	LockedBy      string
	Reason        string
}

func (e *EnvironmentLockedError) Error() string {
	msg := fmt.Sprintf("environment %s is locked by %s", e.EnvironmentID, e.LockedBy)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ModuleLockedError is returned when a module already has an active run.
type ModuleLockedError struct {
	ModuleID string

	// HeldBy is the run ID holding the lock.
	HeldBy string
}

func (e *ModuleLockedError) Error() string {
	return fmt.Sprintf("module %s is locked by run %s", e.ModuleID, e.HeldBy)
}

// InvalidTransitionError is returned when a run event is not allowed in the run's current state.
type InvalidTransitionError struct {
	RunID string
	From  ModuleRunStatus
	Event RunEvent
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("module run %s: event %q not allowed in status %q", e.RunID, e.Event, e.From)
}

// ExecutorFailure describes an executor error or non-zero exit. It becomes
// the failed run's error message; it is never retried.
type ExecutorFailure struct {
	ExitCode int

	// LogTail holds the last lines the executor wrote.
	LogTail []string

	Err error
}

func (e *ExecutorFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executor failed (exit code %d): %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("executor exited with code %d", e.ExitCode)
}

func (e *ExecutorFailure) Unwrap() error {
	return e.Err
}
