package taskmodel

import "errors"

// Sentinel errors for the task-execution pipeline's error taxonomy (spec §7).
// Handlers that need structured context wrap these with fmt.Errorf("%w: ...")
// or return one of the typed errors below; callers use errors.Is/errors.As.
var (
	// ErrNotFound is returned by any lookup that finds nothing.
	ErrNotFound = errors.New("not found")

	// ErrDependencyNotFound is returned by task creation when a dependency
	// id does not resolve to an existing task.
	ErrDependencyNotFound = errors.New("dependency not found")

	// ErrCircularDependency is returned by task creation when the proposed
	// depends_on set would introduce a cycle.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrInvalidTransition is returned when (from, to) is not in the
	// transition table, including re-issuing an already-applied transition.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrVersionConflict is returned when a caller's expected_version does
	// not match the task's current version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotUpdatable names the case of a task whose status is not in
	// {waiting, ready}. Nothing returns it: the update handler in
	// internal/api answers 409 with the same message directly.
	ErrNotUpdatable = errors.New("task not updatable in current status")
)

// VersionConflictError carries the expected and actual version for callers
// that want to retry with a fresh read.
type VersionConflictError struct {
	TaskID   string
	Expected int
	Actual   int
}

func (e *VersionConflictError) Error() string {
	return "version conflict for task " + e.TaskID
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// InvalidTransitionError carries the offending (from, to) pair.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return "invalid transition for task " + e.TaskID + ": " + string(e.From) + " -> " + string(e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
