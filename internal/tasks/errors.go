package tasks

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the task store and scheduler.
var (
	// ErrDuplicateTask is returned by Enqueue when the task id already exists.
	// The conflict is surfaced to the caller and never retried.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrTaskNotFound is returned when an operation targets a missing row.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotRunning is returned when a terminal transition targets a row that
	// is not currently leased as running. The conditional update matched
	// nothing, so another worker already owns the transition.
	ErrNotRunning = errors.New("task is not running")

	// ErrNotRetryable is returned by the manual retry path when the row is in
	// a state it cannot be rescheduled from.
	ErrNotRetryable = errors.New("task cannot be rescheduled in its current state")

	// ErrHandlerTimeout marks a handler invocation that exceeded its
	// wall-clock budget. It routes through the same retry path as any other
	// handler error.
	ErrHandlerTimeout = errors.New("handler timed out")

	// ErrUnknownTaskType marks a dispatch with no registered handler.
	// Dispatching it again cannot succeed, so it is always permanent.
	ErrUnknownTaskType = errors.New("no handler registered for task type")
)

// PermanentError wraps a handler error that must not consume the retry
// budget: malformed payloads, unknown task types, anything a rerun cannot
// fix. Handlers signal permanence explicitly with Permanent; undecorated
// errors are treated as transient and retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf builds a non-retryable error from a format string.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err carries the permanent marker anywhere in
// its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
