package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown task ids and for missing output files.
	ErrNotFound = errors.New("task not found")
	// ErrConflict means the task was not in the expected status when updated.
	ErrConflict = errors.New("task status changed concurrently")
	// ErrNotCompleted is returned when a download is requested too early.
	ErrNotCompleted = errors.New("task is not completed yet")
	// ErrOutputMissing is returned when a COMPLETED task's file is gone from storage.
	ErrOutputMissing = fmt.Errorf("output file not found on server: %w", ErrNotFound)
	// ErrQueueFull is returned by dispatchers that cannot accept more work.
	ErrQueueFull = errors.New("task queue is full")
	// ErrDuplicate is returned by dispatchers that already hold the task id.
	ErrDuplicate = errors.New("task already enqueued")
	// ErrEnqueueFailed wraps dispatcher errors returned from Submit.
	ErrEnqueueFailed = errors.New("task could not be queued")
)

// ValidationError describes bad client input. No task is created when it is returned.
type ValidationError struct {
	Field   string
	Message string
	// TooLarge marks upload size violations.
	TooLarge bool
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransitionError reports an update that would break the lifecycle rules.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}
