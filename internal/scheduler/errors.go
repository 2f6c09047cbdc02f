package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized means an operation ran before Init(). This is a
	// startup-ordering bug in the caller, surfaced synchronously.
	ErrNotInitialized = errors.New("scheduler not initialized")

	// ErrStopped means the scheduler reached its terminal state.
	ErrStopped = errors.New("scheduler stopped")
)

// JobNotFoundError reports an operation against an absent job id.
type JobNotFoundError struct {
	ID string
}

func (e *JobNotFoundError) Error() string { return fmt.Sprintf("job %q not found", e.ID) }

// JobConflictError reports a Schedule call reusing an existing job id
// without ReplaceExisting.
type JobConflictError struct {
	ID string
}

func (e *JobConflictError) Error() string { return fmt.Sprintf("job %q already scheduled", e.ID) }

// IsJobNotFound reports whether err is a JobNotFoundError. The API layer
// maps it to a 404.
func IsJobNotFound(err error) bool {
	var e *JobNotFoundError
	return errors.As(err, &e)
}

// IsJobConflict reports whether err is a JobConflictError.
func IsJobConflict(err error) bool {
	var e *JobConflictError
	return errors.As(err, &e)
}
