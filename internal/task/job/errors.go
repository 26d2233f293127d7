package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown job or trigger keys.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned for duplicate schedules and for double acquires.
	ErrConflict = errors.New("conflict")
	// ErrStoreUnavailable marks retryable store I/O failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidSchedule is returned for malformed trigger specs. Such triggers are never stored.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrInvalidJob is returned for malformed job details.
	ErrInvalidJob = errors.New("invalid job")
	// ErrInvalidKey is returned for malformed keys.
	ErrInvalidKey = errors.New("invalid key")
	// ErrPendingRemoval marks a trigger key that was unscheduled while its
	// fire is still running. The key is reusable once that fire completes.
	// Errors carrying it also match ErrConflict.
	ErrPendingRemoval = errors.New("pending removal")
)

// NotFound wraps ErrNotFound with the entity kind and key.
func NotFound(kind string, k Key) error {
	return fmt.Errorf("%s %s: %w", kind, k, ErrNotFound)
}

// PendingRemoval reports that k cannot be scheduled until its in-flight
// fire completes and the trigger is purged.
func PendingRemoval(k Key) error {
	return fmt.Errorf("trigger %s is unscheduled but still running; retry after it completes: %w: %w", k, ErrPendingRemoval, ErrConflict)
}

// Conflict wraps ErrConflict with the entity kind, key and reason.
func Conflict(kind string, k Key, reason string) error {
	return fmt.Errorf("%s %s %s: %w", kind, k, reason, ErrConflict)
}

// InvalidSchedule wraps ErrInvalidSchedule with a formatted reason.
func InvalidSchedule(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidSchedule)
}

// InvalidJob wraps ErrInvalidJob with a formatted reason.
func InvalidJob(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidJob)
}

// Unavailable marks err as a retryable store failure. The original error stays
// reachable through errors.Is / errors.As.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{op: op, err: err}
}

// IsRetryable reports whether err is a store failure worth retrying.
func IsRetryable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, ErrStoreUnavailable, e.err)
}

func (e *unavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.err} }

// JobExecutionError is a job body failure. It is recorded in the FireInstance
// and never propagated to the scheduler coordinator.
type JobExecutionError struct {
	JobKey Key
	FireID string
	Err    error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s (fire %s): %v", e.JobKey, e.FireID, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }
