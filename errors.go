package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateJob is matched by every *DuplicateJobError.
	ErrDuplicateJob = errors.New("job already registered")

	// ErrInvalidKey is returned when a job is registered with an empty key.
	ErrInvalidKey = errors.New("job key is required")

	// ErrNilFunc is returned when a job is registered without a callback.
	ErrNilFunc = errors.New("job func is required")

	// ErrInvalidSchedule is returned for unparsable cron rules and
	// non-positive intervals.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrInvalidConfig is returned when the resolved job configuration
	// fails validation.
	ErrInvalidConfig = errors.New("invalid job config")

	// ErrLockNotAcquired is returned by a Locker when another holder owns
	// the lock. The executor treats it as a lost race, not as a failure.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrSchedulerStopped is returned when registering on a stopped Scheduler.
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// DuplicateJobError reports a registration under a key that is already active.
// The existing job is left untouched.
type DuplicateJobError struct {
	Key string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %q already registered", e.Key)
}

// Is makes errors.Is(err, ErrDuplicateJob) succeed.
func (e *DuplicateJobError) Is(target error) bool {
	return target == ErrDuplicateJob
}
