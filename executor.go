package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// execute performs one logical run of j: lock, invoke, retry on failure,
// release. It reports whether the job asked to be cancelled. Failures never
// leave this function; exhausted retries are logged and handed to OnError.
// A run whose job is cancelled meanwhile still completes.
func (s *Scheduler) execute(ctx context.Context, j *Job) (stop bool) {
	for retry := 0; ; retry++ {
		stop, acquired, err := s.attempt(ctx, j)
		if !acquired {
			return false
		}
		if err == nil {
			return stop
		}

		j.failures.Add(1)
		if j.config.MaxRetry >= 0 && retry >= j.config.MaxRetry {
			j.log.Error().Err(err).Int("retries", retry).Msg("job failed, retries exhausted")
			s.reportError(ctx, j.key, fmt.Errorf("job %q: retries exhausted after %d attempts: %w", j.key, retry+1, err))
			return false
		}

		delay := j.config.retryDelay(retry + 1)
		j.log.Warn().Err(err).Int("retry", retry+1).Dur("delay", delay).Msg("job failed, retrying")

		// Cancel lets the run finish its retries; only Stop cuts it short.
		if !s.sleep(ctx, delay) {
			j.log.Debug().Msg("retry abandoned, scheduler stopping")
			return false
		}
	}
}

// attempt acquires the lock, invokes the callback once and releases the lock.
// acquired is false when the callback was not invoked.
func (s *Scheduler) attempt(ctx context.Context, j *Job) (stop, acquired bool, err error) {
	lease, lockErr := j.locker.TryLock(ctx, j.key, j.config.LockTTL)
	if lockErr != nil {
		j.lockMisses.Add(1)
		if errors.Is(lockErr, ErrLockNotAcquired) {
			j.log.Debug().Msg("lock held elsewhere, run skipped")
		} else {
			j.log.Warn().Err(lockErr).Msg("lock acquisition failed, run skipped")
			s.reportError(ctx, j.key, fmt.Errorf("job %q: acquire lock: %w", j.key, lockErr))
		}
		return false, false, nil
	}
	if lease == nil {
		lease = noopLease{}
	}
	defer func() {
		// Released with a fresh context so a stopping scheduler still
		// hands the lock back.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if relErr := lease.Release(relCtx); relErr != nil {
			j.log.Warn().Err(relErr).Msg("lock release failed")
		}
	}()

	j.runs.Add(1)
	j.lastRun.Store(time.Now().UnixNano())
	stop, err = invoke(ctx, j.fn)
	return stop, true, err
}

// invoke calls fn, converting a panic into an error.
func invoke(ctx context.Context, fn Func) (stop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			stop = false
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// sleep waits d, returning false if ctx is done first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) reportError(ctx context.Context, key string, err error) {
	if s.config.OnError != nil {
		s.config.OnError(ctx, key, err)
	}
}
