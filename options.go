package jobs

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/DEEJ4Y/jobs/backoff"
)

// Defaults applied before the scheduler-level and per-job options.
const (
	DefaultMaxRetry      = -1
	DefaultRetryInterval = 5 * time.Second
	DefaultLockTTL       = 5 * time.Minute
)

// JobConfig is the resolved execution policy of a job.
// It is fixed once the job is registered; cancel and re-register to change it.
type JobConfig struct {
	// Enable set to false registers nothing and the job never fires.
	Enable bool

	// MaxRetry is the number of retries after a failed invocation.
	// -1 retries until the callback succeeds.
	MaxRetry int `validate:"min=-1"`

	// RetryInterval is the wait between retries when Backoff is nil.
	RetryInterval time.Duration `validate:"gte=0"`

	// Waiting skips a firing while a previous run of the job is in flight.
	Waiting bool

	// Immediate runs the job once at registration, under the same
	// waiting and locking rules as a normal firing. The run is claimed
	// synchronously and executed asynchronously.
	Immediate bool

	// StartTime and EndTime bound the firings of cron jobs.
	StartTime *time.Time
	EndTime   *time.Time

	// Backoff overrides RetryInterval with a retry-dependent delay.
	Backoff backoff.Strategy

	// LockTTL is handed to the Locker on every acquisition.
	LockTTL time.Duration `validate:"gte=0"`

	locker Locker
}

// Option adjusts a JobConfig. Options apply in order, later ones win.
type Option func(*JobConfig)

// WithEnable enables or disables the job.
func WithEnable(enable bool) Option {
	return func(c *JobConfig) { c.Enable = enable }
}

// WithMaxRetry sets the retry budget of a single run; -1 is unlimited.
func WithMaxRetry(n int) Option {
	return func(c *JobConfig) { c.MaxRetry = n }
}

// WithRetryInterval sets the constant delay between retries.
func WithRetryInterval(d time.Duration) Option {
	return func(c *JobConfig) { c.RetryInterval = d }
}

// WithWaiting skips firings that arrive while the job is still running.
func WithWaiting(waiting bool) Option {
	return func(c *JobConfig) { c.Waiting = waiting }
}

// WithImmediate runs the job once when it is registered. The job is
// RUNNING before the Schedule call returns, but the callback itself runs on
// its own goroutine, so registration never waits for it or its retries.
func WithImmediate(immediate bool) Option {
	return func(c *JobConfig) { c.Immediate = immediate }
}

// WithStartTime suppresses cron firings before t.
func WithStartTime(t time.Time) Option {
	return func(c *JobConfig) { c.StartTime = &t }
}

// WithEndTime suppresses cron firings after t.
func WithEndTime(t time.Time) Option {
	return func(c *JobConfig) { c.EndTime = &t }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(c *JobConfig) { c.Backoff = s }
}

// WithLockTTL sets how long a lock may be held before it expires on its own.
func WithLockTTL(d time.Duration) Option {
	return func(c *JobConfig) { c.LockTTL = d }
}

// WithLocker coordinates the job through l instead of the scheduler's Locker.
func WithLocker(l Locker) Option {
	return func(c *JobConfig) { c.locker = l }
}

func defaultJobConfig() JobConfig {
	return JobConfig{
		Enable:        true,
		MaxRetry:      DefaultMaxRetry,
		RetryInterval: DefaultRetryInterval,
		LockTTL:       DefaultLockTTL,
	}
}

var validate = validator.New()

// resolveConfig merges defaults, scheduler defaults and job options, in that order.
func resolveConfig(layers ...[]Option) (JobConfig, error) {
	cfg := defaultJobConfig()
	for _, opts := range layers {
		for _, opt := range opts {
			if opt != nil {
				opt(&cfg)
			}
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.StartTime != nil && cfg.EndTime != nil && !cfg.EndTime.After(*cfg.StartTime) {
		return cfg, fmt.Errorf("%w: end time %s is not after start time %s",
			ErrInvalidConfig, cfg.EndTime.Format(time.RFC3339), cfg.StartTime.Format(time.RFC3339))
	}
	return cfg, nil
}

// retryDelay returns the wait before the given retry.
func (c JobConfig) retryDelay(retry int) time.Duration {
	if c.Backoff != nil {
		return c.Backoff.Delay(retry)
	}
	return c.RetryInterval
}
