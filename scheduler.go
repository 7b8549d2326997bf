// Package jobs schedules keyed cron, interval and one-shot jobs in memory and
// runs them with per-job policy: enable, overlap prevention, bounded retry
// with backoff, an immediate first run, and optional mutual exclusion across
// cooperating instances through a Locker.
package jobs

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Config holds the configuration for a Scheduler.
type Config struct {
	// Defaults are applied to every job before its own options.
	Defaults []Option

	// Locker coordinates jobs that do not set WithLocker.
	// Default: NoopLocker
	Locker Locker

	// Triggers drives the firings.
	// Default: NewTriggers(Location)
	Triggers TriggerSource

	// Location evaluates cron rules for the default Triggers.
	// Default: time.Local
	Location *time.Location

	// Logger receives structured scheduler and job logs.
	// Default: disabled
	Logger *zerolog.Logger

	// OnError is called when a run exhausts its retries or a Locker fails.
	// Callback errors that are later retried successfully are only logged.
	OnError func(ctx context.Context, key string, err error)
}

// Scheduler is the registry of active jobs. It wires trigger firings to the
// executor and is safe for concurrent use.
type Scheduler struct {
	config   Config
	triggers TriggerSource
	log      zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*Job

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
}

// New creates a Scheduler with the given configuration.
func New(config Config) (*Scheduler, error) {
	if config.Locker == nil {
		config.Locker = NoopLocker{}
	}
	if config.Triggers == nil {
		config.Triggers = NewTriggers(config.Location)
	}

	// Fail early on broken defaults instead of on the first registration.
	if _, err := resolveConfig(config.Defaults); err != nil {
		return nil, fmt.Errorf("scheduler defaults: %w", err)
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:   config,
		triggers: config.Triggers,
		log:      log,
		jobs:     make(map[string]*Job),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// ScheduleCron registers fn to run at every activation of a cron rule.
//
// Start and end bounds are taken from opts only: WithStartTime and
// WithEndTime given in Config.Defaults do not apply on this path. Use
// ScheduleRecurrence for bounds that come from elsewhere.
func (s *Scheduler) ScheduleCron(key, rule string, fn Func, opts ...Option) error {
	var local JobConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&local)
		}
	}
	return s.scheduleCron(key, fn, opts, func(JobConfig) (cron.Schedule, error) {
		sched, err := ParseRule(rule)
		if err != nil {
			return nil, err
		}
		return bounded(sched, local.StartTime, local.EndTime), nil
	})
}

// ScheduleRecurrence registers fn on a structured cron rule. A recurrence
// with fields or its own Start/End is used as given and the bound options are
// ignored; a recurrence carrying only Rule is bounded by the resolved
// WithStartTime and WithEndTime, Config.Defaults included.
func (s *Scheduler) ScheduleRecurrence(key string, r Recurrence, fn Func, opts ...Option) error {
	return s.scheduleCron(key, fn, opts, func(cfg JobConfig) (cron.Schedule, error) {
		if r.Start == nil && r.End == nil && !r.hasFields() {
			r.Start, r.End = cfg.StartTime, cfg.EndTime
		}
		return r.Schedule()
	})
}

func (s *Scheduler) scheduleCron(key string, fn Func, opts []Option, schedule func(JobConfig) (cron.Schedule, error)) error {
	return s.register(key, KindCron, fn, opts, func(j *Job, fire func()) (Handle, error) {
		sched, err := schedule(j.config)
		if err != nil {
			return nil, err
		}
		return s.triggers.Recurring(sched, fire)
	})
}

// ScheduleInterval registers fn to run every period.
func (s *Scheduler) ScheduleInterval(key string, every time.Duration, fn Func, opts ...Option) error {
	if every <= 0 {
		return fmt.Errorf("%w: interval %s for job %q must be positive", ErrInvalidSchedule, every, key)
	}
	return s.register(key, KindInterval, fn, opts, func(_ *Job, fire func()) (Handle, error) {
		return s.triggers.Repeating(every, fire), nil
	})
}

// ScheduleTimeout registers fn to run once after delay. The job is removed
// after that run whatever its outcome.
func (s *Scheduler) ScheduleTimeout(key string, delay time.Duration, fn Func, opts ...Option) error {
	return s.register(key, KindTimeout, fn, opts, func(_ *Job, fire func()) (Handle, error) {
		return s.triggers.Once(max(delay, 0), fire), nil
	})
}

type armFunc func(j *Job, fire func()) (Handle, error)

// register validates and stores a job, arms its trigger and starts the
// immediate run. The registry lock is held while arming so a concurrent
// registration of the same key cannot slip in between.
func (s *Scheduler) register(key string, kind Kind, fn Func, opts []Option, arm armFunc) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if fn == nil {
		return fmt.Errorf("%w: job %q", ErrNilFunc, key)
	}
	if s.stopped.Load() {
		return ErrSchedulerStopped
	}

	cfg, err := resolveConfig(s.config.Defaults, opts)
	if err != nil {
		return fmt.Errorf("job %q: %w", key, err)
	}

	log := s.log.With().Str("job", key).Stringer("kind", kind).Logger()
	j := &Job{
		key:    key,
		kind:   kind,
		config: cfg,
		fn:     fn,
		locker: cfg.locker,
		log:    log,
	}
	if j.locker == nil {
		j.locker = s.config.Locker
	}

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	if _, exists := s.jobs[key]; exists {
		s.mu.Unlock()
		return &DuplicateJobError{Key: key}
	}
	if !cfg.Enable {
		s.mu.Unlock()
		log.Debug().Msg("job disabled, not scheduled")
		return nil
	}

	handle, err := arm(j, func() { s.fire(j) })
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("job %q: %w", key, err)
	}
	j.handle = handle
	s.jobs[key] = j

	// The immediate run claims RUNNING before registration returns so a
	// firing racing it observes the run under the waiting policy.
	immediate := cfg.Immediate && s.claim(j)
	s.mu.Unlock()

	log.Debug().
		Int("max_retry", cfg.MaxRetry).
		Dur("retry_interval", cfg.RetryInterval).
		Bool("waiting", cfg.Waiting).
		Bool("immediate", cfg.Immediate).
		Msg("job scheduled")

	if immediate {
		go s.run(j, false)
	}
	return nil
}

// claim moves j to RUNNING and accounts for the run. It must be called with
// s.mu held so Stop never waits on a run that starts after it.
func (s *Scheduler) claim(j *Job) bool {
	if !j.begin() {
		j.skips.Add(1)
		j.log.Debug().Msg("previous run still in progress, firing skipped")
		return false
	}
	s.wg.Add(1)
	return true
}

// fire handles one trigger firing.
func (s *Scheduler) fire(j *Job) {
	s.mu.Lock()
	if s.jobs[j.key] != j {
		s.mu.Unlock()
		return
	}
	claimed := s.claim(j)
	s.mu.Unlock()

	last := j.kind == KindTimeout
	if !claimed {
		// A one-shot job does not get a second chance.
		if last {
			s.remove(j, "one-shot firing skipped")
		}
		return
	}
	s.run(j, last)
}

// run executes a job whose RUNNING state has been claimed and applies the
// outcome to the registry.
func (s *Scheduler) run(j *Job, last bool) {
	defer s.wg.Done()

	stop := s.execute(s.ctx, j)

	// Cancel before going back to READY so a waiting job that asked to stop
	// cannot be picked up by a firing in between.
	switch {
	case last:
		s.remove(j, "one-shot job finished")
	case stop:
		s.remove(j, "job requested stop")
	}
	j.end()
}

// remove cancels j if it is still the active job for its key. A stale run of
// a cancelled job never removes a newer job registered under the same key.
func (s *Scheduler) remove(j *Job, reason string) {
	s.mu.Lock()
	if s.jobs[j.key] != j {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, j.key)
	s.mu.Unlock()

	j.handle.Cancel()
	j.log.Debug().Str("reason", reason).Msg("job cancelled")
}

// Cancel removes the job registered under key and releases its trigger.
// A run already in progress completes. Unknown keys are ignored.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	s.mu.Unlock()
	if ok {
		s.remove(j, "cancelled")
	}
}

// CancelAll cancels every registered job.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	all := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j)
	}
	s.mu.Unlock()

	for _, j := range all {
		s.remove(j, "cancelled")
	}
}

// Get returns a snapshot of the job registered under key.
func (s *Scheduler) Get(key string) (Info, bool) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return j.info(), true
}

// Keys returns the keys of all registered jobs in sorted order.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.jobs))
	for key := range s.jobs {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop cancels every job, aborts pending retries and waits for running
// callbacks to return or for ctx to be done. Callbacks observe the
// cancellation through their context. It's safe to call Stop multiple times.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped.Store(true)
		s.mu.Unlock()

		s.CancelAll()
		s.cancel()

		var cronDone context.Context
		if t, ok := s.triggers.(interface{ Stop() context.Context }); ok {
			cronDone = t.Stop()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			if cronDone != nil {
				<-cronDone.Done()
			}
			close(done)
		}()

		select {
		case <-done:
			s.log.Debug().Msg("scheduler stopped")
		case <-ctx.Done():
			err = fmt.Errorf("waiting for running jobs: %w", ctx.Err())
		}
	})
	return err
}

// IsStopped reports whether Stop has been called.
func (s *Scheduler) IsStopped() bool {
	return s.stopped.Load()
}
