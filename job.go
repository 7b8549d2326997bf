package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Func is the work a job performs. Returning stop=true cancels the job
// once the current run is over; a non-nil error triggers the retry policy.
type Func func(ctx context.Context) (stop bool, err error)

// Simple adapts a function that never asks to stop.
func Simple(fn func(ctx context.Context) error) Func {
	return func(ctx context.Context) (bool, error) {
		return false, fn(ctx)
	}
}

// Kind is how a job is triggered.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Status is the execution state of a job.
type Status int

const (
	StatusReady Status = iota
	StatusRunning
)

func (s Status) String() string {
	if s == StatusRunning {
		return "running"
	}
	return "ready"
}

// Job is a registered unit of work. It is owned by a Scheduler; callers
// observe it through Info snapshots.
type Job struct {
	key    string
	kind   Kind
	config JobConfig
	fn     Func
	locker Locker
	handle Handle
	log    zerolog.Logger

	// inflight counts runs between their start and end. The job is RUNNING
	// while it is positive; overlapping runs share one RUNNING period.
	inflight atomic.Int32

	runs       atomic.Int64
	failures   atomic.Int64
	skips      atomic.Int64
	lockMisses atomic.Int64
	lastRun    atomic.Int64 // unix nanoseconds
}

// Status returns READY or RUNNING.
func (j *Job) Status() Status {
	if j.inflight.Load() > 0 {
		return StatusRunning
	}
	return StatusReady
}

// begin moves the job to RUNNING. Under the waiting policy it refuses when
// a run is already in flight.
func (j *Job) begin() bool {
	if j.config.Waiting {
		return j.inflight.CompareAndSwap(0, 1)
	}
	j.inflight.Add(1)
	return true
}

// end moves the job back to READY once the last in-flight run returns.
func (j *Job) end() {
	j.inflight.Add(-1)
}

// Info is a point-in-time view of a job.
type Info struct {
	Key    string
	Kind   Kind
	Status Status
	Config JobConfig

	// Runs counts callback invocations, retries included.
	Runs int64
	// Failures counts invocations that returned an error or panicked.
	Failures int64
	// Skips counts firings dropped by the waiting policy.
	Skips int64
	// LockMisses counts runs abandoned because the lock was held elsewhere.
	LockMisses int64
	// LastRun is the start of the latest invocation, zero if none.
	LastRun time.Time
}

func (j *Job) info() Info {
	info := Info{
		Key:        j.key,
		Kind:       j.kind,
		Status:     j.Status(),
		Config:     j.config,
		Runs:       j.runs.Load(),
		Failures:   j.failures.Load(),
		Skips:      j.skips.Load(),
		LockMisses: j.lockMisses.Load(),
	}
	if ns := j.lastRun.Load(); ns != 0 {
		info.LastRun = time.Unix(0, ns)
	}
	return info
}
