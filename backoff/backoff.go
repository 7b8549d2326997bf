// Package backoff computes the delay between retry attempts of a job run.
// Strategies hold no mutable state and may be shared between jobs.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy returns the wait before retry n. Retry 1 follows the initial failure.
type Strategy interface {
	Delay(retry int) time.Duration
}

// Func adapts a plain function to a Strategy.
type Func func(retry int) time.Duration

// Delay calls f.
func (f Func) Delay(retry int) time.Duration { return f(retry) }

// Constant waits the same interval before every retry.
type Constant time.Duration

// Delay returns the interval.
func (c Constant) Delay(int) time.Duration { return time.Duration(c) }

// Linear waits Initial*retry, capped at Max when Max > 0.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Strategy.
func (l Linear) Delay(retry int) time.Duration {
	n := time.Duration(max(retry, 1))
	if l.Initial > 0 && n > math.MaxInt64/l.Initial {
		return capped(math.MaxInt64, l.Max)
	}
	return capped(l.Initial*n, l.Max)
}

// Exponential doubles the wait each retry: Initial*2^(retry-1), capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Strategy.
func (e Exponential) Delay(retry int) time.Duration {
	return capped(exponential(e.Initial, retry), e.Max)
}

// ExponentialWithJitter picks a uniformly random wait in
// [0, min(Initial*2^(retry-1), Max)]. Cooperating instances that fail
// together spread their retries instead of hitting the lock at once.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Strategy.
func (e ExponentialWithJitter) Delay(retry int) time.Duration {
	ceiling := capped(exponential(e.Initial, retry), e.Max)
	return time.Duration(rand.Float64() * float64(ceiling)) //nolint:gosec // jitter only
}

func exponential(initial time.Duration, retry int) time.Duration {
	f := float64(initial) * math.Pow(2, float64(max(retry, 1)-1))
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func capped(d, limit time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
