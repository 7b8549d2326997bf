package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Catalog collects job definitions up front and registers them on a
// Scheduler in one pass at startup.
//
//	err := jobs.NewCatalog().
//		Cron("report", "0 0 9 * * *", report, jobs.WithWaiting(true)).
//		Interval("heartbeat", 30*time.Second, beat).
//		Register(sched)
type Catalog struct {
	defs      []definition
	overrides func(key string) []Option
}

type definition struct {
	key      string
	register func(s *Scheduler, opts []Option) error
	opts     []Option
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{}
}

func (c *Catalog) add(key string, opts []Option, register func(*Scheduler, []Option) error) *Catalog {
	c.defs = append(c.defs, definition{key: key, register: register, opts: opts})
	return c
}

// Cron declares a job on a cron rule. See Scheduler.ScheduleCron.
func (c *Catalog) Cron(key, rule string, fn Func, opts ...Option) *Catalog {
	return c.add(key, opts, func(s *Scheduler, opts []Option) error {
		return s.ScheduleCron(key, rule, fn, opts...)
	})
}

// Recurrence declares a job on a structured cron rule.
func (c *Catalog) Recurrence(key string, r Recurrence, fn Func, opts ...Option) *Catalog {
	return c.add(key, opts, func(s *Scheduler, opts []Option) error {
		return s.ScheduleRecurrence(key, r, fn, opts...)
	})
}

// Interval declares a job running every period.
func (c *Catalog) Interval(key string, every time.Duration, fn Func, opts ...Option) *Catalog {
	return c.add(key, opts, func(s *Scheduler, opts []Option) error {
		return s.ScheduleInterval(key, every, fn, opts...)
	})
}

// Timeout declares a job running once after delay.
func (c *Catalog) Timeout(key string, delay time.Duration, fn Func, opts ...Option) *Catalog {
	return c.add(key, opts, func(s *Scheduler, opts []Option) error {
		return s.ScheduleTimeout(key, delay, fn, opts...)
	})
}

// WithOverrides sets a lookup whose options are applied after each
// definition's own, typically FileConfig.JobOptions.
func (c *Catalog) WithOverrides(fn func(key string) []Option) *Catalog {
	c.overrides = fn
	return c
}

// Keys returns the declared keys in declaration order.
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.defs))
	for i, d := range c.defs {
		keys[i] = d.key
	}
	return keys
}

// Register schedules every definition on s in declaration order. A failing
// definition does not stop the others; all failures are returned joined.
func (c *Catalog) Register(s *Scheduler) error {
	var errs []error
	for _, d := range c.defs {
		opts := d.opts
		if c.overrides != nil {
			if extra := c.overrides(d.key); len(extra) > 0 {
				opts = append(append([]Option(nil), d.opts...), extra...)
			}
		}
		if err := d.register(s, opts); err != nil {
			errs = append(errs, fmt.Errorf("catalog: %w", err))
		}
	}
	return errors.Join(errs...)
}
