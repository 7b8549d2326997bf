package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ruleParser accepts the standard five fields with an optional leading
// seconds field, descriptors such as "@hourly" or "@every 30s", and a
// "CRON_TZ=Area/City" prefix.
var ruleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseRule parses a cron rule.
func ParseRule(rule string) (cron.Schedule, error) {
	sched, err := ruleParser.Parse(strings.TrimSpace(rule))
	if err != nil {
		return nil, fmt.Errorf("%w: cron rule %q: %v", ErrInvalidSchedule, rule, err)
	}
	return sched, nil
}

// Recurrence is a structured cron rule. When any of the recurrence fields is
// set they define the rule (unset fields match everything, except Second
// which defaults to "0"); otherwise Rule is used. Start and End bound the
// firings and take precedence over WithStartTime and WithEndTime.
type Recurrence struct {
	Rule string

	Second     string
	Minute     string
	Hour       string
	DayOfMonth string
	Month      string
	DayOfWeek  string

	Start *time.Time
	End   *time.Time

	// Location evaluates the rule in a time zone other than the scheduler's.
	Location *time.Location
}

func (r Recurrence) hasFields() bool {
	return r.Second != "" || r.Minute != "" || r.Hour != "" ||
		r.DayOfMonth != "" || r.Month != "" || r.DayOfWeek != ""
}

// Expression returns the cron expression the recurrence describes.
func (r Recurrence) Expression() string {
	expr := strings.TrimSpace(r.Rule)
	if r.hasFields() {
		expr = strings.Join([]string{
			orDefault(r.Second, "0"),
			orDefault(r.Minute, "*"),
			orDefault(r.Hour, "*"),
			orDefault(r.DayOfMonth, "*"),
			orDefault(r.Month, "*"),
			orDefault(r.DayOfWeek, "*"),
		}, " ")
	}
	if r.Location != nil && expr != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + r.Location.String() + " " + expr
	}
	return expr
}

// Schedule parses the recurrence and applies its bounds.
func (r Recurrence) Schedule() (cron.Schedule, error) {
	expr := r.Expression()
	if expr == "" {
		return nil, fmt.Errorf("%w: recurrence has neither a rule nor fields", ErrInvalidSchedule)
	}
	sched, err := ParseRule(expr)
	if err != nil {
		return nil, err
	}
	return bounded(sched, r.Start, r.End), nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

// boundedSchedule restricts a schedule to [start, end]. A zero Next tells
// robfig/cron the entry will never run again.
type boundedSchedule struct {
	cron.Schedule
	start *time.Time
	end   *time.Time
}

func bounded(sched cron.Schedule, start, end *time.Time) cron.Schedule {
	if start == nil && end == nil {
		return sched
	}
	return &boundedSchedule{Schedule: sched, start: start, end: end}
}

// Next returns the first activation after t that lies within the bounds.
func (b *boundedSchedule) Next(t time.Time) time.Time {
	// Next is strictly after its argument; step back so a firing exactly at
	// start is included.
	if b.start != nil && t.Before(*b.start) {
		t = b.start.Add(-time.Nanosecond)
	}
	next := b.Schedule.Next(t)
	if next.IsZero() {
		return next
	}
	if b.end != nil && next.After(*b.end) {
		return time.Time{}
	}
	return next
}
