package jobs

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestCatalog_Register(t *testing.T) {
	sched, triggers := newTestScheduler(t, Config{})
	rec := newRecorder(nil)

	catalog := NewCatalog().
		Cron("cron", "0 0 9 * * *", rec.Func).
		Recurrence("rec", Recurrence{Hour: "9"}, rec.Func).
		Interval("interval", time.Minute, rec.Func, WithWaiting(true)).
		Timeout("timeout", time.Hour, rec.Func)

	if got, want := catalog.Keys(), []string{"cron", "rec", "interval", "timeout"}; !slices.Equal(got, want) {
		t.Errorf("expected keys %v, got %v", want, got)
	}
	if err := catalog.Register(sched); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sched.Len() != 4 {
		t.Fatalf("expected 4 jobs, got %d", sched.Len())
	}

	// Registered in declaration order.
	triggers.mu.Lock()
	kinds := make([]Kind, len(triggers.regs))
	for i, r := range triggers.regs {
		kinds[i] = r.kind
	}
	triggers.mu.Unlock()
	if want := []Kind{KindCron, KindCron, KindInterval, KindTimeout}; !slices.Equal(kinds, want) {
		t.Errorf("expected trigger kinds %v, got %v", want, kinds)
	}

	info, _ := sched.Get("interval")
	if !info.Config.Waiting {
		t.Error("definition options were not applied")
	}
}

func TestCatalog_RegisterCollectsErrors(t *testing.T) {
	sched, _ := newTestScheduler(t, Config{})
	rec := newRecorder(nil)

	err := NewCatalog().
		Interval("a", time.Minute, rec.Func).
		Cron("bad", "not a rule", rec.Func).
		Interval("a", time.Minute, rec.Func).
		Timeout("b", time.Minute, rec.Func).
		Register(sched)

	if !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("expected ErrInvalidSchedule in %v", err)
	}
	if !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob in %v", err)
	}
	// Failures do not prevent later definitions.
	if got := sched.Keys(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("expected keys [a b], got %v", got)
	}
}

func TestCatalog_WithOverrides(t *testing.T) {
	sched, _ := newTestScheduler(t, Config{})
	rec := newRecorder(nil)

	overrides := map[string][]Option{
		"slow": {WithMaxRetry(5), WithWaiting(false)},
		"off":  {WithEnable(false)},
	}
	err := NewCatalog().
		Interval("slow", time.Minute, rec.Func, WithWaiting(true), WithMaxRetry(1)).
		Interval("off", time.Minute, rec.Func).
		Interval("plain", time.Minute, rec.Func, WithMaxRetry(2)).
		WithOverrides(func(key string) []Option { return overrides[key] }).
		Register(sched)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, ok := sched.Get("slow")
	if !ok {
		t.Fatal("expected slow to be registered")
	}
	if info.Config.MaxRetry != 5 || info.Config.Waiting {
		t.Errorf("overrides should win over definition options, got %+v", info.Config)
	}
	if _, ok := sched.Get("off"); ok {
		t.Error("a disabled override should keep the job out of the registry")
	}
	if info, _ := sched.Get("plain"); info.Config.MaxRetry != 2 {
		t.Errorf("expected definition options without override, got %d", info.Config.MaxRetry)
	}
}
