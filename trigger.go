package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerSource invokes a firing callback at the right moments. Every
// firing must run on its own goroutine so a slow job never delays another.
type TriggerSource interface {
	// Recurring fires at every activation of sched.
	Recurring(sched cron.Schedule, fire func()) (Handle, error)
	// Once fires a single time after delay.
	Once(delay time.Duration, fire func()) Handle
	// Repeating fires every period until cancelled.
	Repeating(period time.Duration, fire func()) Handle
}

// Handle cancels a trigger registration. Cancel is idempotent.
type Handle interface {
	Cancel()
}

// HandleFunc adapts a function to the Handle interface.
type HandleFunc func()

// Cancel calls f.
func (f HandleFunc) Cancel() { f() }

// Triggers is the default TriggerSource: cron activations come from a
// robfig/cron runner, one-shot and repeating firings from the runtime timers.
type Triggers struct {
	cron *cron.Cron

	mu      sync.Mutex
	started bool
	stopped bool
	tickers map[*time.Ticker]chan struct{}
}

// NewTriggers returns a Triggers evaluating cron rules in loc (time.Local when nil).
func NewTriggers(loc *time.Location) *Triggers {
	if loc == nil {
		loc = time.Local
	}
	return &Triggers{
		cron:    cron.New(cron.WithLocation(loc)),
		tickers: make(map[*time.Ticker]chan struct{}),
	}
}

// Recurring implements TriggerSource.
func (t *Triggers) Recurring(sched cron.Schedule, fire func()) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, ErrSchedulerStopped
	}
	// The runner is started lazily so a scheduler without cron jobs keeps
	// no goroutine around.
	if !t.started {
		t.cron.Start()
		t.started = true
	}
	id := t.cron.Schedule(sched, cron.FuncJob(fire))
	var once sync.Once
	return HandleFunc(func() {
		once.Do(func() { t.cron.Remove(id) })
	}), nil
}

// Once implements TriggerSource. After Stop it returns a handle that never
// fires.
func (t *Triggers) Once(delay time.Duration, fire func()) Handle {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return HandleFunc(func() {})
	}
	timer := time.AfterFunc(max(delay, 0), fire)
	return HandleFunc(func() { timer.Stop() })
}

// Repeating implements TriggerSource. After Stop it returns a handle that
// never fires.
func (t *Triggers) Repeating(period time.Duration, fire func()) Handle {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return HandleFunc(func() {})
	}
	ticker := time.NewTicker(period)
	done := make(chan struct{})
	t.tickers[ticker] = done
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				go fire()
			}
		}
	}()

	return HandleFunc(func() { t.stopTicker(ticker) })
}

func (t *Triggers) stopTicker(ticker *time.Ticker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if done, ok := t.tickers[ticker]; ok {
		ticker.Stop()
		close(done)
		delete(t.tickers, ticker)
	}
}

// Stop halts the cron runner and every ticker. Firings already running are
// not interrupted; the returned context is done once the cron runner's jobs
// have returned.
func (t *Triggers) Stop() context.Context {
	t.mu.Lock()
	t.stopped = true
	tickers := make([]*time.Ticker, 0, len(t.tickers))
	for ticker := range t.tickers {
		tickers = append(tickers, ticker)
	}
	t.mu.Unlock()

	for _, ticker := range tickers {
		t.stopTicker(ticker)
	}
	return t.cron.Stop()
}
