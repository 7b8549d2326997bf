package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// TestConcurrentSchedulers validates that multiple scheduler instances sharing
// a Locker never run the same job key at the same time.
func TestConcurrentSchedulers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}

	const (
		numSchedulers = 20 // Number of cooperating scheduler instances
		numKeys       = 10 // Keys registered on every instance
		period        = 5 * time.Millisecond
		runFor        = 750 * time.Millisecond
	)

	t.Logf("Test configuration: %d schedulers, %d keys, period %v, running for %v",
		numSchedulers, numKeys, period, runFor)

	locker := NewMemoryLocker()
	executions := newExecutionTracker()

	var errorCount atomic.Int64
	schedulers := make([]*Scheduler, 0, numSchedulers)
	for i := 0; i < numSchedulers; i++ {
		schedulerID := i
		sched, err := New(Config{
			Locker: locker,
			OnError: func(ctx context.Context, key string, err error) {
				errorCount.Add(1)
				t.Logf("Scheduler %d error on %s: %v", schedulerID, key, err)
			},
		})
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}
		schedulers = append(schedulers, sched)
	}

	keys := make([]string, numKeys)
	for i := range keys {
		keys[i] = fmt.Sprintf("job-%03d", i)
	}

	// Register everything from all instances at once for maximum contention.
	startTime := time.Now()
	var g errgroup.Group
	for i, sched := range schedulers {
		g.Go(func() error {
			for _, key := range keys {
				fn := func(ctx context.Context) (bool, error) {
					release := executions.Enter(key)
					defer release()
					// Simulate some work
					time.Sleep(time.Millisecond)
					return false, nil
				}
				if err := sched.ScheduleInterval(key, period, fn, WithLockTTL(30*time.Second)); err != nil {
					return fmt.Errorf("scheduler %d: %w", i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Failed to register jobs: %v", err)
	}

	time.Sleep(runFor)

	t.Log("Stopping schedulers...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	var stop errgroup.Group
	for i, sched := range schedulers {
		stop.Go(func() error {
			if err := sched.Stop(stopCtx); err != nil {
				return fmt.Errorf("scheduler %d: %w", i, err)
			}
			return nil
		})
	}
	if err := stop.Wait(); err != nil {
		t.Errorf("Warning: stop error: %v", err)
	}
	duration := time.Since(startTime)

	separator := strings.Repeat("=", 80)
	t.Log("\n" + separator)
	t.Log("CONCURRENCY TEST RESULTS")
	t.Log(separator)

	stats := executions.Stats(keys)
	t.Logf("\nExecution Statistics:")
	t.Logf("  Total executions:         %d", stats.TotalExecutions)
	t.Logf("  Keys executed:            %d/%d", stats.UniqueKeys, numKeys)
	t.Logf("  Max concurrent per key:   %d", stats.MaxConcurrent)
	t.Logf("  Overlapping runs:         %d", stats.Overlaps)
	t.Logf("  Errors encountered:       %d", errorCount.Load())
	t.Logf("\nPerformance Metrics:")
	t.Logf("  Total duration:           %v", duration)
	t.Logf("  Concurrent schedulers:    %d", numSchedulers)
	t.Log(separator)

	if stats.Overlaps > 0 {
		t.Errorf("FAILED: %d runs overlapped another run of the same key (max %d at once)",
			stats.Overlaps, stats.MaxConcurrent)
		t.Errorf("This indicates a race condition in the locking mechanism!")
	}
	if len(stats.MissedKeys) > 0 {
		t.Errorf("FAILED: keys never executed: %v", stats.MissedKeys)
	}
	if errorCount.Load() > 0 {
		t.Errorf("FAILED: %d errors reported", errorCount.Load())
	}
	if locker.Held(keys[0]) {
		t.Error("FAILED: lock still held after all schedulers stopped")
	}

	if stats.Overlaps == 0 && len(stats.MissedKeys) == 0 {
		t.Logf("\n✓ SUCCESS: %d executions over %d keys, never more than one at a time",
			stats.TotalExecutions, numKeys)
	}
}

// executionTracker records runs per key and how many were active at once.
type executionTracker struct {
	mu       sync.Mutex
	counts   map[string]int
	active   map[string]int
	peak     map[string]int
	overlaps int
}

func newExecutionTracker() *executionTracker {
	return &executionTracker{
		counts: make(map[string]int),
		active: make(map[string]int),
		peak:   make(map[string]int),
	}
}

// Enter marks a run of key as started and returns the function ending it.
func (et *executionTracker) Enter(key string) func() {
	et.mu.Lock()
	defer et.mu.Unlock()

	et.counts[key]++
	et.active[key]++
	if et.active[key] > 1 {
		et.overlaps++
	}
	if et.active[key] > et.peak[key] {
		et.peak[key] = et.active[key]
	}
	return func() {
		et.mu.Lock()
		et.active[key]--
		et.mu.Unlock()
	}
}

func (et *executionTracker) Count(key string) int {
	et.mu.Lock()
	defer et.mu.Unlock()
	return et.counts[key]
}

type executionStats struct {
	TotalExecutions int
	UniqueKeys      int
	MaxConcurrent   int
	Overlaps        int
	MissedKeys      []string
}

func (et *executionTracker) Stats(expected []string) executionStats {
	et.mu.Lock()
	defer et.mu.Unlock()

	stats := executionStats{
		UniqueKeys: len(et.counts),
		Overlaps:   et.overlaps,
	}
	for _, count := range et.counts {
		stats.TotalExecutions += count
	}
	for _, peak := range et.peak {
		stats.MaxConcurrent = max(stats.MaxConcurrent, peak)
	}
	for _, key := range expected {
		if et.counts[key] == 0 {
			stats.MissedKeys = append(stats.MissedKeys, key)
		}
	}
	return stats
}
