//go:build !race

package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestConcurrentRegistryLarge hammers a single scheduler with concurrent
// registrations and cancellations of overlapping keys. Skipped in race
// detector mode as it's intentionally creating high concurrency.
func TestConcurrentRegistryLarge(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping large concurrency test in short mode")
	}

	const (
		numWorkers  = 100  // Goroutines racing on the registry
		numKeys     = 2000 // Distinct job keys
		rounds      = 3    // Register/cancel cycles
		testTimeout = 2 * time.Minute
	)

	t.Logf("LARGE STRESS TEST: %d workers, %d keys, %d rounds", numWorkers, numKeys, rounds)

	sched, err := New(Config{})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	defer sched.Stop(context.Background())

	keys := make([]string, numKeys)
	for i := range keys {
		keys[i] = fmt.Sprintf("job-%06d", i)
	}

	// Far enough out that nothing fires during the test.
	noop := Simple(func(context.Context) error { return nil })
	schedule := func(worker int, key string) error {
		switch worker % 3 {
		case 0:
			return sched.ScheduleInterval(key, time.Hour, noop)
		case 1:
			return sched.ScheduleTimeout(key, time.Hour, noop)
		default:
			return sched.ScheduleCron(key, "0 0 1 1 *", noop)
		}
	}

	startTime := time.Now()
	for round := 0; round < rounds; round++ {
		var (
			wg         sync.WaitGroup
			successes  = make([]atomic.Int32, numKeys)
			duplicates atomic.Int64
			unexpected atomic.Int64
		)

		for w := 0; w < numWorkers; w++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for i, key := range keys {
					err := schedule(worker, key)
					var dup *DuplicateJobError
					switch {
					case err == nil:
						successes[i].Add(1)
					case errors.As(err, &dup) && dup.Key == key:
						duplicates.Add(1)
					default:
						if unexpected.Add(1) <= 5 {
							t.Logf("Worker %d unexpected error: %v", worker, err)
						}
					}
				}
			}(w)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Fatal("Test timeout reached")
		}

		var missing, doubled int
		for i := range successes {
			switch n := successes[i].Load(); {
			case n == 0:
				missing++
			case n > 1:
				doubled++
			}
		}

		t.Logf("Round %d: %d registered, %d duplicates rejected, %d keys doubled, %d missing, %d errors",
			round+1, sched.Len(), duplicates.Load(), doubled, missing, unexpected.Load())

		if doubled > 0 {
			t.Errorf("FAILED: %d keys were registered more than once", doubled)
			t.Errorf("This indicates a race condition in the registry!")
		}
		if missing > 0 {
			t.Errorf("FAILED: %d keys were never registered", missing)
		}
		if unexpected.Load() > 0 {
			t.Errorf("FAILED: %d unexpected registration errors", unexpected.Load())
		}
		if want := int64(numKeys * (numWorkers - 1)); duplicates.Load() != want {
			t.Errorf("FAILED: expected %d duplicate rejections, got %d", want, duplicates.Load())
		}
		if sched.Len() != numKeys {
			t.Fatalf("FAILED: expected %d registered jobs, got %d", numKeys, sched.Len())
		}

		// Cancel every key from several goroutines at once.
		for w := 0; w < numWorkers/10; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, key := range keys {
					sched.Cancel(key)
				}
			}()
		}
		wg.Wait()

		if sched.Len() != 0 {
			t.Fatalf("FAILED: expected an empty registry after cancel, got %d jobs", sched.Len())
		}
	}

	duration := time.Since(startTime)
	separator := strings.Repeat("=", 80)
	t.Log(separator)
	t.Logf("  Total duration:           %v", duration)
	t.Logf("  Registrations attempted:  %d", numWorkers*numKeys*rounds)
	t.Logf("  Attempts per second:      %.0f", float64(numWorkers*numKeys*rounds)/duration.Seconds())
	t.Log(separator)
}
