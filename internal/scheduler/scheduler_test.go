package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsStagePeriodically(t *testing.T) {
	var cycles atomic.Int32

	s := New(Stage{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			cycles.Add(1)

			return nil
		},
	})

	s.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for cycles.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("cycles = %d after 2s, want at least 3", cycles.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.Stop()
}

func TestSchedulerSkipsOverlappingCycles(t *testing.T) {
	var (
		concurrent atomic.Int32
		peak       atomic.Int32
	)

	release := make(chan struct{})

	s := New(Stage{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			n := concurrent.Add(1)
			defer concurrent.Add(-1)

			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}

			<-release

			return nil
		},
	})

	s.Start(context.Background())

	// Let several ticks fire while the first cycle is still blocked.
	time.Sleep(50 * time.Millisecond)
	close(release)
	s.Stop()

	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent cycles = %d, want 1 (overlap must be skipped)", got)
	}
}

func TestSchedulerStagesRunIndependently(t *testing.T) {
	var fast atomic.Int32

	blocked := make(chan struct{})

	s := New(
		Stage{
			Name:     "stuck",
			Interval: 5 * time.Millisecond,
			Run: func(context.Context) error {
				<-blocked

				return nil
			},
		},
		Stage{
			Name:     "fast",
			Interval: 5 * time.Millisecond,
			Run: func(context.Context) error {
				fast.Add(1)

				return nil
			},
		},
	)

	s.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for fast.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("fast cycles = %d, want at least 3 while the other stage is stuck", fast.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(blocked)
	s.Stop()
}

func TestSchedulerStopWaitsForInflightCycle(t *testing.T) {
	var finished atomic.Bool

	started := make(chan struct{})

	s := New(Stage{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(context.Context) error {
			close(started)
			time.Sleep(30 * time.Millisecond)
			finished.Store(true)

			return nil
		},
	})

	s.Start(context.Background())
	<-started
	s.Stop()

	if !finished.Load() {
		t.Error("Stop() returned before the in-flight cycle finished")
	}
}
