// Package scheduler drives the pipeline stages on independent periodic
// intervals. Stages may run concurrently with each other, but one stage
// never runs two overlapping cycles: a cycle that finds the previous one
// still active is skipped, not queued.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/config"
)

// defaultInterval applies to stages registered without one.
const defaultInterval = time.Minute

type (
	// Stage is one periodic pipeline stage.
	Stage struct {
		Name     string
		Interval time.Duration
		Run      func(ctx context.Context) error
	}

	stageState struct {
		Stage

		// busy is held for the duration of one cycle; TryLock failing
		// means the previous cycle is still active.
		busy sync.Mutex
	}

	// Scheduler owns the stage loops.
	Scheduler struct {
		stages []*stageState
		logger *slog.Logger

		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

// New creates a scheduler over the given stages. Stages without an
// interval get the one-minute default.
func New(stages ...Stage) *Scheduler {
	s := &Scheduler{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, stage := range stages {
		if stage.Interval <= 0 {
			stage.Interval = defaultInterval
		}

		s.stages = append(s.stages, &stageState{Stage: stage})
	}

	return s
}

// Start launches one loop per stage. Each stage runs once immediately,
// then on its interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, stage := range s.stages {
		s.wg.Add(1)

		go s.loop(ctx, stage)

		s.logger.Info("Stage scheduled",
			slog.String("stage", stage.Name),
			slog.Duration("interval", stage.Interval),
		)
	}
}

// Stop cancels all stage loops and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stage *stageState) {
	defer s.wg.Done()

	ticker := time.NewTicker(stage.Interval)
	defer ticker.Stop()

	s.runCycle(ctx, stage)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx, stage)
		}
	}
}

// runCycle executes one stage cycle unless the previous one is still
// active, in which case this tick is skipped.
func (s *Scheduler) runCycle(ctx context.Context, stage *stageState) {
	if !stage.busy.TryLock() {
		s.logger.Debug("Stage cycle still active, skipping tick",
			slog.String("stage", stage.Name),
		)

		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer stage.busy.Unlock()

		started := time.Now()

		if err := stage.Run(ctx); err != nil {
			s.logger.Error("Stage cycle failed",
				slog.String("stage", stage.Name),
				slog.String("error", err.Error()),
			)

			return
		}

		s.logger.Debug("Stage cycle complete",
			slog.String("stage", stage.Name),
			slog.Duration("elapsed", time.Since(started)),
		)
	}()
}
