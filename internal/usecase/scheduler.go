package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/ports"
)

// Job is one recurring run triggered at the given time.
type Job func(ctx context.Context, at time.Time) error

// Guard lets at most one run of a kind execute at a time.
type Guard struct {
	mu sync.Mutex
}

// TryRun calls fn unless another run holds the guard; it reports whether fn ran.
func (g *Guard) TryRun(fn func()) bool {
	if !g.mu.TryLock() {
		return false
	}
	defer g.mu.Unlock()
	fn()
	return true
}

// Scheduler wires the interval driver with a run use case.
type Scheduler struct {
	name   string
	driver ports.Scheduler
	guard  *Guard
	job    Job
	logger *slog.Logger
}

// NewScheduler returns a helper to start/stop one recurring job.
func NewScheduler(name string, driver ports.Scheduler, guard *Guard, job Job, logger *slog.Logger) *Scheduler {
	if guard == nil {
		guard = &Guard{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{name: name, driver: driver, guard: guard, job: job, logger: logger}
}

// Start registers the job with the provided driver.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.job == nil {
		return nil
	}

	tick := func(trigger time.Time) {
		ran := s.guard.TryRun(func() {
			if err := s.job(ctx, trigger); err != nil {
				s.logger.Error("scheduled run failed", "job", s.name, "error", err)
			}
		})
		if !ran {
			s.logger.Warn("previous run still active; tick skipped", "job", s.name)
		}
	}

	return s.driver.Start(ctx, tick)
}

// Stop gracefully tears down the underlying driver.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
