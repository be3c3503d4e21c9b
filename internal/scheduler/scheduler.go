package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic unit of work. A zero Interval disables it.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		logger: logger.With("component", "scheduler"),
	}
}

// Start runs every enabled job until ctx is cancelled. Each job runs once
// immediately and then on its own ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.logger.Info("job disabled", "job", job.Name)
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	s.logger.Info("job started", "job", job.Name, "interval", job.Interval)

	s.runJob(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, job)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := job.Run(runCtx); err != nil {
		s.logger.Error("job failed", "job", job.Name, "error", err)
	}
}
