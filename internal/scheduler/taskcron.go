package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cascade/internal/domain"
)

type TaskLister interface {
	PendingTasks(ctx context.Context) ([]domain.Task, error)
}

// TaskCron dispatches the tasks that carry their own cron schedule. Sync
// keeps its entries in step with the task source.
type TaskCron struct {
	tasks    TaskLister
	dispatch func(ctx context.Context, taskID string) error
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cron    *cron.Cron
	entries map[string]cronEntry
}

type cronEntry struct {
	spec string
	id   cron.EntryID
}

func NewTaskCron(
	tasks TaskLister,
	dispatch func(ctx context.Context, taskID string) error,
	timeout time.Duration,
	logger *slog.Logger,
) *TaskCron {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &TaskCron{
		tasks:    tasks,
		dispatch: dispatch,
		timeout:  timeout,
		logger:   logger.With("component", "task_cron"),
		ctx:      context.Background(),
		cron:     cron.New(cron.WithLocation(time.UTC)),
		entries:  make(map[string]cronEntry),
	}
}

// Start runs the cron until ctx is cancelled and waits for running
// dispatches to finish.
func (c *TaskCron) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.cron.Start()
	<-ctx.Done()
	<-c.cron.Stop().Done()
	c.logger.Info("task cron stopped")
	return ctx.Err()
}

// Sync adds, replaces and removes entries to match the enabled tasks. A task
// whose expression does not parse is logged and left unscheduled.
func (c *TaskCron) Sync(ctx context.Context) error {
	tasks, err := c.tasks.PendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}

	wanted := make(map[string]string, len(tasks))
	for _, task := range tasks {
		if task.Schedule != "" {
			wanted[task.ID] = task.Schedule
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.entries {
		if spec, ok := wanted[id]; !ok || spec != entry.spec {
			c.cron.Remove(entry.id)
			delete(c.entries, id)
			c.logger.Info("task unscheduled", "task_id", id, "schedule", entry.spec)
		}
	}

	for id, spec := range wanted {
		if _, ok := c.entries[id]; ok {
			continue
		}
		entryID, err := c.cron.AddFunc(spec, c.job(id))
		if err != nil {
			c.logger.Warn("invalid task schedule", "task_id", id, "schedule", spec, "error", err)
			continue
		}
		c.entries[id] = cronEntry{spec: spec, id: entryID}
		c.logger.Info("task scheduled", "task_id", id, "schedule", spec)
	}
	return nil
}

// Next reports when a task is next due, if it is scheduled.
func (c *TaskCron) Next(taskID string) (time.Time, bool) {
	c.mu.Lock()
	entry, ok := c.entries[taskID]
	c.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return c.cron.Entry(entry.id).Schedule.Next(time.Now().UTC()), true
}

func (c *TaskCron) job(taskID string) func() {
	return func() {
		c.mu.Lock()
		base := c.ctx
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(base, c.timeout)
		defer cancel()

		if err := c.dispatch(ctx, taskID); err != nil {
			c.logger.Error("scheduled dispatch failed", "task_id", taskID, "error", err)
		}
	}
}
