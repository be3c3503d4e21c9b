package service

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"cascade/internal/domain"
)

type Dispatcher struct {
	tasks       TaskSource
	allocations AllocationStore
	txManager   TransactionManager
	heartbeat   *HeartbeatTracker
	selector    Selector
	publisher   Publisher
	audit       *AuditTrail
	logger      *slog.Logger
	now         func() time.Time
	locks       *keyedMutex
}

// NewDispatcher wires the allocator. publisher may be nil, in which case
// allocations are only available to nodes through the pull path.
func NewDispatcher(
	tasks TaskSource,
	allocations AllocationStore,
	txManager TransactionManager,
	heartbeat *HeartbeatTracker,
	selector Selector,
	publisher Publisher,
	audit *AuditTrail,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		tasks:       tasks,
		allocations: allocations,
		txManager:   txManager,
		heartbeat:   heartbeat,
		selector:    selector,
		publisher:   publisher,
		audit:       audit,
		logger:      logger.With("component", "dispatcher"),
		now:         time.Now,
		locks:       newKeyedMutex(),
	}
}

// Run executes one interval dispatch cycle over the enabled tasks that have
// no cron schedule of their own.
func (d *Dispatcher) Run(ctx context.Context) error {
	tasks, err := d.candidateTasks(ctx, "")
	if err != nil {
		return err
	}
	unscheduled := tasks[:0]
	for _, task := range tasks {
		if task.Schedule == "" {
			unscheduled = append(unscheduled, task)
		}
	}
	_, err = d.dispatch(ctx, unscheduled)
	return err
}

// DispatchTask runs one dispatch cycle for a single task.
func (d *Dispatcher) DispatchTask(ctx context.Context, taskID string) error {
	_, err := d.Dispatch(ctx, taskID)
	return err
}

// Dispatch allocates the uncovered feeds of one task, or of every enabled
// task when taskID is empty. Having no online worker is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) (*domain.DispatchSummary, error) {
	tasks, err := d.candidateTasks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, tasks)
}

func (d *Dispatcher) dispatch(ctx context.Context, tasks []domain.Task) (*domain.DispatchSummary, error) {
	startTime := d.now()
	summary := &domain.DispatchSummary{
		ScheduleRunID: uuid.NewString(),
		Tasks:         []domain.TaskDispatch{},
	}
	logger := d.logger.With("schedule_run_id", summary.ScheduleRunID)
	summary.CandidateTasks = len(tasks)

	nodes, err := d.heartbeat.OnlineWorkers(ctx)
	if err != nil {
		return nil, err
	}
	summary.OnlineNodes = len(nodes)

	if len(nodes) == 0 || len(tasks) == 0 {
		logger.Info("nothing to dispatch", "online_nodes", len(nodes), "candidate_tasks", len(tasks))
		return summary, nil
	}

	load, err := d.allocations.ActiveCountByNode(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active allocations: %w", err)
	}
	if load == nil {
		load = make(map[string]int)
	}

	for _, task := range tasks {
		result, created := d.dispatchTask(ctx, summary.ScheduleRunID, task, nodes, load)
		for i := range created {
			d.deliver(ctx, &created[i])
		}
		summary.Tasks = append(summary.Tasks, result)
		summary.AllocationsCreated += result.Allocations
	}

	logger.Info("dispatch completed",
		"online_nodes", summary.OnlineNodes,
		"candidate_tasks", summary.CandidateTasks,
		"allocations_created", summary.AllocationsCreated,
		"duration", d.now().Sub(startTime),
	)
	return summary, nil
}

func (d *Dispatcher) candidateTasks(ctx context.Context, taskID string) ([]domain.Task, error) {
	if taskID == "" {
		tasks, err := d.tasks.PendingTasks(ctx)
		if err != nil {
			return nil, fmt.Errorf("list pending tasks: %w", err)
		}
		return tasks, nil
	}
	task, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return []domain.Task{*task}, nil
}

// dispatchTask plans and stores the allocations of one task. Store failures
// are reported in the returned entry and leave load untouched.
func (d *Dispatcher) dispatchTask(
	ctx context.Context,
	runID string,
	task domain.Task,
	nodes []domain.Node,
	load map[string]int,
) (domain.TaskDispatch, []domain.Allocation) {
	feedIDs := uniqueFeeds(task.FeedIDs)
	result := domain.TaskDispatch{TaskID: task.ID, FeedCount: len(feedIDs)}

	unlock := d.locks.Lock(task.ID)
	defer unlock()

	var created []domain.Allocation
	planned := maps.Clone(load)

	err := d.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := d.allocations.LockTask(txCtx, task.ID); err != nil {
			return fmt.Errorf("lock task: %w", err)
		}

		active, err := d.allocations.ActiveFeedIDs(txCtx, task.ID)
		if err != nil {
			return fmt.Errorf("active feeds: %w", err)
		}
		covered := make(map[string]struct{}, len(active))
		for _, id := range active {
			covered[id] = struct{}{}
		}

		var remaining []string
		for _, id := range feedIDs {
			if _, ok := covered[id]; !ok {
				remaining = append(remaining, id)
			}
		}
		result.SkippedFeeds = len(feedIDs) - len(remaining)
		if len(remaining) == 0 {
			return nil
		}

		plan, unassigned := d.selector.Plan(nodes, planned, remaining)
		result.SkippedFeeds += len(unassigned)

		now := d.now().UTC()
		for _, node := range nodes {
			batch := plan[node.ID]
			if len(batch) == 0 {
				continue
			}
			allocation := domain.Allocation{
				ID:            uuid.NewString(),
				NodeID:        node.ID,
				TaskID:        task.ID,
				TaskName:      task.Name,
				FeedIDs:       batch,
				Status:        domain.AllocationPending,
				ScheduleRunID: runID,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := d.allocations.Create(txCtx, &allocation); err != nil {
				return fmt.Errorf("create allocation: %w", err)
			}
			created = append(created, allocation)
		}
		return nil
	})
	if err != nil {
		d.logger.Error("task dispatch failed", "task_id", task.ID, "error", err)
		result.Error = err.Error()
		result.SkippedFeeds = 0
		return result, nil
	}

	maps.Copy(load, planned)
	for _, a := range created {
		result.AllocatedFeeds += len(a.FeedIDs)
	}
	result.Allocations = len(created)
	return result, created
}

// deliver pushes a committed allocation to its node. The allocation stays
// pending for the pull path whatever the outcome.
func (d *Dispatcher) deliver(ctx context.Context, allocation *domain.Allocation) {
	mode := "pull"
	var publishErr error
	if d.publisher != nil {
		mode = "push"
		if publishErr = d.publisher.PublishAllocation(ctx, allocation); publishErr != nil {
			d.logger.Warn("failed to publish allocation",
				"allocation_id", allocation.ID,
				"node_id", allocation.NodeID,
				"error", publishErr,
			)
		}
	}

	d.audit.Record(ctx, allocation.NodeID, domain.OpDispatch, domain.DirectionOutbound, len(allocation.FeedIDs), publishErr, map[string]any{
		"allocation_id":   allocation.ID,
		"task_id":         allocation.TaskID,
		"schedule_run_id": allocation.ScheduleRunID,
		"mode":            mode,
	})
}

// Summary reports allocation counters. Today starts at UTC midnight.
func (d *Dispatcher) Summary(ctx context.Context) (*domain.CascadeSummary, error) {
	now := d.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	counts, err := d.allocations.Counts(ctx, midnight)
	if err != nil {
		return nil, fmt.Errorf("count allocations: %w", err)
	}
	nodes, err := d.heartbeat.OnlineWorkers(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.CascadeSummary{AllocationCounts: *counts, OnlineNodes: len(nodes)}, nil
}

func uniqueFeeds(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// keyedMutex serializes work per key without a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
