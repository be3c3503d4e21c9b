package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cascade/internal/domain"
)

const (
	maxClaimAttempts = 10
	sweepBatchSize   = 500
	timeoutMessage   = "timed out"
)

// Lifecycle drives allocations from pending to a terminal state.
type Lifecycle struct {
	allocations AllocationStore
	nodes       NodeStore
	audit       *AuditTrail
	maxDuration time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewLifecycle(
	allocations AllocationStore,
	nodes NodeStore,
	audit *AuditTrail,
	maxDuration time.Duration,
	logger *slog.Logger,
) *Lifecycle {
	return &Lifecycle{
		allocations: allocations,
		nodes:       nodes,
		audit:       audit,
		maxDuration: maxDuration,
		logger:      logger.With("component", "lifecycle"),
		now:         time.Now,
	}
}

// Claim hands the node its oldest pending allocation, moving it to
// executing. It returns nil when nothing is pending.
func (l *Lifecycle) Claim(ctx context.Context, node *domain.Node) (*domain.Allocation, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		allocation, err := l.allocations.NextPending(ctx, node.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("next pending allocation: %w", err)
		}

		at := l.now().UTC()
		ok, err := l.allocations.Transition(ctx, domain.StatusChange{
			ID:     allocation.ID,
			From:   domain.AllocationPending,
			To:     domain.AllocationExecuting,
			At:     at,
			NodeID: node.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("claim allocation %s: %w", allocation.ID, err)
		}
		if !ok {
			l.logger.Debug("claim lost race, retrying", "allocation_id", allocation.ID, "node_id", node.ID)
			continue
		}

		allocation.Status = domain.AllocationExecuting
		allocation.UpdatedAt = at
		allocation.StartedAt = &at

		l.touchSync(ctx, node.ID, at)
		l.audit.Record(ctx, node.ID, domain.OpPull, domain.DirectionOutbound, len(allocation.FeedIDs), nil, map[string]any{
			"allocation_id": allocation.ID,
			"task_id":       allocation.TaskID,
		})
		l.logger.Info("allocation claimed", "allocation_id", allocation.ID, "node_id", node.ID)
		return allocation, nil
	}
	return nil, fmt.Errorf("%w: could not claim an allocation after %d attempts", domain.ErrConflict, maxClaimAttempts)
}

// Report applies a status reported by the node that owns the allocation.
func (l *Lifecycle) Report(ctx context.Context, node *domain.Node, report domain.AllocationReport) (*domain.Allocation, error) {
	allocation, err := l.report(ctx, node, report)

	count := 0
	if err == nil {
		count = report.ArticleCount
	}
	l.audit.Record(ctx, node.ID, domain.OpPush, domain.DirectionInbound, count, err, map[string]any{
		"allocation_id": report.AllocationID,
		"status":        report.Status,
	})
	return allocation, err
}

func (l *Lifecycle) report(ctx context.Context, node *domain.Node, report domain.AllocationReport) (*domain.Allocation, error) {
	if report.ArticleCount < 0 || report.NewArticleCount < 0 {
		return nil, fmt.Errorf("%w: article counts must not be negative", domain.ErrInvalidArgument)
	}

	allocation, err := l.allocations.Get(ctx, report.AllocationID)
	if err != nil {
		return nil, fmt.Errorf("get allocation %s: %w", report.AllocationID, err)
	}
	if allocation.NodeID != node.ID {
		return nil, fmt.Errorf("%w: allocation %s belongs to another node", domain.ErrConflict, allocation.ID)
	}

	event, err := domain.EventForReport(allocation.Status, report.Status)
	if err != nil {
		return nil, err
	}
	to, err := domain.ApplyEvent(allocation.Status, event)
	if err != nil {
		return nil, err
	}

	at := l.now().UTC()
	change := domain.StatusChange{
		ID:              allocation.ID,
		From:            allocation.Status,
		To:              to,
		At:              at,
		NodeID:          node.ID,
		ArticleCount:    &report.ArticleCount,
		NewArticleCount: &report.NewArticleCount,
	}
	if to == domain.AllocationFailed {
		msg := report.ErrorMessage
		if msg == "" {
			msg = "reported failed"
		}
		change.ErrorMessage = &msg
	}

	ok, err := l.allocations.Transition(ctx, change)
	if err != nil {
		return nil, fmt.Errorf("transition allocation %s: %w", allocation.ID, err)
	}
	if !ok {
		current, err := l.allocations.Get(ctx, allocation.ID)
		if err != nil {
			return nil, fmt.Errorf("get allocation %s: %w", allocation.ID, err)
		}
		return current, fmt.Errorf("%w: allocation %s is already %s", domain.ErrInvalidTransition, allocation.ID, current.Status)
	}

	updated, err := l.allocations.Get(ctx, allocation.ID)
	if err != nil {
		return nil, fmt.Errorf("get allocation %s: %w", allocation.ID, err)
	}

	l.touchSync(ctx, node.ID, at)
	l.logger.Info("allocation reported",
		"allocation_id", allocation.ID,
		"node_id", node.ID,
		"event", event,
		"status", to,
	)
	return updated, nil
}

// Run executes one sweep.
func (l *Lifecycle) Run(ctx context.Context) error {
	_, err := l.Sweep(ctx)
	return err
}

// Sweep fails allocations that have not moved for longer than the maximum
// allocation duration. It returns how many were expired.
func (l *Lifecycle) Sweep(ctx context.Context) (int, error) {
	cutoff := l.now().UTC().Add(-l.maxDuration)
	stale, err := l.allocations.Stale(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale allocations: %w", err)
	}

	expired := 0
	for _, allocation := range stale {
		to, err := domain.ApplyEvent(allocation.Status, domain.EventExpire)
		if err != nil {
			continue
		}
		msg := timeoutMessage
		ok, err := l.allocations.Transition(ctx, domain.StatusChange{
			ID:            allocation.ID,
			From:          allocation.Status,
			To:            to,
			At:            l.now().UTC(),
			UpdatedBefore: &cutoff,
			ErrorMessage:  &msg,
		})
		if err != nil {
			l.logger.Error("failed to expire allocation", "allocation_id", allocation.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		expired++
		l.audit.Record(ctx, allocation.NodeID, domain.OpDispatch, domain.DirectionOutbound, 0, errors.New(timeoutMessage), map[string]any{
			"allocation_id": allocation.ID,
			"task_id":       allocation.TaskID,
			"from_status":   allocation.Status,
		})
		l.logger.Warn("allocation timed out",
			"allocation_id", allocation.ID,
			"node_id", allocation.NodeID,
			"from_status", allocation.Status,
		)
	}

	if expired > 0 {
		l.logger.Info("sweep completed", "expired", expired, "candidates", len(stale))
	}
	return expired, nil
}

func (l *Lifecycle) Get(ctx context.Context, id string) (*domain.Allocation, error) {
	allocation, err := l.allocations.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get allocation %s: %w", id, err)
	}
	return allocation, nil
}

func (l *Lifecycle) List(ctx context.Context, filter domain.AllocationFilter) ([]domain.Allocation, int, error) {
	filter.Limit, filter.Offset = NormalizePage(filter.Limit, filter.Offset)
	list, total, err := l.allocations.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list allocations: %w", err)
	}
	return list, total, nil
}

func (l *Lifecycle) touchSync(ctx context.Context, nodeID string, at time.Time) {
	if err := l.nodes.TouchSync(ctx, nodeID, at); err != nil {
		l.logger.Warn("failed to update last sync", "node_id", nodeID, "error", err)
	}
}
