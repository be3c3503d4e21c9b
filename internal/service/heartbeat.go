package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cascade/internal/domain"
)

type HeartbeatTracker struct {
	nodes   NodeStore
	audit   *AuditTrail
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewHeartbeatTracker(nodes NodeStore, audit *AuditTrail, timeout time.Duration, logger *slog.Logger) *HeartbeatTracker {
	return &HeartbeatTracker{
		nodes:   nodes,
		audit:   audit,
		timeout: timeout,
		logger:  logger.With("component", "heartbeat"),
		now:     time.Now,
	}
}

// Beat records a heartbeat from an authenticated node.
func (h *HeartbeatTracker) Beat(ctx context.Context, node *domain.Node) (time.Time, error) {
	at := h.now().UTC()
	err := h.nodes.TouchHeartbeat(ctx, node.ID, at)
	h.audit.Record(ctx, node.ID, domain.OpHeartbeat, domain.DirectionInbound, 0, err, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("touch heartbeat %s: %w", node.ID, err)
	}

	h.logger.Debug("heartbeat received", "node_id", node.ID)
	return at, nil
}

func (h *HeartbeatTracker) IsOnline(node *domain.Node) bool {
	return node.Online(h.now(), h.timeout)
}

func (h *HeartbeatTracker) Status(node *domain.Node) domain.NodeStatus {
	return node.Status(h.now(), h.timeout)
}

func (h *HeartbeatTracker) Timeout() time.Duration {
	return h.timeout
}

// OnlineWorkers lists the workers eligible for new allocations, ordered by
// id.
func (h *HeartbeatTracker) OnlineWorkers(ctx context.Context) ([]domain.Node, error) {
	worker := domain.NodeTypeWorker
	nodes, err := h.nodes.List(ctx, domain.NodeFilter{Type: &worker, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	now := h.now()
	online := make([]domain.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Online(now, h.timeout) {
			online = append(online, n)
		}
	}
	sortNodes(online)
	return online, nil
}
