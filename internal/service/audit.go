package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"cascade/internal/domain"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// AuditTrail is the append-only sync log shared by every component.
type AuditTrail struct {
	logs   SyncLogStore
	logger *slog.Logger
	now    func() time.Time
}

func NewAuditTrail(logs SyncLogStore, logger *slog.Logger) *AuditTrail {
	return &AuditTrail{
		logs:   logs,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// Begin appends an in-progress entry and returns its id.
func (a *AuditTrail) Begin(ctx context.Context, nodeID string, op domain.SyncOperation, dir domain.SyncDirection, extra map[string]any) (string, error) {
	raw, err := marshalExtra(extra)
	if err != nil {
		return "", err
	}

	entry := &domain.SyncLogEntry{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Operation: op,
		Direction: dir,
		Status:    domain.SyncInProgress,
		Extra:     types.JSONText(raw),
		StartedAt: a.now().UTC(),
	}
	if err := a.logs.Insert(ctx, entry); err != nil {
		return "", fmt.Errorf("insert sync log: %w", err)
	}
	return entry.ID, nil
}

// Complete resolves an entry. A nil opErr means success.
func (a *AuditTrail) Complete(ctx context.Context, id string, count int, opErr error) error {
	completion := domain.SyncLogCompletion{
		ID:        id,
		Status:    domain.SyncSuccess,
		DataCount: count,
		At:        a.now().UTC(),
	}
	if opErr != nil {
		msg := opErr.Error()
		completion.Status = domain.SyncFailure
		completion.ErrorMessage = &msg
	}
	if err := a.logs.Complete(ctx, completion); err != nil {
		return fmt.Errorf("complete sync log %s: %w", id, err)
	}
	return nil
}

// Record writes an operation that has already resolved. Failures to write
// the audit trail are logged and never fail the operation being audited.
func (a *AuditTrail) Record(ctx context.Context, nodeID string, op domain.SyncOperation, dir domain.SyncDirection, count int, opErr error, extra map[string]any) {
	id, err := a.Begin(ctx, nodeID, op, dir, extra)
	if err != nil {
		a.logger.Error("failed to write sync log", "node_id", nodeID, "operation", op, "error", err)
		return
	}
	if err := a.Complete(ctx, id, count, opErr); err != nil {
		a.logger.Error("failed to complete sync log", "id", id, "operation", op, "error", err)
	}
}

func (a *AuditTrail) Query(ctx context.Context, filter domain.SyncLogFilter) ([]domain.SyncLogEntry, int, error) {
	filter.Limit, filter.Offset = NormalizePage(filter.Limit, filter.Offset)
	entries, total, err := a.logs.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list sync logs: %w", err)
	}
	return entries, total, nil
}

func marshalExtra(extra map[string]any) (json.RawMessage, error) {
	if len(extra) == 0 {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("marshal extra: %w", err)
	}
	return raw, nil
}

// NormalizePage applies the default and maximum page size.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
