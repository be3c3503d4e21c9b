package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"cascade/internal/domain"
)

type SyncLogStore struct {
	db *sqlx.DB
}

func NewSyncLogStore(db *sqlx.DB) *SyncLogStore {
	return &SyncLogStore{db: db}
}

func (s *SyncLogStore) Insert(ctx context.Context, e *domain.SyncLogEntry) error {
	query := `
		INSERT INTO cascade_sync_logs (
			id, node_id, operation, direction, status, data_count, extra_data, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		e.ID,
		e.NodeID,
		e.Operation,
		e.Direction,
		e.Status,
		e.DataCount,
		rawJSON(e.Extra),
		e.StartedAt,
	)
	return err
}

// Complete resolves an entry. An entry already completed is a conflict.
func (s *SyncLogStore) Complete(ctx context.Context, c domain.SyncLogCompletion) error {
	query := `
		UPDATE cascade_sync_logs SET
			status = $2,
			data_count = $3,
			error_message = $4,
			completed_at = $5
		WHERE id = $1 AND completed_at IS NULL`

	exec := GetExecutor(ctx, s.db)
	res, err := exec.ExecContext(ctx, query, c.ID, c.Status, c.DataCount, c.ErrorMessage, c.At)
	if err != nil {
		return err
	}
	if err := requireRow(res); err == nil {
		return nil
	}

	var exists bool
	if err := sqlx.GetContext(ctx, exec, &exists, `SELECT EXISTS (SELECT 1 FROM cascade_sync_logs WHERE id = $1)`, c.ID); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("sync log %s already completed: %w", c.ID, domain.ErrConflict)
	}
	return domain.ErrNotFound
}

func (s *SyncLogStore) List(ctx context.Context, lf domain.SyncLogFilter) ([]domain.SyncLogEntry, int, error) {
	var f filter
	if lf.NodeID != "" {
		f.add("node_id = ?", lf.NodeID)
	}
	if lf.Operation != "" {
		f.add("operation = ?", lf.Operation)
	}
	if lf.Status != nil {
		f.add("status = ?", *lf.Status)
	}

	exec := GetExecutor(ctx, s.db)
	var total int
	if err := sqlx.GetContext(ctx, exec, &total, `SELECT COUNT(*) FROM cascade_sync_logs`+f.where(), f.args...); err != nil {
		return nil, 0, fmt.Errorf("count sync logs: %w", err)
	}

	query := `
		SELECT id, node_id, operation, direction, status, data_count, error_message,
			extra_data, started_at, completed_at
		FROM cascade_sync_logs` + f.where() + `
		ORDER BY started_at DESC, id DESC` + f.page(lf.Limit, lf.Offset)

	entries := []domain.SyncLogEntry{}
	if err := sqlx.SelectContext(ctx, exec, &entries, query, f.args...); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
