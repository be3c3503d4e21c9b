package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"cascade/internal/domain"
)

const allocationColumns = `
	id, node_id, task_id, task_name, feed_ids, status, schedule_run_id,
	error_message, article_count, new_article_count,
	created_at, updated_at, started_at, completed_at`

type AllocationStore struct {
	db *sqlx.DB
}

func NewAllocationStore(db *sqlx.DB) *AllocationStore {
	return &AllocationStore{db: db}
}

// LockTask takes a transaction-scoped advisory lock on the task id, so
// coordinator replicas sharing the database allocate one task at a time.
func (s *AllocationStore) LockTask(ctx context.Context, taskID string) error {
	tx := GetTxFromContext(ctx)
	if tx == nil {
		return errors.New("lock task outside transaction")
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, taskID)
	return err
}

func (s *AllocationStore) ActiveFeedIDs(ctx context.Context, taskID string) ([]string, error) {
	query := `
		SELECT DISTINCT unnest(feed_ids)
		FROM cascade_allocations
		WHERE task_id = $1 AND status IN ('pending', 'executing')`

	var ids []string
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &ids, query, taskID); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *AllocationStore) Create(ctx context.Context, a *domain.Allocation) error {
	query := `
		INSERT INTO cascade_allocations (
			id, node_id, task_id, task_name, feed_ids, status, schedule_run_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		a.ID,
		a.NodeID,
		a.TaskID,
		a.TaskName,
		pq.Array([]string(a.FeedIDs)),
		a.Status,
		a.ScheduleRunID,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("allocation %s: %w", a.ID, domain.ErrConflict)
	}
	return err
}

func (s *AllocationStore) Get(ctx context.Context, id string) (*domain.Allocation, error) {
	var a domain.Allocation
	query := `SELECT ` + allocationColumns + ` FROM cascade_allocations WHERE id = $1`
	if err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &a, query, id); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *AllocationStore) List(ctx context.Context, af domain.AllocationFilter) ([]domain.Allocation, int, error) {
	var f filter
	if af.TaskID != "" {
		f.add("task_id = ?", af.TaskID)
	}
	if af.NodeID != "" {
		f.add("node_id = ?", af.NodeID)
	}
	if af.Status != "" {
		f.add("status = ?", af.Status)
	}

	exec := GetExecutor(ctx, s.db)
	var total int
	if err := sqlx.GetContext(ctx, exec, &total, `SELECT COUNT(*) FROM cascade_allocations`+f.where(), f.args...); err != nil {
		return nil, 0, fmt.Errorf("count allocations: %w", err)
	}

	query := `SELECT ` + allocationColumns + ` FROM cascade_allocations` + f.where() +
		` ORDER BY created_at DESC, id DESC` + f.page(af.Limit, af.Offset)
	list := []domain.Allocation{}
	if err := sqlx.SelectContext(ctx, exec, &list, query, f.args...); err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (s *AllocationStore) NextPending(ctx context.Context, nodeID string) (*domain.Allocation, error) {
	var a domain.Allocation
	query := `
		SELECT ` + allocationColumns + `
		FROM cascade_allocations
		WHERE node_id = $1 AND status = 'pending'
		ORDER BY created_at, id
		LIMIT 1`
	if err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &a, query, nodeID); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// Transition is a single guarded UPDATE. Zero affected rows on an existing
// allocation means another writer moved it first.
func (s *AllocationStore) Transition(ctx context.Context, c domain.StatusChange) (bool, error) {
	f := filter{args: []any{
		c.To,
		c.At,
		c.ErrorMessage,
		c.ArticleCount,
		c.NewArticleCount,
	}}
	f.add("id = ?", c.ID)
	f.add("status = ?", c.From)
	if c.UpdatedBefore != nil {
		f.add("updated_at < ?", *c.UpdatedBefore)
	}
	if c.NodeID != "" {
		f.add("node_id = ?", c.NodeID)
	}

	query := `
		UPDATE cascade_allocations SET
			status = $1,
			updated_at = $2,
			started_at = CASE WHEN $1::text = 'executing' THEN COALESCE(started_at, $2) ELSE started_at END,
			completed_at = CASE WHEN $1::text IN ('completed', 'failed') THEN $2 ELSE completed_at END,
			error_message = COALESCE($3, error_message),
			article_count = COALESCE($4, article_count),
			new_article_count = COALESCE($5, new_article_count)` + f.where()

	exec := GetExecutor(ctx, s.db)
	res, err := exec.ExecContext(ctx, query, f.args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := sqlx.GetContext(ctx, exec, &exists, `SELECT EXISTS (SELECT 1 FROM cascade_allocations WHERE id = $1)`, c.ID); err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (s *AllocationStore) Stale(ctx context.Context, before time.Time, limit int) ([]domain.Allocation, error) {
	query := `
		SELECT ` + allocationColumns + `
		FROM cascade_allocations
		WHERE status IN ('pending', 'executing') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	list := []domain.Allocation{}
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &list, query, before, limit); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *AllocationStore) ActiveCountByNode(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT node_id, COUNT(*)
		FROM cascade_allocations
		WHERE status IN ('pending', 'executing')
		GROUP BY node_id`

	rows, err := GetExecutor(ctx, s.db).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var nodeID string
		var n int
		if err := rows.Scan(&nodeID, &n); err != nil {
			return nil, err
		}
		counts[nodeID] = n
	}
	return counts, rows.Err()
}

func (s *AllocationStore) Counts(ctx context.Context, since time.Time) (*domain.AllocationCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'executing') AS executing,
			COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= $1) AS completed_today,
			COUNT(*) FILTER (WHERE status = 'failed' AND completed_at >= $1) AS failed_today
		FROM cascade_allocations`

	var c domain.AllocationCounts
	if err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &c, query, since); err != nil {
		return nil, err
	}
	return &c, nil
}

type feedAllocation struct {
	FeedID string `db:"feed_id"`
	domain.Allocation
}

func (s *AllocationStore) LatestByFeed(ctx context.Context, feedIDs []string) (map[string]domain.Allocation, error) {
	latest := make(map[string]domain.Allocation)
	if len(feedIDs) == 0 {
		return latest, nil
	}

	query := `
		SELECT DISTINCT ON (f.feed_id) f.feed_id, ` + allocationColumns + `
		FROM cascade_allocations
		CROSS JOIN LATERAL unnest(feed_ids) AS f(feed_id)
		WHERE feed_ids && $1 AND f.feed_id = ANY($1)
		ORDER BY f.feed_id, created_at DESC, id DESC`

	var rows []feedAllocation
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, query, pq.Array(feedIDs)); err != nil {
		return nil, err
	}
	for _, r := range rows {
		latest[r.FeedID] = r.Allocation
	}
	return latest, nil
}
