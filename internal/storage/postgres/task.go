package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"cascade/internal/domain"
)

const taskColumns = `id, name, feed_ids, enabled, schedule`

// TaskStore reads the task and feed tables owned by the crawler side.
type TaskStore struct {
	db *sqlx.DB
}

func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) PendingTasks(ctx context.Context) ([]domain.Task, error) {
	tasks := []domain.Task{}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE enabled ORDER BY id`
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &tasks, query); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *TaskStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &task, query, id); err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

func (s *TaskStore) ListTasks(ctx context.Context, tf domain.TaskFilter) ([]domain.Task, int, error) {
	var f filter
	if tf.EnabledOnly {
		f.add("enabled = ?", true)
	}

	exec := GetExecutor(ctx, s.db)
	var total int
	if err := sqlx.GetContext(ctx, exec, &total, `SELECT COUNT(*) FROM tasks`+f.where(), f.args...); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + f.where() + ` ORDER BY id` + f.page(tf.Limit, tf.Offset)
	tasks := []domain.Task{}
	if err := sqlx.SelectContext(ctx, exec, &tasks, query, f.args...); err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (s *TaskStore) ListFeeds(ctx context.Context, ff domain.FeedFilter) ([]domain.Feed, int, error) {
	var f filter
	if ff.FeedID != "" {
		f.add("id = ?", ff.FeedID)
	}
	if ff.FeedIDs != nil {
		f.add("id = ANY(?)", pq.StringArray(ff.FeedIDs))
	}

	exec := GetExecutor(ctx, s.db)
	var total int
	if err := sqlx.GetContext(ctx, exec, &total, `SELECT COUNT(*) FROM feeds`+f.where(), f.args...); err != nil {
		return nil, 0, fmt.Errorf("count feeds: %w", err)
	}

	query := `SELECT id, name, last_article_at FROM feeds` + f.where() + ` ORDER BY id` + f.page(ff.Limit, ff.Offset)
	feeds := []domain.Feed{}
	if err := sqlx.SelectContext(ctx, exec, &feeds, query, f.args...); err != nil {
		return nil, 0, err
	}
	return feeds, total, nil
}
