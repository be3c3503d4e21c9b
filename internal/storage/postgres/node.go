package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"cascade/internal/domain"
)

const nodeColumns = `
	id, node_type, name, description, endpoint,
	COALESCE(api_key, '') AS api_key,
	COALESCE(api_secret_hash, '') AS api_secret_hash,
	parent_id, is_active, sync_config, last_sync_at, last_heartbeat_at,
	created_at, updated_at`

type NodeStore struct {
	db *sqlx.DB
}

func NewNodeStore(db *sqlx.DB) *NodeStore {
	return &NodeStore{db: db}
}

func (s *NodeStore) Create(ctx context.Context, node *domain.Node) error {
	query := `
		INSERT INTO cascade_nodes (
			id, node_type, name, description, endpoint, parent_id,
			is_active, sync_config, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		node.ID,
		node.Type,
		node.Name,
		node.Description,
		node.Endpoint,
		node.ParentID,
		node.Active,
		rawJSON(node.SyncConfig),
		node.CreatedAt,
		node.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("node %s: %w", node.Name, domain.ErrConflict)
	}
	return err
}

func (s *NodeStore) Get(ctx context.Context, id string) (*domain.Node, error) {
	var node domain.Node
	query := `SELECT ` + nodeColumns + ` FROM cascade_nodes WHERE id = $1`
	if err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &node, query, id); err != nil {
		return nil, notFound(err)
	}
	return &node, nil
}

func (s *NodeStore) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Node, error) {
	var node domain.Node
	query := `SELECT ` + nodeColumns + ` FROM cascade_nodes WHERE api_key = $1`
	if err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &node, query, apiKey); err != nil {
		return nil, notFound(err)
	}
	return &node, nil
}

func (s *NodeStore) List(ctx context.Context, nf domain.NodeFilter) ([]domain.Node, error) {
	var f filter
	if nf.Type != nil {
		f.add("node_type = ?", *nf.Type)
	}
	if nf.ActiveOnly {
		f.add("is_active = ?", true)
	}

	query := `SELECT ` + nodeColumns + ` FROM cascade_nodes` + f.where() + ` ORDER BY created_at, id`
	nodes := []domain.Node{}
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &nodes, query, f.args...); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Update writes the columns set in patch. Unset columns keep their stored
// value.
func (s *NodeStore) Update(ctx context.Context, id string, patch domain.NodePatch) (*domain.Node, error) {
	query := `
		UPDATE cascade_nodes SET
			name = COALESCE($2, name),
			description = COALESCE($3, description),
			endpoint = COALESCE($4, endpoint),
			is_active = COALESCE($5, is_active),
			sync_config = COALESCE($6::jsonb, sync_config),
			updated_at = $7
		WHERE id = $1
		RETURNING ` + nodeColumns

	var syncConfig *string
	if len(patch.SyncConfig) > 0 {
		raw := string(patch.SyncConfig)
		syncConfig = &raw
	}

	var node domain.Node
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &node, query,
		id,
		patch.Name,
		patch.Description,
		patch.Endpoint,
		patch.Active,
		syncConfig,
		patch.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &node, nil
}

func (s *NodeStore) SetCredentials(ctx context.Context, id, apiKey, secretHash string, at time.Time) error {
	query := `UPDATE cascade_nodes SET api_key = $2, api_secret_hash = $3, updated_at = $4 WHERE id = $1`
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, id, apiKey, secretHash, at)
	if isUniqueViolation(err) {
		return fmt.Errorf("api key: %w", domain.ErrConflict)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *NodeStore) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`UPDATE cascade_nodes SET last_heartbeat_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *NodeStore) TouchSync(ctx context.Context, id string, at time.Time) error {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`UPDATE cascade_nodes SET last_sync_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}
