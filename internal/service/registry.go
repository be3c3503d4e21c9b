package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"cascade/internal/domain"
)

const (
	apiKeyPrefix    = "CN"
	apiSecretPrefix = "CS"
	credentialBody  = 32
)

type RegisterRequest struct {
	Type        domain.NodeType
	Name        string
	Description string
	Endpoint    string
	ParentID    string
	SyncConfig  json.RawMessage
}

// NodeRegistry owns node identity, topology and credentials.
type NodeRegistry struct {
	nodes        NodeStore
	audit        *AuditTrail
	prober       Prober
	probeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewNodeRegistry(
	nodes NodeStore,
	audit *AuditTrail,
	prober Prober,
	probeTimeout time.Duration,
	logger *slog.Logger,
) *NodeRegistry {
	return &NodeRegistry{
		nodes:        nodes,
		audit:        audit,
		prober:       prober,
		probeTimeout: probeTimeout,
		logger:       logger.With("component", "registry"),
		now:          time.Now,
	}
}

// EnsureCoordinator returns the coordinator node, registering it on first
// boot.
func (r *NodeRegistry) EnsureCoordinator(ctx context.Context, name, endpoint string) (*domain.Node, error) {
	if existing, err := r.coordinator(ctx); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	return r.Register(ctx, RegisterRequest{
		Type:     domain.NodeTypeCoordinator,
		Name:     name,
		Endpoint: endpoint,
	})
}

func (r *NodeRegistry) Register(ctx context.Context, req RegisterRequest) (*domain.Node, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown node type %d", domain.ErrInvalidArgument, req.Type)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
	}

	coordinator, err := r.coordinator(ctx)
	if err != nil {
		return nil, err
	}

	var parentID *string
	switch req.Type {
	case domain.NodeTypeCoordinator:
		if coordinator != nil {
			return nil, fmt.Errorf("%w: coordinator %s already registered", domain.ErrConflict, coordinator.ID)
		}
		if req.ParentID != "" {
			return nil, fmt.Errorf("%w: a coordinator has no parent", domain.ErrInvalidArgument)
		}
	case domain.NodeTypeWorker:
		pid, err := r.resolveParent(ctx, req.ParentID, coordinator)
		if err != nil {
			return nil, err
		}
		parentID = &pid
	}

	syncConfig := req.SyncConfig
	if len(syncConfig) == 0 {
		syncConfig = json.RawMessage(`{}`)
	} else if !json.Valid(syncConfig) {
		return nil, fmt.Errorf("%w: sync_config must be valid json", domain.ErrInvalidArgument)
	}

	now := r.now().UTC()
	node := &domain.Node{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Name:        name,
		Description: req.Description,
		Endpoint:    normalizeEndpoint(req.Endpoint),
		ParentID:    parentID,
		Active:      true,
		SyncConfig:  types.JSONText(syncConfig),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.nodes.Create(ctx, node); err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}

	r.logger.Info("node registered", "node_id", node.ID, "type", node.Type.String(), "name", node.Name)
	return node, nil
}

func (r *NodeRegistry) resolveParent(ctx context.Context, parentID string, coordinator *domain.Node) (string, error) {
	if parentID == "" {
		if coordinator == nil {
			return "", fmt.Errorf("%w: no coordinator registered to parent the worker", domain.ErrInvalidArgument)
		}
		return coordinator.ID, nil
	}
	parent, err := r.nodes.Get(ctx, parentID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("%w: parent %s does not exist", domain.ErrInvalidArgument, parentID)
	}
	if err != nil {
		return "", fmt.Errorf("get parent: %w", err)
	}
	if parent.Type != domain.NodeTypeCoordinator {
		return "", fmt.Errorf("%w: parent %s is not a coordinator", domain.ErrInvalidArgument, parentID)
	}
	return parent.ID, nil
}

func (r *NodeRegistry) coordinator(ctx context.Context) (*domain.Node, error) {
	t := domain.NodeTypeCoordinator
	nodes, err := r.nodes.List(ctx, domain.NodeFilter{Type: &t})
	if err != nil {
		return nil, fmt.Errorf("list coordinators: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &nodes[0], nil
}

func (r *NodeRegistry) Get(ctx context.Context, id string) (*domain.Node, error) {
	node, err := r.nodes.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return node, nil
}

func (r *NodeRegistry) List(ctx context.Context, nodeType *domain.NodeType) ([]domain.Node, error) {
	nodes, err := r.nodes.List(ctx, domain.NodeFilter{Type: nodeType})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

// Update applies a partial update. Type and parent are immutable.
func (r *NodeRegistry) Update(ctx context.Context, id string, upd domain.NodeUpdate) (*domain.Node, error) {
	node, err := r.nodes.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}

	if upd.Type != nil && *upd.Type != node.Type {
		return nil, fmt.Errorf("%w: node type cannot change", domain.ErrConflict)
	}
	if upd.ParentID != nil && (node.ParentID == nil || *upd.ParentID != *node.ParentID) {
		return nil, fmt.Errorf("%w: node parent cannot change", domain.ErrConflict)
	}

	patch := domain.NodePatch{
		Description: upd.Description,
		Active:      upd.Active,
		UpdatedAt:   r.now().UTC(),
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
		}
		patch.Name = &name
	}
	if upd.Endpoint != nil {
		endpoint := normalizeEndpoint(*upd.Endpoint)
		patch.Endpoint = &endpoint
	}
	if len(upd.SyncConfig) > 0 {
		if !json.Valid(upd.SyncConfig) {
			return nil, fmt.Errorf("%w: sync_config must be valid json", domain.ErrInvalidArgument)
		}
		patch.SyncConfig = types.JSONText(upd.SyncConfig)
	}

	updated, err := r.nodes.Update(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("update node %s: %w", id, err)
	}
	return updated, nil
}

// Deactivate disables a node. Its allocations are left as they are.
func (r *NodeRegistry) Deactivate(ctx context.Context, id string) error {
	active := false
	if _, err := r.Update(ctx, id, domain.NodeUpdate{Active: &active}); err != nil {
		return err
	}
	r.logger.Info("node deactivated", "node_id", id)
	return nil
}

// RotateCredentials issues a fresh AK-SK pair for a worker. The previous
// pair stops authenticating as soon as the row is written.
func (r *NodeRegistry) RotateCredentials(ctx context.Context, id string) (*domain.Credentials, error) {
	node, err := r.nodes.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	if node.Type != domain.NodeTypeWorker {
		return nil, fmt.Errorf("%w: only worker nodes hold credentials", domain.ErrInvalidArgument)
	}

	key, err := randomToken(apiKeyPrefix)
	if err != nil {
		return nil, err
	}
	secret, err := randomToken(apiSecretPrefix)
	if err != nil {
		return nil, err
	}

	if err := r.nodes.SetCredentials(ctx, id, key, hashSecret(secret), r.now().UTC()); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}

	r.logger.Info("node credentials rotated", "node_id", id)
	return &domain.Credentials{NodeID: id, APIKey: key, APISecret: secret}, nil
}

// Authenticate resolves the node owning an AK-SK pair.
func (r *NodeRegistry) Authenticate(ctx context.Context, apiKey, secret string) (*domain.Node, error) {
	if apiKey == "" || secret == "" {
		return nil, fmt.Errorf("%w: missing credentials", domain.ErrUnauthorized)
	}
	node, err := r.nodes.GetByAPIKey(ctx, apiKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown api key", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("get node by api key: %w", err)
	}
	if !secretMatches(node, apiKey, secret) {
		return nil, fmt.Errorf("%w: bad secret", domain.ErrUnauthorized)
	}
	if !node.Active {
		return nil, fmt.Errorf("%w: node is deactivated", domain.ErrUnauthorized)
	}
	return node, nil
}

// TestConnection probes a node's endpoint with either its stored key or a
// candidate pair. Failures are reported in the result, not as errors.
func (r *NodeRegistry) TestConnection(ctx context.Context, id string, candidate *domain.ConnectionTest) (*domain.ConnectionResult, error) {
	node, err := r.nodes.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}

	endpoint := node.Endpoint
	creds := domain.Credentials{APIKey: node.APIKey}
	if candidate != nil {
		if candidate.Endpoint != "" {
			endpoint = normalizeEndpoint(candidate.Endpoint)
		}
		creds.APIKey = candidate.APIKey
		creds.APISecret = candidate.APISecret
	}

	start := r.now()
	result := &domain.ConnectionResult{}
	probeErr := r.probe(ctx, node, endpoint, creds, candidate != nil)
	result.LatencyMS = r.now().Sub(start).Milliseconds()

	switch {
	case probeErr == nil:
		result.Connected = true
	case errors.Is(probeErr, domain.ErrUnauthorized):
		result.Reason = domain.ReasonUnauthorized
		result.Error = probeErr.Error()
	default:
		result.Reason = domain.ReasonUnreachable
		result.Error = probeErr.Error()
	}

	if result.Connected && candidate != nil && candidate.Confirm && endpoint != node.Endpoint {
		// the probe may have outlived other writes to the node; touch only
		// the endpoint
		_, err := r.nodes.Update(ctx, id, domain.NodePatch{Endpoint: &endpoint, UpdatedAt: r.now().UTC()})
		if err != nil {
			return nil, fmt.Errorf("confirm endpoint: %w", err)
		}
	}

	r.audit.Record(ctx, node.ID, domain.OpCredentialTest, domain.DirectionOutbound, 0, probeErr, map[string]any{
		"endpoint":  endpoint,
		"candidate": candidate != nil,
		"api_key":   creds.APIKey,
	})

	r.logger.Info("connection test finished",
		"node_id", node.ID,
		"connected", result.Connected,
		"reason", result.Reason,
		"latency_ms", result.LatencyMS,
	)
	return result, nil
}

func (r *NodeRegistry) probe(ctx context.Context, node *domain.Node, endpoint string, creds domain.Credentials, candidate bool) error {
	if candidate && !secretMatches(node, creds.APIKey, creds.APISecret) {
		return fmt.Errorf("%w: credentials do not match the node", domain.ErrUnauthorized)
	}
	if endpoint == "" {
		return fmt.Errorf("%w: no endpoint configured", domain.ErrUnreachable)
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	return r.prober.Probe(probeCtx, endpoint, creds)
}

func normalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

func secretMatches(node *domain.Node, apiKey, secret string) bool {
	if node.APIKey == "" || node.SecretHash == "" || secret == "" {
		return false
	}
	keyOK := subtle.ConstantTimeCompare([]byte(node.APIKey), []byte(apiKey)) == 1
	hashOK := subtle.ConstantTimeCompare([]byte(node.SecretHash), []byte(hashSecret(secret))) == 1
	return keyOK && hashOK
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func randomToken(prefix string) (string, error) {
	buf := make([]byte, credentialBody)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf)[:credentialBody], nil
}
