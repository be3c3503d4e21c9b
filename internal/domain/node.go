package domain

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

type NodeType int

const (
	NodeTypeCoordinator NodeType = 0
	NodeTypeWorker      NodeType = 1
)

func (t NodeType) Valid() bool {
	return t == NodeTypeCoordinator || t == NodeTypeWorker
}

func (t NodeType) String() string {
	switch t {
	case NodeTypeCoordinator:
		return "coordinator"
	case NodeTypeWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// NodeStatus is the derived liveness of a node as exposed to callers.
type NodeStatus int

const (
	NodeOffline NodeStatus = 0
	NodeOnline  NodeStatus = 1
)

type Node struct {
	ID              string         `db:"id"`
	Type            NodeType       `db:"node_type"`
	Name            string         `db:"name"`
	Description     string         `db:"description"`
	Endpoint        string         `db:"endpoint"`
	APIKey          string         `db:"api_key"`
	SecretHash      string         `db:"api_secret_hash"`
	ParentID        *string        `db:"parent_id"`
	Active          bool           `db:"is_active"`
	SyncConfig      types.JSONText `db:"sync_config"`
	LastSyncAt      *time.Time     `db:"last_sync_at"`
	LastHeartbeatAt *time.Time     `db:"last_heartbeat_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// Online reports whether the node is active and has sent a heartbeat
// within timeout of now. It never trusts a stored flag.
func (n *Node) Online(now time.Time, timeout time.Duration) bool {
	if !n.Active || n.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*n.LastHeartbeatAt) < timeout
}

func (n *Node) Status(now time.Time, timeout time.Duration) NodeStatus {
	if n.Online(now, timeout) {
		return NodeOnline
	}
	return NodeOffline
}

// MaxCapacity reads the optional max_capacity option from the node's sync
// config. Zero means unlimited.
func (n *Node) MaxCapacity() int {
	if len(n.SyncConfig) == 0 {
		return 0
	}
	var opts struct {
		MaxCapacity int `json:"max_capacity"`
	}
	if err := json.Unmarshal(n.SyncConfig, &opts); err != nil {
		return 0
	}
	if opts.MaxCapacity < 0 {
		return 0
	}
	return opts.MaxCapacity
}

type NodeFilter struct {
	Type       *NodeType
	ActiveOnly bool
}

// NodeUpdate carries a partial update. Nil fields are left unchanged.
// Type and ParentID are accepted only so that an attempt to change them can
// be rejected.
type NodeUpdate struct {
	Name        *string
	Description *string
	Endpoint    *string
	Active      *bool
	SyncConfig  json.RawMessage
	Type        *NodeType
	ParentID    *string
}

// NodePatch is a write of selected node columns. Nil fields and an empty
// SyncConfig keep the stored value, so concurrent patches of different
// columns do not overwrite each other.
type NodePatch struct {
	Name        *string
	Description *string
	Endpoint    *string
	Active      *bool
	SyncConfig  types.JSONText
	UpdatedAt   time.Time
}

// Credentials is an AK-SK pair. Secret is only ever populated on the way
// in (authentication, connection tests) or once on rotation.
type Credentials struct {
	NodeID    string `json:"node_id,omitempty"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

type ConnectionTest struct {
	Endpoint  string
	APIKey    string
	APISecret string
	Confirm   bool
}

type ConnectionResult struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

const (
	ReasonUnreachable  = "unreachable"
	ReasonUnauthorized = "unauthorized"
)
