package domain

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
)

type SyncOperation string

const (
	OpHeartbeat      SyncOperation = "heartbeat"
	OpPush           SyncOperation = "push"
	OpPull           SyncOperation = "pull"
	OpDispatch       SyncOperation = "dispatch"
	OpCredentialTest SyncOperation = "credential-test"
)

func ParseSyncOperation(s string) (SyncOperation, error) {
	switch op := SyncOperation(s); op {
	case OpHeartbeat, OpPush, OpPull, OpDispatch, OpCredentialTest:
		return op, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidArgument, s)
	}
}

type SyncDirection string

const (
	DirectionInbound  SyncDirection = "inbound"  // node -> coordinator
	DirectionOutbound SyncDirection = "outbound" // coordinator -> node
)

type SyncStatus int

const (
	SyncInProgress SyncStatus = 0
	SyncSuccess    SyncStatus = 1
	SyncFailure    SyncStatus = 2
)

type SyncLogEntry struct {
	ID           string         `db:"id"`
	NodeID       string         `db:"node_id"`
	Operation    SyncOperation  `db:"operation"`
	Direction    SyncDirection  `db:"direction"`
	Status       SyncStatus     `db:"status"`
	DataCount    int            `db:"data_count"`
	ErrorMessage *string        `db:"error_message"`
	Extra        types.JSONText `db:"extra_data"`
	StartedAt    time.Time      `db:"started_at"`
	CompletedAt  *time.Time     `db:"completed_at"`
}

// SyncLogCompletion resolves an entry started earlier. It may be applied
// once per entry.
type SyncLogCompletion struct {
	ID           string
	Status       SyncStatus
	DataCount    int
	ErrorMessage *string
	At           time.Time
}

type SyncLogFilter struct {
	NodeID    string
	Operation SyncOperation
	Status    *SyncStatus
	Limit     int
	Offset    int
}
