package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"cascade/internal/domain"
)

type NodeStore interface {
	Create(ctx context.Context, node *domain.Node) error
	Get(ctx context.Context, id string) (*domain.Node, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Node, error)
	List(ctx context.Context, filter domain.NodeFilter) ([]domain.Node, error)
	// Update writes only the columns set in patch and returns the stored node.
	Update(ctx context.Context, id string, patch domain.NodePatch) (*domain.Node, error)
	SetCredentials(ctx context.Context, id, apiKey, secretHash string, at time.Time) error
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
	TouchSync(ctx context.Context, id string, at time.Time) error
}

type AllocationStore interface {
	// LockTask serializes allocation of one task's feeds for the rest of the
	// surrounding transaction.
	LockTask(ctx context.Context, taskID string) error
	ActiveFeedIDs(ctx context.Context, taskID string) ([]string, error)
	Create(ctx context.Context, allocation *domain.Allocation) error
	Get(ctx context.Context, id string) (*domain.Allocation, error)
	List(ctx context.Context, filter domain.AllocationFilter) ([]domain.Allocation, int, error)
	NextPending(ctx context.Context, nodeID string) (*domain.Allocation, error)
	// Transition applies a compare-and-set and reports whether it matched.
	Transition(ctx context.Context, change domain.StatusChange) (bool, error)
	Stale(ctx context.Context, before time.Time, limit int) ([]domain.Allocation, error)
	ActiveCountByNode(ctx context.Context) (map[string]int, error)
	Counts(ctx context.Context, since time.Time) (*domain.AllocationCounts, error)
	LatestByFeed(ctx context.Context, feedIDs []string) (map[string]domain.Allocation, error)
}

type SyncLogStore interface {
	Insert(ctx context.Context, entry *domain.SyncLogEntry) error
	Complete(ctx context.Context, completion domain.SyncLogCompletion) error
	List(ctx context.Context, filter domain.SyncLogFilter) ([]domain.SyncLogEntry, int, error)
}

type TaskSource interface {
	PendingTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, int, error)
}

type FeedStore interface {
	ListFeeds(ctx context.Context, filter domain.FeedFilter) ([]domain.Feed, int, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	PublishAllocation(ctx context.Context, allocation *domain.Allocation) error
	Close() error
}

type Prober interface {
	Probe(ctx context.Context, endpoint string, creds domain.Credentials) error
}
