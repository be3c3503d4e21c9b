// Package memory is an in-process storage driver. It backs single-process
// deployments seeded from a yaml file and the service-level tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"cascade/internal/domain"
)

type Store struct {
	mu          sync.RWMutex
	nodes       map[string]domain.Node
	allocations map[string]domain.Allocation
	logs        []domain.SyncLogEntry
	tasks       map[string]domain.Task
	feeds       map[string]domain.Feed

	taskLocks sync.Map // task id -> *sync.Mutex
}

func New() *Store {
	return &Store{
		nodes:       make(map[string]domain.Node),
		allocations: make(map[string]domain.Allocation),
		tasks:       make(map[string]domain.Task),
		feeds:       make(map[string]domain.Feed),
	}
}

func (s *Store) Nodes() *NodeStore             { return &NodeStore{s: s} }
func (s *Store) Allocations() *AllocationStore { return &AllocationStore{s: s} }
func (s *Store) SyncLogs() *SyncLogStore       { return &SyncLogStore{s: s} }
func (s *Store) Tasks() *TaskStore             { return &TaskStore{s: s} }

// Seed is the layout of a seed file.
type Seed struct {
	Tasks []domain.Task `yaml:"tasks"`
	Feeds []domain.Feed `yaml:"feeds"`
}

func (s *Store) LoadSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	for _, t := range seed.Tasks {
		s.PutTask(t)
	}
	for _, f := range seed.Feeds {
		s.PutFeed(f)
	}
	return nil
}

func (s *Store) PutTask(t domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.FeedIDs = slices.Clone(t.FeedIDs)
	s.tasks[t.ID] = t
}

func (s *Store) PutFeed(f domain.Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[f.ID] = f
}

// txKey holds the undo log of the running transaction.
type txKey struct{}

type memTx struct {
	undo   []func()
	unlock []func()
}

// WithTransaction runs fn with a transaction in the context. Writes made
// through the stores are undone if fn fails. Task locks taken inside fn are
// held until it returns.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*memTx); ok {
		return fn(ctx)
	}

	tx := &memTx{}
	defer func() {
		for i := len(tx.unlock) - 1; i >= 0; i-- {
			tx.unlock[i]()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(txKey{}).(*memTx)
	return tx
}

type NodeStore struct{ s *Store }

func (n *NodeStore) Create(_ context.Context, node *domain.Node) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	if _, ok := n.s.nodes[node.ID]; ok {
		return fmt.Errorf("node %s: %w", node.ID, domain.ErrConflict)
	}
	if node.Type == domain.NodeTypeCoordinator {
		for _, other := range n.s.nodes {
			if other.Type == domain.NodeTypeCoordinator {
				return fmt.Errorf("coordinator %s already registered: %w", other.ID, domain.ErrConflict)
			}
		}
	}
	n.s.nodes[node.ID] = cloneNode(*node)
	return nil
}

func (n *NodeStore) Get(_ context.Context, id string) (*domain.Node, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	node, ok := n.s.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneNode(node)
	return &out, nil
}

func (n *NodeStore) GetByAPIKey(_ context.Context, apiKey string) (*domain.Node, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	for _, node := range n.s.nodes {
		if apiKey != "" && node.APIKey == apiKey {
			out := cloneNode(node)
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (n *NodeStore) List(_ context.Context, filter domain.NodeFilter) ([]domain.Node, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	out := make([]domain.Node, 0, len(n.s.nodes))
	for _, node := range n.s.nodes {
		if filter.Type != nil && node.Type != *filter.Type {
			continue
		}
		if filter.ActiveOnly && !node.Active {
			continue
		}
		out = append(out, cloneNode(node))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update writes the fields set in patch.
func (n *NodeStore) Update(_ context.Context, id string, patch domain.NodePatch) (*domain.Node, error) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	stored, ok := n.s.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if patch.Name != nil {
		stored.Name = *patch.Name
	}
	if patch.Description != nil {
		stored.Description = *patch.Description
	}
	if patch.Endpoint != nil {
		stored.Endpoint = *patch.Endpoint
	}
	if patch.Active != nil {
		stored.Active = *patch.Active
	}
	if len(patch.SyncConfig) > 0 {
		stored.SyncConfig = slices.Clone(patch.SyncConfig)
	}
	stored.UpdatedAt = patch.UpdatedAt
	n.s.nodes[id] = stored
	out := cloneNode(stored)
	return &out, nil
}

func (n *NodeStore) SetCredentials(_ context.Context, id, apiKey, secretHash string, at time.Time) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	stored, ok := n.s.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	for otherID, other := range n.s.nodes {
		if otherID != id && other.APIKey == apiKey {
			return fmt.Errorf("api key: %w", domain.ErrConflict)
		}
	}
	stored.APIKey = apiKey
	stored.SecretHash = secretHash
	stored.UpdatedAt = at
	n.s.nodes[id] = stored
	return nil
}

func (n *NodeStore) TouchHeartbeat(_ context.Context, id string, at time.Time) error {
	return n.touch(id, func(node *domain.Node) { node.LastHeartbeatAt = &at })
}

func (n *NodeStore) TouchSync(_ context.Context, id string, at time.Time) error {
	return n.touch(id, func(node *domain.Node) { node.LastSyncAt = &at })
}

func (n *NodeStore) touch(id string, apply func(*domain.Node)) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	stored, ok := n.s.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	apply(&stored)
	n.s.nodes[id] = stored
	return nil
}

type AllocationStore struct{ s *Store }

// LockTask takes the task's lock until the surrounding transaction ends.
func (a *AllocationStore) LockTask(ctx context.Context, taskID string) error {
	tx := txFrom(ctx)
	if tx == nil {
		return errors.New("lock task outside transaction")
	}
	m, _ := a.s.taskLocks.LoadOrStore(taskID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	tx.unlock = append(tx.unlock, mu.Unlock)
	return nil
}

func (a *AllocationStore) ActiveFeedIDs(_ context.Context, taskID string) ([]string, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	var ids []string
	for _, alloc := range a.s.allocations {
		if alloc.TaskID == taskID && alloc.Status.Active() {
			ids = append(ids, alloc.FeedIDs...)
		}
	}
	return ids, nil
}

func (a *AllocationStore) Create(ctx context.Context, allocation *domain.Allocation) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, ok := a.s.allocations[allocation.ID]; ok {
		return fmt.Errorf("allocation %s: %w", allocation.ID, domain.ErrConflict)
	}
	a.s.allocations[allocation.ID] = cloneAllocation(*allocation)
	if tx := txFrom(ctx); tx != nil {
		id := allocation.ID
		tx.undo = append(tx.undo, func() { delete(a.s.allocations, id) })
	}
	return nil
}

func (a *AllocationStore) Get(_ context.Context, id string) (*domain.Allocation, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	alloc, ok := a.s.allocations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneAllocation(alloc)
	return &out, nil
}

func (a *AllocationStore) List(_ context.Context, filter domain.AllocationFilter) ([]domain.Allocation, int, error) {
	a.s.mu.RLock()
	var matched []domain.Allocation
	for _, alloc := range a.s.allocations {
		if filter.TaskID != "" && alloc.TaskID != filter.TaskID {
			continue
		}
		if filter.NodeID != "" && alloc.NodeID != filter.NodeID {
			continue
		}
		if filter.Status != "" && alloc.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneAllocation(alloc))
	}
	a.s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return newer(matched[i], matched[j]) })
	return page(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (a *AllocationStore) NextPending(_ context.Context, nodeID string) (*domain.Allocation, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	var oldest *domain.Allocation
	for _, alloc := range a.s.allocations {
		if alloc.NodeID != nodeID || alloc.Status != domain.AllocationPending {
			continue
		}
		if oldest == nil || newer(*oldest, alloc) {
			c := cloneAllocation(alloc)
			oldest = &c
		}
	}
	if oldest == nil {
		return nil, domain.ErrNotFound
	}
	return oldest, nil
}

func (a *AllocationStore) Transition(_ context.Context, change domain.StatusChange) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	alloc, ok := a.s.allocations[change.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if alloc.Status != change.From {
		return false, nil
	}
	if change.UpdatedBefore != nil && !alloc.UpdatedAt.Before(*change.UpdatedBefore) {
		return false, nil
	}
	if change.NodeID != "" && alloc.NodeID != change.NodeID {
		return false, nil
	}

	alloc.Status = change.To
	alloc.UpdatedAt = change.At
	if change.To == domain.AllocationExecuting && alloc.StartedAt == nil {
		at := change.At
		alloc.StartedAt = &at
	}
	if change.To.Terminal() {
		at := change.At
		alloc.CompletedAt = &at
	}
	if change.ErrorMessage != nil {
		msg := *change.ErrorMessage
		alloc.ErrorMessage = &msg
	}
	if change.ArticleCount != nil {
		alloc.ArticleCount = *change.ArticleCount
	}
	if change.NewArticleCount != nil {
		alloc.NewArticleCount = *change.NewArticleCount
	}
	a.s.allocations[change.ID] = alloc
	return true, nil
}

func (a *AllocationStore) Stale(_ context.Context, before time.Time, limit int) ([]domain.Allocation, error) {
	a.s.mu.RLock()
	var stale []domain.Allocation
	for _, alloc := range a.s.allocations {
		if alloc.Status.Active() && alloc.UpdatedAt.Before(before) {
			stale = append(stale, cloneAllocation(alloc))
		}
	}
	a.s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (a *AllocationStore) ActiveCountByNode(_ context.Context) (map[string]int, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	counts := make(map[string]int)
	for _, alloc := range a.s.allocations {
		if alloc.Status.Active() {
			counts[alloc.NodeID]++
		}
	}
	return counts, nil
}

func (a *AllocationStore) Counts(_ context.Context, since time.Time) (*domain.AllocationCounts, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	var c domain.AllocationCounts
	for _, alloc := range a.s.allocations {
		switch alloc.Status {
		case domain.AllocationPending:
			c.Pending++
		case domain.AllocationExecuting:
			c.Executing++
		case domain.AllocationCompleted:
			if alloc.CompletedAt != nil && !alloc.CompletedAt.Before(since) {
				c.CompletedToday++
			}
		case domain.AllocationFailed:
			if alloc.CompletedAt != nil && !alloc.CompletedAt.Before(since) {
				c.FailedToday++
			}
		}
	}
	return &c, nil
}

func (a *AllocationStore) LatestByFeed(_ context.Context, feedIDs []string) (map[string]domain.Allocation, error) {
	want := make(map[string]struct{}, len(feedIDs))
	for _, id := range feedIDs {
		want[id] = struct{}{}
	}

	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	latest := make(map[string]domain.Allocation)
	for _, alloc := range a.s.allocations {
		for _, feedID := range alloc.FeedIDs {
			if _, ok := want[feedID]; !ok {
				continue
			}
			if cur, ok := latest[feedID]; !ok || newer(alloc, cur) {
				latest[feedID] = cloneAllocation(alloc)
			}
		}
	}
	return latest, nil
}

type SyncLogStore struct{ s *Store }

func (l *SyncLogStore) Insert(_ context.Context, entry *domain.SyncLogEntry) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	e := *entry
	e.Extra = slices.Clone(entry.Extra)
	l.s.logs = append(l.s.logs, e)
	return nil
}

func (l *SyncLogStore) Complete(_ context.Context, c domain.SyncLogCompletion) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for i := range l.s.logs {
		e := &l.s.logs[i]
		if e.ID != c.ID {
			continue
		}
		if e.CompletedAt != nil {
			return fmt.Errorf("sync log %s already completed: %w", c.ID, domain.ErrConflict)
		}
		at := c.At
		e.Status = c.Status
		e.DataCount = c.DataCount
		e.ErrorMessage = c.ErrorMessage
		e.CompletedAt = &at
		return nil
	}
	return domain.ErrNotFound
}

func (l *SyncLogStore) List(_ context.Context, filter domain.SyncLogFilter) ([]domain.SyncLogEntry, int, error) {
	l.s.mu.RLock()
	var matched []domain.SyncLogEntry
	for i := len(l.s.logs) - 1; i >= 0; i-- {
		e := l.s.logs[i]
		if filter.NodeID != "" && e.NodeID != filter.NodeID {
			continue
		}
		if filter.Operation != "" && e.Operation != filter.Operation {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		matched = append(matched, e)
	}
	l.s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].StartedAt.After(matched[j].StartedAt) })
	return page(matched, filter.Limit, filter.Offset), len(matched), nil
}

// TaskStore serves tasks and feeds loaded with PutTask, PutFeed or a seed
// file.
type TaskStore struct{ s *Store }

func (t *TaskStore) PendingTasks(_ context.Context) ([]domain.Task, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var tasks []domain.Task
	for _, task := range t.s.tasks {
		if task.Enabled {
			task.FeedIDs = slices.Clone(task.FeedIDs)
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (t *TaskStore) GetTask(_ context.Context, id string) (*domain.Task, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	task, ok := t.s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	task.FeedIDs = slices.Clone(task.FeedIDs)
	return &task, nil
}

func (t *TaskStore) ListTasks(_ context.Context, filter domain.TaskFilter) ([]domain.Task, int, error) {
	t.s.mu.RLock()
	var tasks []domain.Task
	for _, task := range t.s.tasks {
		if filter.EnabledOnly && !task.Enabled {
			continue
		}
		task.FeedIDs = slices.Clone(task.FeedIDs)
		tasks = append(tasks, task)
	}
	t.s.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return page(tasks, filter.Limit, filter.Offset), len(tasks), nil
}

func (t *TaskStore) ListFeeds(_ context.Context, filter domain.FeedFilter) ([]domain.Feed, int, error) {
	t.s.mu.RLock()
	var feeds []domain.Feed
	for _, f := range t.s.feeds {
		if filter.FeedID != "" && f.ID != filter.FeedID {
			continue
		}
		if filter.FeedIDs != nil && !slices.Contains(filter.FeedIDs, f.ID) {
			continue
		}
		feeds = append(feeds, f)
	}
	t.s.mu.RUnlock()

	sort.Slice(feeds, func(i, j int) bool { return feeds[i].ID < feeds[j].ID })
	return page(feeds, filter.Limit, filter.Offset), len(feeds), nil
}

func newer(a, b domain.Allocation) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneNode(n domain.Node) domain.Node {
	n.SyncConfig = slices.Clone(n.SyncConfig)
	return n
}

func cloneAllocation(a domain.Allocation) domain.Allocation {
	a.FeedIDs = slices.Clone(a.FeedIDs)
	return a
}
