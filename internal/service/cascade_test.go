package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cascade/internal/domain"
	"cascade/internal/nodeclient"
	"cascade/internal/storage/memory"
)

// cascade wires the services over an in-memory store with pull-only
// delivery.
type cascade struct {
	store      *memory.Store
	registry   *NodeRegistry
	heartbeat  *HeartbeatTracker
	dispatcher *Dispatcher
	lifecycle  *Lifecycle
}

func newCascade(t *testing.T, maxDuration time.Duration) *cascade {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	audit := NewAuditTrail(store.SyncLogs(), logger)
	heartbeat := NewHeartbeatTracker(store.Nodes(), audit, time.Minute, logger)

	c := &cascade{
		store:     store,
		registry:  NewNodeRegistry(store.Nodes(), audit, nil, time.Second, logger),
		heartbeat: heartbeat,
		dispatcher: NewDispatcher(
			store.Tasks(), store.Allocations(), store, heartbeat, LeastLoaded{}, nil, audit, logger,
		),
		lifecycle: NewLifecycle(store.Allocations(), store.Nodes(), audit, maxDuration, logger),
	}
	_, err := c.registry.EnsureCoordinator(context.Background(), "hq", "http://hq")
	require.NoError(t, err)
	return c
}

func (c *cascade) onlineWorker(t *testing.T, name string, syncConfig string) *domain.Node {
	t.Helper()
	ctx := context.Background()
	req := RegisterRequest{Type: domain.NodeTypeWorker, Name: name}
	if syncConfig != "" {
		req.SyncConfig = []byte(syncConfig)
	}
	node, err := c.registry.Register(ctx, req)
	require.NoError(t, err)
	_, err = c.heartbeat.Beat(ctx, node)
	require.NoError(t, err)
	node, err = c.registry.Get(ctx, node.ID)
	require.NoError(t, err)
	return node
}

func (c *cascade) task(id string, feeds int) domain.Task {
	task := domain.Task{ID: id, Name: id, Enabled: true}
	for i := 0; i < feeds; i++ {
		task.FeedIDs = append(task.FeedIDs, fmt.Sprintf("%s-feed-%02d", id, i))
	}
	c.store.PutTask(task)
	return task
}

func (c *cascade) activeFeeds(t *testing.T, taskID string) map[string]int {
	t.Helper()
	list, _, err := c.store.Allocations().List(context.Background(), domain.AllocationFilter{TaskID: taskID})
	require.NoError(t, err)
	covered := make(map[string]int)
	for _, a := range list {
		if !a.Status.Active() {
			continue
		}
		for _, f := range a.FeedIDs {
			covered[f]++
		}
	}
	return covered
}

func TestCascade_ConcurrentDispatchNeverDoubleAssigns(t *testing.T) {
	c := newCascade(t, time.Hour)
	for i := 0; i < 3; i++ {
		c.onlineWorker(t, fmt.Sprintf("w%d", i), "")
	}
	task := c.task("t1", 20)

	var wg sync.WaitGroup
	created := make([]int, 8)
	for i := range created {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summary, err := c.dispatcher.Dispatch(context.Background(), "t1")
			assert.NoError(t, err)
			if summary != nil {
				created[i] = summary.Tasks[0].AllocatedFeeds
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range created {
		total += n
	}
	assert.Equal(t, len(task.FeedIDs), total)

	covered := c.activeFeeds(t, "t1")
	assert.Len(t, covered, len(task.FeedIDs))
	for feed, n := range covered {
		assert.Equal(t, 1, n, feed)
	}
}

func TestCascade_RedispatchIsIdempotent(t *testing.T) {
	c := newCascade(t, time.Hour)
	c.onlineWorker(t, "w1", "")
	c.onlineWorker(t, "w2", "")
	c.task("t1", 6)
	ctx := context.Background()

	first, err := c.dispatcher.Dispatch(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, first.AllocationsCreated)

	second, err := c.dispatcher.Dispatch(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, second.AllocationsCreated)
	assert.Equal(t, 6, second.Tasks[0].SkippedFeeds)
}

func TestCascade_NoOnlineWorkersIsNotAnError(t *testing.T) {
	c := newCascade(t, time.Hour)
	_, err := c.registry.Register(context.Background(), RegisterRequest{Type: domain.NodeTypeWorker, Name: "silent"})
	require.NoError(t, err)
	c.task("t1", 3)

	summary, err := c.dispatcher.Dispatch(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, 0, summary.OnlineNodes)
	assert.Empty(t, c.activeFeeds(t, "t1"))
}

func TestCascade_DeactivatedWorkerGetsNothing(t *testing.T) {
	c := newCascade(t, time.Hour)
	w1 := c.onlineWorker(t, "w1", "")
	w2 := c.onlineWorker(t, "w2", "")
	c.task("t1", 4)
	ctx := context.Background()

	require.NoError(t, c.registry.Deactivate(ctx, w1.ID))
	_, err := c.dispatcher.Dispatch(ctx, "")
	require.NoError(t, err)

	list, _, err := c.lifecycle.List(ctx, domain.AllocationFilter{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, w2.ID, list[0].NodeID)
	assert.Len(t, list[0].FeedIDs, 4)
}

func TestCascade_DeactivationSurvivesConfirmedEndpoint(t *testing.T) {
	c := newCascade(t, time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := nodeclient.New(nodeclient.Config{Timeout: 10 * time.Second, MaxAttempts: 1}, logger)
	c.registry = NewNodeRegistry(c.store.Nodes(), NewAuditTrail(c.store.SyncLogs(), logger), client, 10*time.Second, logger)

	w1 := c.onlineWorker(t, "w1", "")
	c.task("t1", 2)
	ctx := context.Background()

	creds, err := c.registry.RotateCredentials(ctx, w1.ID)
	require.NoError(t, err)

	// The node answers its health check only once release is closed.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	done := make(chan *domain.ConnectionResult, 1)
	go func() {
		result, err := c.registry.TestConnection(ctx, w1.ID, &domain.ConnectionTest{
			Endpoint:  srv.URL,
			APIKey:    creds.APIKey,
			APISecret: creds.APISecret,
			Confirm:   true,
		})
		assert.NoError(t, err)
		done <- result
	}()

	<-entered
	require.NoError(t, c.registry.Deactivate(ctx, w1.ID))
	close(release)
	result := <-done
	require.NotNil(t, result)
	assert.True(t, result.Connected)

	node, err := c.registry.Get(ctx, w1.ID)
	require.NoError(t, err)
	assert.False(t, node.Active)
	assert.Equal(t, srv.URL, node.Endpoint)

	summary, err := c.dispatcher.Dispatch(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.OnlineNodes)
	assert.Empty(t, c.activeFeeds(t, "t1"))
}

func TestCascade_RenameKeepsDeactivation(t *testing.T) {
	c := newCascade(t, time.Hour)
	w1 := c.onlineWorker(t, "w1", "")
	ctx := context.Background()

	require.NoError(t, c.registry.Deactivate(ctx, w1.ID))
	name := "renamed"
	updated, err := c.registry.Update(ctx, w1.ID, domain.NodeUpdate{Name: &name})
	require.NoError(t, err)

	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Active)
}

func TestCascade_CapacityLimitsAllocations(t *testing.T) {
	c := newCascade(t, time.Hour)
	c.onlineWorker(t, "small", `{"max_capacity":1}`)
	c.task("t1", 2)
	c.task("t2", 2)

	summary, err := c.dispatcher.Dispatch(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, 1, summary.AllocationsCreated)
	assert.Equal(t, 2, summary.Tasks[1].SkippedFeeds)
}

func TestCascade_ClaimAndReport(t *testing.T) {
	c := newCascade(t, time.Hour)
	w1 := c.onlineWorker(t, "w1", "")
	c.task("t1", 3)
	ctx := context.Background()

	_, err := c.dispatcher.Dispatch(ctx, "")
	require.NoError(t, err)

	claimed, err := c.lifecycle.Claim(ctx, w1)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, domain.AllocationExecuting, claimed.Status)

	again, err := c.lifecycle.Claim(ctx, w1)
	require.NoError(t, err)
	assert.Nil(t, again)

	done, err := c.lifecycle.Report(ctx, w1, domain.AllocationReport{
		AllocationID:    claimed.ID,
		Status:          domain.AllocationCompleted,
		ArticleCount:    30,
		NewArticleCount: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationCompleted, done.Status)
	assert.Equal(t, 30, done.ArticleCount)
	require.NotNil(t, done.CompletedAt)

	_, err = c.lifecycle.Report(ctx, w1, domain.AllocationReport{AllocationID: claimed.ID, Status: domain.AllocationFailed})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	node, err := c.registry.Get(ctx, w1.ID)
	require.NoError(t, err)
	assert.NotNil(t, node.LastSyncAt)
}

func TestCascade_SweepAndReportHaveOneWinner(t *testing.T) {
	c := newCascade(t, time.Nanosecond)
	w1 := c.onlineWorker(t, "w1", "")
	ctx := context.Background()

	for round := 0; round < 25; round++ {
		c.task(fmt.Sprintf("race-%02d", round), 1)
		_, err := c.dispatcher.Dispatch(ctx, fmt.Sprintf("race-%02d", round))
		require.NoError(t, err)

		claimed, err := c.lifecycle.Claim(ctx, w1)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		time.Sleep(time.Millisecond)

		var (
			wg        sync.WaitGroup
			reportErr error
			expired   int
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, reportErr = c.lifecycle.Report(ctx, w1, domain.AllocationReport{AllocationID: claimed.ID, Status: domain.AllocationCompleted})
		}()
		go func() {
			defer wg.Done()
			var err error
			expired, err = c.lifecycle.Sweep(ctx)
			assert.NoError(t, err)
		}()
		wg.Wait()

		final, err := c.lifecycle.Get(ctx, claimed.ID)
		require.NoError(t, err)
		if reportErr == nil {
			assert.Equal(t, 0, expired)
			assert.Equal(t, domain.AllocationCompleted, final.Status)
		} else {
			assert.ErrorIs(t, reportErr, domain.ErrInvalidTransition)
			assert.Equal(t, 1, expired)
			assert.Equal(t, domain.AllocationFailed, final.Status)
			require.NotNil(t, final.ErrorMessage)
			assert.Equal(t, timeoutMessage, *final.ErrorMessage)
		}
	}
}

func TestCascade_SweptFeedsAreDispatchedAgain(t *testing.T) {
	c := newCascade(t, time.Nanosecond)
	c.onlineWorker(t, "w1", "")
	c.onlineWorker(t, "w2", "")
	task := c.task("t1", 5)
	ctx := context.Background()

	_, err := c.dispatcher.Dispatch(ctx, "")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	expired, err := c.lifecycle.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)
	assert.Empty(t, c.activeFeeds(t, "t1"))

	summary, err := c.dispatcher.Dispatch(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Tasks[0].AllocatedFeeds)
	assert.Len(t, c.activeFeeds(t, "t1"), len(task.FeedIDs))
}

func TestCascade_RotationRevokesPreviousSecret(t *testing.T) {
	c := newCascade(t, time.Hour)
	w1 := c.onlineWorker(t, "w1", "")
	ctx := context.Background()

	first, err := c.registry.RotateCredentials(ctx, w1.ID)
	require.NoError(t, err)
	_, err = c.registry.Authenticate(ctx, first.APIKey, first.APISecret)
	require.NoError(t, err)

	second, err := c.registry.RotateCredentials(ctx, w1.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.APIKey, second.APIKey)

	_, err = c.registry.Authenticate(ctx, first.APIKey, first.APISecret)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = c.registry.Authenticate(ctx, second.APIKey, first.APISecret)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.NotEqual(t, first.APISecret, second.APISecret)

	result, err := c.registry.TestConnection(ctx, w1.ID, &domain.ConnectionTest{APIKey: first.APIKey, APISecret: first.APISecret})
	require.NoError(t, err)
	assert.False(t, result.Connected)
	assert.Equal(t, domain.ReasonUnauthorized, result.Reason)

	node, err := c.registry.Authenticate(ctx, second.APIKey, second.APISecret)
	require.NoError(t, err)
	assert.Equal(t, w1.ID, node.ID)
}

func TestCascade_AuditTrail(t *testing.T) {
	c := newCascade(t, time.Hour)
	w1 := c.onlineWorker(t, "w1", "")
	ctx := context.Background()

	heartbeats, total, err := NewAuditTrail(c.store.SyncLogs(), slog.New(slog.NewTextHandler(io.Discard, nil))).
		Query(ctx, domain.SyncLogFilter{NodeID: w1.ID, Operation: domain.OpHeartbeat})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, heartbeats, 1)
	assert.Equal(t, domain.SyncSuccess, heartbeats[0].Status)
	assert.Equal(t, domain.DirectionInbound, heartbeats[0].Direction)
	assert.NotNil(t, heartbeats[0].CompletedAt)
}
