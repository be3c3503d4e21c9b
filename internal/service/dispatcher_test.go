package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"cascade/internal/domain"
	"cascade/internal/service/mocks"
)

type DispatcherTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	tasks       *mocks.MockTaskSource
	allocations *mocks.MockAllocationStore
	nodes       *mocks.MockNodeStore
	logs        *mocks.MockSyncLogStore
	txManager   *mocks.MockTransactionManager
	publisher   *mocks.MockPublisher

	dispatcher *Dispatcher
	logger     *slog.Logger
}

func (s *DispatcherTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.tasks = mocks.NewMockTaskSource(s.ctrl)
	s.allocations = mocks.NewMockAllocationStore(s.ctrl)
	s.nodes = mocks.NewMockNodeStore(s.ctrl)
	s.logs = mocks.NewMockSyncLogStore(s.ctrl)
	s.txManager = mocks.NewMockTransactionManager(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	audit := NewAuditTrail(s.logs, s.logger)
	heartbeat := NewHeartbeatTracker(s.nodes, audit, time.Minute, s.logger)
	s.dispatcher = NewDispatcher(
		s.tasks,
		s.allocations,
		s.txManager,
		heartbeat,
		LeastLoaded{},
		s.publisher,
		audit,
		s.logger,
	)
}

func (s *DispatcherTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func (s *DispatcherTestSuite) onlineWorkers(ids ...string) []domain.Node {
	now := time.Now()
	nodes := make([]domain.Node, len(ids))
	for i, id := range ids {
		nodes[i] = domain.Node{ID: id, Type: domain.NodeTypeWorker, Active: true, LastHeartbeatAt: &now}
	}
	return nodes
}

func (s *DispatcherTestSuite) expectTx() {
	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	)
}

func (s *DispatcherTestSuite) expectAudit(n int) {
	s.logs.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(nil).Times(n)
	s.logs.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(nil).Times(n)
}

func (s *DispatcherTestSuite) TestDispatch_NoOnlineNodes() {
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)

	s.tasks.EXPECT().PendingTasks(ctx).Return([]domain.Task{{ID: "t1", FeedIDs: []string{"f1"}, Enabled: true}}, nil)
	s.nodes.EXPECT().List(ctx, gomock.Any()).Return([]domain.Node{
		{ID: "w1", Type: domain.NodeTypeWorker, Active: true, LastHeartbeatAt: &stale},
	}, nil)

	summary, err := s.dispatcher.Dispatch(ctx, "")

	s.Require().NoError(err)
	s.Equal(0, summary.OnlineNodes)
	s.Equal(1, summary.CandidateTasks)
	s.Equal(0, summary.AllocationsCreated)
	s.NotEmpty(summary.ScheduleRunID)
	s.Empty(summary.Tasks)
}

func (s *DispatcherTestSuite) TestDispatch_PartitionsUncoveredFeeds() {
	ctx := context.Background()
	task := domain.Task{ID: "t1", Name: "news", FeedIDs: []string{"f1", "f2", "f3", "f2"}, Enabled: true}

	s.tasks.EXPECT().PendingTasks(ctx).Return([]domain.Task{task}, nil)
	s.nodes.EXPECT().List(ctx, gomock.Any()).Return(s.onlineWorkers("w2", "w1"), nil)
	s.allocations.EXPECT().ActiveCountByNode(ctx).Return(map[string]int{}, nil)
	s.expectTx()
	s.allocations.EXPECT().LockTask(ctx, "t1").Return(nil)
	s.allocations.EXPECT().ActiveFeedIDs(ctx, "t1").Return([]string{"f1"}, nil)

	created := map[string][]string{}
	s.allocations.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, a *domain.Allocation) error {
		s.Equal(domain.AllocationPending, a.Status)
		s.Equal("news", a.TaskName)
		created[a.NodeID] = a.FeedIDs
		return nil
	}).Times(2)
	s.publisher.EXPECT().PublishAllocation(ctx, gomock.Any()).Return(nil).Times(2)
	s.expectAudit(2)

	summary, err := s.dispatcher.Dispatch(ctx, "")

	s.Require().NoError(err)
	s.Equal(2, summary.OnlineNodes)
	s.Equal(2, summary.AllocationsCreated)
	s.Require().Len(summary.Tasks, 1)
	result := summary.Tasks[0]
	s.Equal(3, result.FeedCount)
	s.Equal(2, result.AllocatedFeeds)
	s.Equal(1, result.SkippedFeeds)
	s.Empty(result.Error)
	s.Equal([]string{"f2"}, created["w1"])
	s.Equal([]string{"f3"}, created["w2"])
}

func (s *DispatcherTestSuite) TestDispatch_FullyCoveredTaskCreatesNothing() {
	ctx := context.Background()
	task := domain.Task{ID: "t1", FeedIDs: []string{"f1", "f2"}, Enabled: true}

	s.tasks.EXPECT().GetTask(ctx, "t1").Return(&task, nil)
	s.nodes.EXPECT().List(ctx, gomock.Any()).Return(s.onlineWorkers("w1"), nil)
	s.allocations.EXPECT().ActiveCountByNode(ctx).Return(map[string]int{"w1": 1}, nil)
	s.expectTx()
	s.allocations.EXPECT().LockTask(ctx, "t1").Return(nil)
	s.allocations.EXPECT().ActiveFeedIDs(ctx, "t1").Return([]string{"f2", "f1"}, nil)

	summary, err := s.dispatcher.Dispatch(ctx, "t1")

	s.Require().NoError(err)
	s.Equal(0, summary.AllocationsCreated)
	s.Equal(2, summary.Tasks[0].SkippedFeeds)
}

func (s *DispatcherTestSuite) TestDispatch_PublishFailureKeepsAllocation() {
	ctx := context.Background()
	task := domain.Task{ID: "t1", FeedIDs: []string{"f1"}, Enabled: true}

	s.tasks.EXPECT().PendingTasks(ctx).Return([]domain.Task{task}, nil)
	s.nodes.EXPECT().List(ctx, gomock.Any()).Return(s.onlineWorkers("w1"), nil)
	s.allocations.EXPECT().ActiveCountByNode(ctx).Return(nil, nil)
	s.expectTx()
	s.allocations.EXPECT().LockTask(ctx, "t1").Return(nil)
	s.allocations.EXPECT().ActiveFeedIDs(ctx, "t1").Return(nil, nil)
	s.allocations.EXPECT().Create(ctx, gomock.Any()).Return(nil)
	s.publisher.EXPECT().PublishAllocation(ctx, gomock.Any()).Return(errors.New("broker down"))

	s.logs.EXPECT().Insert(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, e *domain.SyncLogEntry) error {
		s.Equal(domain.OpDispatch, e.Operation)
		s.Contains(string(e.Extra), `"mode":"push"`)
		return nil
	})
	s.logs.EXPECT().Complete(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, c domain.SyncLogCompletion) error {
		s.Equal(domain.SyncFailure, c.Status)
		return nil
	})

	summary, err := s.dispatcher.Dispatch(ctx, "")

	s.Require().NoError(err)
	s.Equal(1, summary.AllocationsCreated)
	s.Empty(summary.Tasks[0].Error)
}

func (s *DispatcherTestSuite) TestDispatch_StoreErrorIsReportedPerTask() {
	ctx := context.Background()
	tasks := []domain.Task{
		{ID: "t1", FeedIDs: []string{"f1"}, Enabled: true},
		{ID: "t2", FeedIDs: []string{"f9"}, Enabled: true},
	}

	s.tasks.EXPECT().PendingTasks(ctx).Return(tasks, nil)
	s.nodes.EXPECT().List(ctx, gomock.Any()).Return(s.onlineWorkers("w1"), nil)
	s.allocations.EXPECT().ActiveCountByNode(ctx).Return(map[string]int{}, nil)
	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	).Times(2)

	s.allocations.EXPECT().LockTask(ctx, "t1").Return(nil)
	s.allocations.EXPECT().ActiveFeedIDs(ctx, "t1").Return(nil, nil)
	s.allocations.EXPECT().Create(ctx, gomock.Any()).Return(errors.New("disk full"))

	s.allocations.EXPECT().LockTask(ctx, "t2").Return(nil)
	s.allocations.EXPECT().ActiveFeedIDs(ctx, "t2").Return(nil, nil)
	s.allocations.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, a *domain.Allocation) error {
		s.Equal("w1", a.NodeID)
		return nil
	})
	s.publisher.EXPECT().PublishAllocation(ctx, gomock.Any()).Return(nil)
	s.expectAudit(1)

	summary, err := s.dispatcher.Dispatch(ctx, "")

	s.Require().NoError(err)
	s.Require().Len(summary.Tasks, 2)
	s.Contains(summary.Tasks[0].Error, "disk full")
	s.Equal(0, summary.Tasks[0].Allocations)
	s.Empty(summary.Tasks[1].Error)
	s.Equal(1, summary.AllocationsCreated)
}

func (s *DispatcherTestSuite) TestDispatch_UnknownTask() {
	ctx := context.Background()
	s.tasks.EXPECT().GetTask(ctx, "missing").Return(nil, domain.ErrNotFound)

	_, err := s.dispatcher.Dispatch(ctx, "missing")

	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *DispatcherTestSuite) TestSummary() {
	ctx := context.Background()
	s.allocations.EXPECT().Counts(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, since time.Time) (*domain.AllocationCounts, error) {
		s.Equal(0, since.Hour())
		s.Equal(time.UTC, since.Location())
		return &domain.AllocationCounts{Pending: 2, Executing: 1, CompletedToday: 4}, nil
	})
	s.nodes.EXPECT().List(ctx, gomock.Any()).Return(s.onlineWorkers("w1", "w2"), nil)

	summary, err := s.dispatcher.Summary(ctx)

	s.Require().NoError(err)
	s.Equal(2, summary.Pending)
	s.Equal(4, summary.CompletedToday)
	s.Equal(2, summary.OnlineNodes)
}

func (s *DispatcherTestSuite) TestRun_LeavesCronTasksToTheirSchedule() {
	ctx := context.Background()
	s.tasks.EXPECT().PendingTasks(ctx).Return([]domain.Task{
		{ID: "t1", FeedIDs: []string{"f1"}, Enabled: true, Schedule: "*/5 * * * *"},
		{ID: "t2", FeedIDs: []string{"f2"}, Enabled: true},
	}, nil)
	s.nodes.EXPECT().List(ctx, gomock.Any()).Return(s.onlineWorkers("w1"), nil)
	s.allocations.EXPECT().ActiveCountByNode(ctx).Return(map[string]int{}, nil)
	s.expectTx()
	s.allocations.EXPECT().LockTask(ctx, "t2").Return(nil)
	s.allocations.EXPECT().ActiveFeedIDs(ctx, "t2").Return(nil, nil)
	s.allocations.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, a *domain.Allocation) error {
		s.Equal("t2", a.TaskID)
		s.Equal([]string{"f2"}, []string(a.FeedIDs))
		return nil
	})
	s.publisher.EXPECT().PublishAllocation(ctx, gomock.Any()).Return(nil)
	s.expectAudit(1)

	s.NoError(s.dispatcher.Run(ctx))
}
