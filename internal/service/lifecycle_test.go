package service

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"cascade/internal/domain"
	"cascade/internal/service/mocks"
)

type LifecycleTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	allocations *mocks.MockAllocationStore
	nodes       *mocks.MockNodeStore
	logs        *mocks.MockSyncLogStore

	lifecycle *Lifecycle
	node      *domain.Node
	now       time.Time
}

func (s *LifecycleTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.allocations = mocks.NewMockAllocationStore(s.ctrl)
	s.nodes = mocks.NewMockNodeStore(s.ctrl)
	s.logs = mocks.NewMockSyncLogStore(s.ctrl)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	s.logs.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.logs.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.lifecycle = NewLifecycle(s.allocations, s.nodes, NewAuditTrail(s.logs, logger), 10*time.Minute, logger)
	s.lifecycle.now = func() time.Time { return s.now }
	s.node = &domain.Node{ID: "w1", Type: domain.NodeTypeWorker, Active: true}
}

func (s *LifecycleTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(LifecycleTestSuite))
}

func (s *LifecycleTestSuite) allocation(id string, status domain.AllocationStatus) *domain.Allocation {
	return &domain.Allocation{
		ID:        id,
		NodeID:    "w1",
		TaskID:    "t1",
		FeedIDs:   []string{"f1", "f2"},
		Status:    status,
		CreatedAt: s.now.Add(-time.Hour),
		UpdatedAt: s.now.Add(-time.Hour),
	}
}

func (s *LifecycleTestSuite) TestClaim_NothingPending() {
	ctx := context.Background()
	s.allocations.EXPECT().NextPending(ctx, "w1").Return(nil, domain.ErrNotFound)

	allocation, err := s.lifecycle.Claim(ctx, s.node)

	s.NoError(err)
	s.Nil(allocation)
}

func (s *LifecycleTestSuite) TestClaim_RetriesAfterLostRace() {
	ctx := context.Background()
	gomock.InOrder(
		s.allocations.EXPECT().NextPending(ctx, "w1").Return(s.allocation("a1", domain.AllocationPending), nil),
		s.allocations.EXPECT().Transition(ctx, gomock.Any()).Return(false, nil),
		s.allocations.EXPECT().NextPending(ctx, "w1").Return(s.allocation("a2", domain.AllocationPending), nil),
		s.allocations.EXPECT().Transition(ctx, domain.StatusChange{
			ID:     "a2",
			From:   domain.AllocationPending,
			To:     domain.AllocationExecuting,
			At:     s.now,
			NodeID: "w1",
		}).Return(true, nil),
	)
	s.nodes.EXPECT().TouchSync(ctx, "w1", s.now).Return(nil)

	allocation, err := s.lifecycle.Claim(ctx, s.node)

	s.Require().NoError(err)
	s.Equal("a2", allocation.ID)
	s.Equal(domain.AllocationExecuting, allocation.Status)
	s.Require().NotNil(allocation.StartedAt)
	s.Equal(s.now, *allocation.StartedAt)
}

func (s *LifecycleTestSuite) TestClaim_GivesUp() {
	ctx := context.Background()
	s.allocations.EXPECT().NextPending(ctx, "w1").Return(s.allocation("a1", domain.AllocationPending), nil).Times(maxClaimAttempts)
	s.allocations.EXPECT().Transition(ctx, gomock.Any()).Return(false, nil).Times(maxClaimAttempts)

	_, err := s.lifecycle.Claim(ctx, s.node)

	s.ErrorIs(err, domain.ErrConflict)
}

func (s *LifecycleTestSuite) TestReport_Completed() {
	ctx := context.Background()
	current := s.allocation("a1", domain.AllocationExecuting)
	done := s.allocation("a1", domain.AllocationCompleted)
	done.ArticleCount = 12

	gomock.InOrder(
		s.allocations.EXPECT().Get(ctx, "a1").Return(current, nil),
		s.allocations.EXPECT().Transition(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, c domain.StatusChange) (bool, error) {
			s.Equal(domain.AllocationExecuting, c.From)
			s.Equal(domain.AllocationCompleted, c.To)
			s.Equal("w1", c.NodeID)
			s.Equal(12, *c.ArticleCount)
			s.Equal(3, *c.NewArticleCount)
			s.Nil(c.ErrorMessage)
			return true, nil
		}),
		s.allocations.EXPECT().Get(ctx, "a1").Return(done, nil),
	)
	s.nodes.EXPECT().TouchSync(ctx, "w1", s.now).Return(nil)

	allocation, err := s.lifecycle.Report(ctx, s.node, domain.AllocationReport{
		AllocationID:    "a1",
		Status:          domain.AllocationCompleted,
		ArticleCount:    12,
		NewArticleCount: 3,
	})

	s.Require().NoError(err)
	s.Equal(domain.AllocationCompleted, allocation.Status)
}

func (s *LifecycleTestSuite) TestReport_FailedWithoutMessage() {
	ctx := context.Background()
	s.allocations.EXPECT().Get(ctx, "a1").Return(s.allocation("a1", domain.AllocationExecuting), nil).Times(2)
	s.allocations.EXPECT().Transition(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, c domain.StatusChange) (bool, error) {
		s.Require().NotNil(c.ErrorMessage)
		s.Equal("reported failed", *c.ErrorMessage)
		return true, nil
	})
	s.nodes.EXPECT().TouchSync(ctx, "w1", s.now).Return(nil)

	_, err := s.lifecycle.Report(ctx, s.node, domain.AllocationReport{AllocationID: "a1", Status: domain.AllocationFailed})

	s.NoError(err)
}

func (s *LifecycleTestSuite) TestReport_NotOwner() {
	ctx := context.Background()
	other := s.allocation("a1", domain.AllocationExecuting)
	other.NodeID = "w2"
	s.allocations.EXPECT().Get(ctx, "a1").Return(other, nil)

	_, err := s.lifecycle.Report(ctx, s.node, domain.AllocationReport{AllocationID: "a1", Status: domain.AllocationCompleted})

	s.ErrorIs(err, domain.ErrConflict)
}

func (s *LifecycleTestSuite) TestReport_TerminalIsFinal() {
	ctx := context.Background()
	s.allocations.EXPECT().Get(ctx, "a1").Return(s.allocation("a1", domain.AllocationCompleted), nil)

	_, err := s.lifecycle.Report(ctx, s.node, domain.AllocationReport{AllocationID: "a1", Status: domain.AllocationFailed})

	s.ErrorIs(err, domain.ErrInvalidTransition)
}

func (s *LifecycleTestSuite) TestReport_LostRaceReturnsCurrent() {
	ctx := context.Background()
	swept := s.allocation("a1", domain.AllocationFailed)
	gomock.InOrder(
		s.allocations.EXPECT().Get(ctx, "a1").Return(s.allocation("a1", domain.AllocationExecuting), nil),
		s.allocations.EXPECT().Transition(ctx, gomock.Any()).Return(false, nil),
		s.allocations.EXPECT().Get(ctx, "a1").Return(swept, nil),
	)

	allocation, err := s.lifecycle.Report(ctx, s.node, domain.AllocationReport{AllocationID: "a1", Status: domain.AllocationCompleted})

	s.ErrorIs(err, domain.ErrInvalidTransition)
	s.Contains(err.Error(), "already failed")
	s.Equal(swept, allocation)
}

func (s *LifecycleTestSuite) TestReport_RejectsBadInput() {
	ctx := context.Background()

	_, err := s.lifecycle.Report(ctx, s.node, domain.AllocationReport{AllocationID: "a1", Status: domain.AllocationCompleted, ArticleCount: -1})
	s.ErrorIs(err, domain.ErrInvalidArgument)

	s.allocations.EXPECT().Get(ctx, "a1").Return(s.allocation("a1", domain.AllocationExecuting), nil)
	_, err = s.lifecycle.Report(ctx, s.node, domain.AllocationReport{AllocationID: "a1", Status: domain.AllocationPending})
	s.ErrorIs(err, domain.ErrInvalidArgument)

	s.allocations.EXPECT().Get(ctx, "nope").Return(nil, domain.ErrNotFound)
	_, err = s.lifecycle.Report(ctx, s.node, domain.AllocationReport{AllocationID: "nope", Status: domain.AllocationCompleted})
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *LifecycleTestSuite) TestSweep_ExpiresOnlyWinners() {
	ctx := context.Background()
	cutoff := s.now.Add(-10 * time.Minute)

	s.allocations.EXPECT().Stale(ctx, cutoff, sweepBatchSize).Return([]domain.Allocation{
		*s.allocation("a1", domain.AllocationPending),
		*s.allocation("a2", domain.AllocationExecuting),
	}, nil)
	s.allocations.EXPECT().Transition(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, c domain.StatusChange) (bool, error) {
		s.Equal(domain.AllocationFailed, c.To)
		s.Require().NotNil(c.UpdatedBefore)
		s.Equal(cutoff, *c.UpdatedBefore)
		s.Equal(timeoutMessage, *c.ErrorMessage)
		s.Empty(c.NodeID)
		return c.ID == "a1", nil
	}).Times(2)

	expired, err := s.lifecycle.Sweep(ctx)

	s.Require().NoError(err)
	s.Equal(1, expired)
}

func (s *LifecycleTestSuite) TestList_NormalizesPage() {
	ctx := context.Background()
	s.allocations.EXPECT().List(ctx, domain.AllocationFilter{NodeID: "w1", Limit: 200}).Return(nil, 0, nil)

	_, total, err := s.lifecycle.List(ctx, domain.AllocationFilter{NodeID: "w1", Limit: 5000, Offset: -3})

	s.NoError(err)
	s.Zero(total)
}
