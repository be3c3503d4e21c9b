package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"cascade/internal/domain"
	"cascade/internal/service/mocks"
)

func TestFeedStatus_List(t *testing.T) {
	ctrl := gomock.NewController(t)
	feeds := mocks.NewMockFeedStore(ctrl)
	allocations := mocks.NewMockAllocationStore(ctrl)

	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	old := now.Add(-72 * time.Hour)

	ctx := context.Background()
	feeds.EXPECT().ListFeeds(ctx, domain.FeedFilter{Limit: 50}).Return([]domain.Feed{
		{ID: "f1", LastArticleAt: &recent},
		{ID: "f2", LastArticleAt: &old},
		{ID: "f3", LastArticleAt: &recent},
		{ID: "f4"},
		{ID: "f5", LastArticleAt: &recent},
	}, 5, nil)
	allocations.EXPECT().LatestByFeed(ctx, []string{"f1", "f2", "f3", "f4", "f5"}).Return(map[string]domain.Allocation{
		"f3": {ID: "a3", Status: domain.AllocationExecuting},
		"f5": {ID: "a5", Status: domain.AllocationFailed},
	}, nil)

	svc := NewFeedStatusService(feeds, allocations, 24*time.Hour)
	svc.now = func() time.Time { return now }

	statuses, total, err := svc.List(ctx, domain.FeedFilter{})

	require.NoError(t, err)
	assert.Equal(t, 5, total)
	want := []domain.Freshness{
		domain.FreshnessFresh,
		domain.FreshnessStale,
		domain.FreshnessCrawling,
		domain.FreshnessUnknown,
		domain.FreshnessFailed,
	}
	for i, st := range statuses {
		assert.Equal(t, want[i], st.Freshness, st.Feed.ID)
	}
	require.NotNil(t, statuses[2].LatestAllocation)
	assert.Equal(t, "a3", statuses[2].LatestAllocation.ID)
	assert.Nil(t, statuses[0].LatestAllocation)
}

func TestFeedStatus_UnknownFeed(t *testing.T) {
	ctrl := gomock.NewController(t)
	feeds := mocks.NewMockFeedStore(ctrl)
	allocations := mocks.NewMockAllocationStore(ctrl)

	feeds.EXPECT().ListFeeds(gomock.Any(), gomock.Any()).Return(nil, 0, nil)

	_, _, err := NewFeedStatusService(feeds, allocations, time.Hour).List(context.Background(), domain.FeedFilter{FeedID: "missing"})

	assert.ErrorIs(t, err, domain.ErrNotFound)
}
