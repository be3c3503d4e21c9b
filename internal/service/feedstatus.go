package service

import (
	"context"
	"fmt"
	"time"

	"cascade/internal/domain"
)

type FeedStatusService struct {
	feeds       FeedStore
	allocations AllocationStore
	window      time.Duration
	now         func() time.Time
}

func NewFeedStatusService(feeds FeedStore, allocations AllocationStore, window time.Duration) *FeedStatusService {
	return &FeedStatusService{
		feeds:       feeds,
		allocations: allocations,
		window:      window,
		now:         time.Now,
	}
}

// List pages through feeds, joining each with the newest allocation that
// covers it.
func (s *FeedStatusService) List(ctx context.Context, filter domain.FeedFilter) ([]domain.FeedStatus, int, error) {
	filter.Limit, filter.Offset = NormalizePage(filter.Limit, filter.Offset)

	feeds, total, err := s.feeds.ListFeeds(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list feeds: %w", err)
	}
	if filter.FeedID != "" && total == 0 {
		return nil, 0, fmt.Errorf("feed %s: %w", filter.FeedID, domain.ErrNotFound)
	}

	ids := make([]string, len(feeds))
	for i, f := range feeds {
		ids[i] = f.ID
	}
	latest, err := s.allocations.LatestByFeed(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("latest allocations: %w", err)
	}

	now := s.now()
	statuses := make([]domain.FeedStatus, 0, len(feeds))
	for _, f := range feeds {
		status := domain.FeedStatus{Feed: f}
		if a, ok := latest[f.ID]; ok {
			status.LatestAllocation = &a
		}
		status.Freshness = domain.ClassifyFeed(f, status.LatestAllocation, now, s.window)
		statuses = append(statuses, status)
	}
	return statuses, total, nil
}
