package service

import (
	"context"
	"errors"
	"fmt"

	"cascade/internal/domain"
)

// Catalog serves the task and feed definitions nodes pull from their
// parent.
type Catalog struct {
	tasks TaskSource
	feeds FeedStore
}

func NewCatalog(tasks TaskSource, feeds FeedStore) *Catalog {
	return &Catalog{tasks: tasks, feeds: feeds}
}

func (c *Catalog) Tasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, int, error) {
	filter.Limit, filter.Offset = NormalizePage(filter.Limit, filter.Offset)
	tasks, total, err := c.tasks.ListTasks(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, total, nil
}

func (c *Catalog) Feeds(ctx context.Context, filter domain.FeedFilter) ([]domain.Feed, int, error) {
	filter.Limit, filter.Offset = NormalizePage(filter.Limit, filter.Offset)
	feeds, total, err := c.feeds.ListFeeds(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list feeds: %w", err)
	}
	return feeds, total, nil
}

// Package bundles a claimed allocation with its task definition and feed
// details. A task or feed removed since dispatch is left out rather than
// failing the claim.
func (c *Catalog) Package(ctx context.Context, allocation *domain.Allocation) (*domain.TaskPackage, error) {
	pkg := &domain.TaskPackage{Allocation: *allocation, Feeds: []domain.Feed{}}

	task, err := c.tasks.GetTask(ctx, allocation.TaskID)
	switch {
	case err == nil:
		pkg.Task = task
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, fmt.Errorf("get task %s: %w", allocation.TaskID, err)
	}

	if len(allocation.FeedIDs) == 0 {
		return pkg, nil
	}
	feeds, _, err := c.feeds.ListFeeds(ctx, domain.FeedFilter{
		FeedIDs: []string(allocation.FeedIDs),
		Limit:   len(allocation.FeedIDs),
	})
	if err != nil {
		return nil, fmt.Errorf("list allocation feeds: %w", err)
	}
	pkg.Feeds = feeds
	return pkg, nil
}
