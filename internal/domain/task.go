package domain

import (
	"time"

	"github.com/lib/pq"
)

// Task is a unit of scheduling work supplied by the task source. Crawling
// the feeds is not the coordinator's concern.
type Task struct {
	ID      string         `db:"id" yaml:"id"`
	Name    string         `db:"name" yaml:"name"`
	FeedIDs pq.StringArray `db:"feed_ids" yaml:"feed_ids"`
	Enabled bool           `db:"enabled" yaml:"enabled"`
	// Schedule is a standard five-field cron expression. Tasks without one
	// are dispatched on the coordinator's fixed interval.
	Schedule string `db:"schedule" yaml:"schedule"`
}

type TaskFilter struct {
	EnabledOnly bool
	Limit       int
	Offset      int
}

type Feed struct {
	ID            string     `db:"id" yaml:"id"`
	Name          string     `db:"name" yaml:"name"`
	LastArticleAt *time.Time `db:"last_article_at" yaml:"last_article_at"`
}

type FeedFilter struct {
	FeedID  string
	FeedIDs []string
	Limit   int
	Offset  int
}

type Freshness string

const (
	FreshnessCrawling Freshness = "crawling"
	FreshnessFailed   Freshness = "failed"
	FreshnessFresh    Freshness = "fresh"
	FreshnessStale    Freshness = "stale"
	FreshnessUnknown  Freshness = "unknown"
)

type FeedStatus struct {
	Feed             Feed
	LatestAllocation *Allocation
	Freshness        Freshness
}

// ClassifyFeed derives the freshness class of a feed from its newest
// article and the latest allocation that touched it.
func ClassifyFeed(feed Feed, latest *Allocation, now time.Time, window time.Duration) Freshness {
	if latest != nil {
		if latest.Status.Active() {
			return FreshnessCrawling
		}
		if latest.Status == AllocationFailed {
			return FreshnessFailed
		}
	}
	if feed.LastArticleAt == nil {
		return FreshnessUnknown
	}
	if now.Sub(*feed.LastArticleAt) <= window {
		return FreshnessFresh
	}
	return FreshnessStale
}

// TaskPackage is what a node receives on claim: the allocation with the
// task definition and the details of the feeds it covers.
type TaskPackage struct {
	Allocation Allocation
	Task       *Task
	Feeds      []Feed
}

type TaskDispatch struct {
	TaskID         string `json:"task_id"`
	FeedCount      int    `json:"feed_count"`
	AllocatedFeeds int    `json:"allocated_feeds"`
	SkippedFeeds   int    `json:"skipped_feeds"`
	Allocations    int    `json:"allocations"`
	Error          string `json:"error,omitempty"`
}

// DispatchSummary reports the outcome of one dispatch cycle.
type DispatchSummary struct {
	ScheduleRunID      string         `json:"schedule_run_id"`
	OnlineNodes        int            `json:"online_nodes"`
	CandidateTasks     int            `json:"candidate_tasks"`
	Tasks              []TaskDispatch `json:"tasks"`
	AllocationsCreated int            `json:"allocations_created"`
}

type CascadeSummary struct {
	AllocationCounts
	OnlineNodes int `json:"online_nodes"`
}
