package api

import (
	"encoding/json"
	"time"

	"cascade/internal/domain"
)

// nodeView never carries the secret hash.
type nodeView struct {
	ID              string            `json:"id"`
	NodeType        domain.NodeType   `json:"node_type"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Endpoint        string            `json:"endpoint"`
	APIKey          string            `json:"api_key,omitempty"`
	ParentID        *string           `json:"parent_id"`
	IsActive        bool              `json:"is_active"`
	Status          domain.NodeStatus `json:"status"`
	SyncConfig      json.RawMessage   `json:"sync_config"`
	LastSyncAt      *time.Time        `json:"last_sync_at"`
	LastHeartbeatAt *time.Time        `json:"last_heartbeat_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (s *Server) nodeView(n *domain.Node) nodeView {
	syncConfig := json.RawMessage(n.SyncConfig)
	if len(syncConfig) == 0 {
		syncConfig = json.RawMessage(`{}`)
	}
	return nodeView{
		ID:              n.ID,
		NodeType:        n.Type,
		Name:            n.Name,
		Description:     n.Description,
		Endpoint:        n.Endpoint,
		APIKey:          n.APIKey,
		ParentID:        n.ParentID,
		IsActive:        n.Active,
		Status:          s.heartbeat.Status(n),
		SyncConfig:      syncConfig,
		LastSyncAt:      n.LastSyncAt,
		LastHeartbeatAt: n.LastHeartbeatAt,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
	}
}

type allocationView struct {
	ID              string                  `json:"id"`
	NodeID          string                  `json:"node_id"`
	TaskID          string                  `json:"task_id"`
	TaskName        string                  `json:"task_name"`
	FeedIDs         []string                `json:"feed_ids"`
	Status          domain.AllocationStatus `json:"status"`
	ScheduleRunID   string                  `json:"schedule_run_id"`
	ErrorMessage    *string                 `json:"error_message"`
	ArticleCount    int                     `json:"article_count"`
	NewArticleCount int                     `json:"new_article_count"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	StartedAt       *time.Time              `json:"started_at"`
	CompletedAt     *time.Time              `json:"completed_at"`
}

func toAllocationView(a *domain.Allocation) allocationView {
	feeds := []string(a.FeedIDs)
	if feeds == nil {
		feeds = []string{}
	}
	return allocationView{
		ID:              a.ID,
		NodeID:          a.NodeID,
		TaskID:          a.TaskID,
		TaskName:        a.TaskName,
		FeedIDs:         feeds,
		Status:          a.Status,
		ScheduleRunID:   a.ScheduleRunID,
		ErrorMessage:    a.ErrorMessage,
		ArticleCount:    a.ArticleCount,
		NewArticleCount: a.NewArticleCount,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
		StartedAt:       a.StartedAt,
		CompletedAt:     a.CompletedAt,
	}
}

type syncLogView struct {
	ID           string               `json:"id"`
	NodeID       string               `json:"node_id"`
	Operation    domain.SyncOperation `json:"operation"`
	Direction    domain.SyncDirection `json:"direction"`
	Status       domain.SyncStatus    `json:"status"`
	DataCount    int                  `json:"data_count"`
	ErrorMessage *string              `json:"error_message"`
	ExtraData    json.RawMessage      `json:"extra_data"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  *time.Time           `json:"completed_at"`
}

func toSyncLogView(e *domain.SyncLogEntry) syncLogView {
	extra := json.RawMessage(e.Extra)
	if len(extra) == 0 {
		extra = json.RawMessage(`{}`)
	}
	return syncLogView{
		ID:           e.ID,
		NodeID:       e.NodeID,
		Operation:    e.Operation,
		Direction:    e.Direction,
		Status:       e.Status,
		DataCount:    e.DataCount,
		ErrorMessage: e.ErrorMessage,
		ExtraData:    extra,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
	}
}

type feedAllocationView struct {
	ID        string                  `json:"id"`
	NodeID    string                  `json:"node_id"`
	Status    domain.AllocationStatus `json:"status"`
	UpdatedAt time.Time               `json:"updated_at"`
}

type feedStatusView struct {
	FeedID           string              `json:"feed_id"`
	Name             string              `json:"name"`
	LastArticleAt    *time.Time          `json:"last_article_at"`
	Freshness        domain.Freshness    `json:"freshness"`
	LatestAllocation *feedAllocationView `json:"latest_allocation"`
}

func toFeedStatusView(fs *domain.FeedStatus) feedStatusView {
	v := feedStatusView{
		FeedID:        fs.Feed.ID,
		Name:          fs.Feed.Name,
		LastArticleAt: fs.Feed.LastArticleAt,
		Freshness:     fs.Freshness,
	}
	if a := fs.LatestAllocation; a != nil {
		v.LatestAllocation = &feedAllocationView{
			ID:        a.ID,
			NodeID:    a.NodeID,
			Status:    a.Status,
			UpdatedAt: a.UpdatedAt,
		}
	}
	return v
}

type taskView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	FeedIDs  []string `json:"feed_ids"`
	Enabled  bool     `json:"enabled"`
	Schedule string   `json:"schedule"`
}

func toTaskView(t *domain.Task) taskView {
	feeds := []string(t.FeedIDs)
	if feeds == nil {
		feeds = []string{}
	}
	return taskView{ID: t.ID, Name: t.Name, FeedIDs: feeds, Enabled: t.Enabled, Schedule: t.Schedule}
}

type feedView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	LastArticleAt *time.Time `json:"last_article_at"`
}

func toFeedView(f *domain.Feed) feedView {
	return feedView{ID: f.ID, Name: f.Name, LastArticleAt: f.LastArticleAt}
}

// taskPackageView is the claim response: the allocation's fields plus the
// task and feed details a node needs to run it.
type taskPackageView struct {
	allocationView
	Task  *taskView  `json:"task"`
	Feeds []feedView `json:"feeds"`
}

func toTaskPackageView(pkg *domain.TaskPackage) taskPackageView {
	v := taskPackageView{
		allocationView: toAllocationView(&pkg.Allocation),
		Feeds:          make([]feedView, len(pkg.Feeds)),
	}
	if pkg.Task != nil {
		task := toTaskView(pkg.Task)
		v.Task = &task
	}
	for i := range pkg.Feeds {
		v.Feeds[i] = toFeedView(&pkg.Feeds[i])
	}
	return v
}
