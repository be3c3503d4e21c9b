package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cascade/internal/domain"
	"cascade/internal/service"
)

type createNodeRequest struct {
	NodeType    *domain.NodeType `json:"node_type"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Endpoint    string           `json:"endpoint"`
	ParentID    string           `json:"parent_id"`
	SyncConfig  json.RawMessage  `json:"sync_config"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.NodeType == nil {
		s.writeError(w, r, fmt.Errorf("%w: node_type is required", domain.ErrInvalidArgument))
		return
	}

	node, err := s.registry.Register(r.Context(), service.RegisterRequest{
		Type:        *req.NodeType,
		Name:        req.Name,
		Description: req.Description,
		Endpoint:    req.Endpoint,
		ParentID:    req.ParentID,
		SyncConfig:  req.SyncConfig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.nodeView(node))
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	var nodeType *domain.NodeType
	if raw := r.URL.Query().Get("node_type"); raw != "" {
		v, err := strconv.Atoi(raw)
		t := domain.NodeType(v)
		if err != nil || !t.Valid() {
			s.writeError(w, r, fmt.Errorf("%w: node_type must be 0 or 1", domain.ErrInvalidArgument))
			return
		}
		nodeType = &t
	}

	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	nodes, err := s.registry.List(r.Context(), nodeType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	paged := pageOf(nodes, limit, offset)
	views := make([]nodeView, len(paged))
	for i := range paged {
		views[i] = s.nodeView(&paged[i])
	}
	writeJSON(w, http.StatusOK, newList(views, len(nodes), limit, offset))
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.nodeView(node))
}

type updateNodeRequest struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Endpoint    *string          `json:"endpoint"`
	IsActive    *bool            `json:"is_active"`
	SyncConfig  json.RawMessage  `json:"sync_config"`
	NodeType    *domain.NodeType `json:"node_type"`
	ParentID    *string          `json:"parent_id"`
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var req updateNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	node, err := s.registry.Update(r.Context(), r.PathValue("id"), domain.NodeUpdate{
		Name:        req.Name,
		Description: req.Description,
		Endpoint:    req.Endpoint,
		Active:      req.IsActive,
		SyncConfig:  req.SyncConfig,
		Type:        req.NodeType,
		ParentID:    req.ParentID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.nodeView(node))
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deactivate(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.registry.RotateCredentials(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

type testConnectionRequest struct {
	Endpoint  string `json:"endpoint"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Confirm   bool   `json:"confirm"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var candidate *domain.ConnectionTest
	if r.ContentLength != 0 {
		var req testConnectionRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		hasCreds := req.APIKey != "" || req.APISecret != ""
		if !hasCreds && (req.Endpoint != "" || req.Confirm) {
			s.writeError(w, r, fmt.Errorf("%w: api_key and api_secret are required to test a candidate endpoint", domain.ErrInvalidArgument))
			return
		}
		if hasCreds {
			candidate = &domain.ConnectionTest{
				Endpoint:  req.Endpoint,
				APIKey:    req.APIKey,
				APISecret: req.APISecret,
				Confirm:   req.Confirm,
			}
		}
	}

	result, err := s.registry.TestConnection(r.Context(), r.PathValue("id"), candidate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListSyncLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := domain.SyncLogFilter{NodeID: q.Get("node_id"), Limit: limit, Offset: offset}
	if raw := q.Get("operation"); raw != "" {
		if filter.Operation, err = domain.ParseSyncOperation(raw); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if raw := q.Get("status"); raw != "" {
		v, err := strconv.Atoi(raw)
		st := domain.SyncStatus(v)
		if err != nil || st < domain.SyncInProgress || st > domain.SyncFailure {
			s.writeError(w, r, fmt.Errorf("%w: status must be 0, 1 or 2", domain.ErrInvalidArgument))
			return
		}
		filter.Status = &st
	}

	entries, total, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]syncLogView, len(entries))
	for i := range entries {
		views[i] = toSyncLogView(&entries[i])
	}
	writeJSON(w, http.StatusOK, newList(views, total, limit, offset))
}

func (s *Server) handleListAllocations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := domain.AllocationFilter{
		TaskID: q.Get("task_id"),
		NodeID: q.Get("node_id"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := q.Get("status"); raw != "" {
		if filter.Status, err = domain.ParseAllocationStatus(raw); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	list, total, err := s.lifecycle.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]allocationView, len(list))
	for i := range list {
		views[i] = toAllocationView(&list[i])
	}
	writeJSON(w, http.StatusOK, newList(views, total, limit, offset))
}

func (s *Server) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	allocation, err := s.lifecycle.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationView(allocation))
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	summary, err := s.dispatcher.Dispatch(r.Context(), r.URL.Query().Get("task_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.dispatcher.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	statuses, total, err := s.feeds.List(r.Context(), domain.FeedFilter{
		FeedID: r.URL.Query().Get("feed_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]feedStatusView, len(statuses))
	for i := range statuses {
		views[i] = toFeedStatusView(&statuses[i])
	}
	writeJSON(w, http.StatusOK, newList(views, total, limit, offset))
}

type heartbeatResponse struct {
	NodeID          string    `json:"node_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, node *domain.Node) {
	at, err := s.heartbeat.Beat(r.Context(), node)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{NodeID: node.ID, LastHeartbeatAt: at})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, node *domain.Node) {
	allocation, err := s.lifecycle.Claim(r.Context(), node)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if allocation == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	pkg, err := s.catalog.Package(r.Context(), allocation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskPackageView(pkg))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, _ *domain.Node) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := domain.TaskFilter{Limit: limit, Offset: offset}
	if raw := r.URL.Query().Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil || !enabled {
			s.writeError(w, r, fmt.Errorf("%w: enabled only accepts true", domain.ErrInvalidArgument))
			return
		}
		filter.EnabledOnly = true
	}

	tasks, total, err := s.catalog.Tasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]taskView, len(tasks))
	for i := range tasks {
		views[i] = toTaskView(&tasks[i])
	}
	writeJSON(w, http.StatusOK, newList(views, total, limit, offset))
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request, _ *domain.Node) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	feeds, total, err := s.catalog.Feeds(r.Context(), domain.FeedFilter{Limit: limit, Offset: offset})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]feedView, len(feeds))
	for i := range feeds {
		views[i] = toFeedView(&feeds[i])
	}
	writeJSON(w, http.StatusOK, newList(views, total, limit, offset))
}

type taskStatusRequest struct {
	AllocationID    string `json:"allocation_id"`
	Status          string `json:"status"`
	ErrorMessage    string `json:"error_message"`
	ArticleCount    int    `json:"article_count"`
	NewArticleCount int    `json:"new_article_count"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request, node *domain.Node) {
	var req taskStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AllocationID == "" {
		s.writeError(w, r, fmt.Errorf("%w: allocation_id is required", domain.ErrInvalidArgument))
		return
	}
	status, err := domain.ParseAllocationStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	allocation, err := s.lifecycle.Report(r.Context(), node, domain.AllocationReport{
		AllocationID:    req.AllocationID,
		Status:          status,
		ErrorMessage:    req.ErrorMessage,
		ArticleCount:    req.ArticleCount,
		NewArticleCount: req.NewArticleCount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationView(allocation))
}
