// Package api exposes the coordinator over HTTP: an admin surface for
// operators and an AK-SK authenticated surface for worker nodes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cascade/internal/domain"
	"cascade/internal/service"
)

type Server struct {
	registry   *service.NodeRegistry
	heartbeat  *service.HeartbeatTracker
	dispatcher *service.Dispatcher
	lifecycle  *service.Lifecycle
	audit      *service.AuditTrail
	feeds      *service.FeedStatusService
	catalog    *service.Catalog
	logger     *slog.Logger
}

func NewServer(
	registry *service.NodeRegistry,
	heartbeat *service.HeartbeatTracker,
	dispatcher *service.Dispatcher,
	lifecycle *service.Lifecycle,
	audit *service.AuditTrail,
	feeds *service.FeedStatusService,
	catalog *service.Catalog,
	logger *slog.Logger,
) *Server {
	return &Server{
		registry:   registry,
		heartbeat:  heartbeat,
		dispatcher: dispatcher,
		lifecycle:  lifecycle,
		audit:      audit,
		feeds:      feeds,
		catalog:    catalog,
		logger:     logger.With("component", "api"),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /nodes", s.handleCreateNode)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /nodes/{id}", s.handleGetNode)
	mux.HandleFunc("PUT /nodes/{id}", s.handleUpdateNode)
	mux.HandleFunc("DELETE /nodes/{id}", s.handleDeleteNode)
	mux.HandleFunc("POST /nodes/{id}/credentials", s.handleRotateCredentials)
	mux.HandleFunc("POST /nodes/{id}/test-connection", s.handleTestConnection)

	mux.HandleFunc("GET /sync-logs", s.handleListSyncLogs)
	mux.HandleFunc("GET /allocations", s.handleListAllocations)
	mux.HandleFunc("GET /allocations/{id}", s.handleGetAllocation)
	mux.HandleFunc("POST /dispatch-task", s.handleDispatch)
	mux.HandleFunc("GET /pending-allocations", s.handleSummary)
	mux.HandleFunc("GET /feed-status", s.handleFeedStatus)

	mux.HandleFunc("POST /heartbeat", s.authenticated(s.handleHeartbeat))
	mux.HandleFunc("POST /claim-task", s.authenticated(s.handleClaim))
	mux.HandleFunc("PUT /task-status", s.authenticated(s.handleTaskStatus))
	mux.HandleFunc("GET /tasks", s.authenticated(s.handleListTasks))
	mux.HandleFunc("GET /feeds", s.authenticated(s.handleListFeeds))

	return s.logRequests(mux)
}

// authenticated resolves the calling node from its AK-SK header.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, *domain.Node)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, secret, ok := parseAKSK(r.Header.Get("Authorization"))
		if !ok {
			s.writeError(w, r, domain.ErrUnauthorized)
			return
		}
		node, err := s.registry.Authenticate(r.Context(), key, secret)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r, node)
	}
}

func parseAKSK(header string) (key, secret string, ok bool) {
	const prefix = "AK-SK "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	key, secret, ok = strings.Cut(strings.TrimSpace(header[len(prefix):]), ":")
	if !ok || key == "" || secret == "" {
		return "", "", false
	}
	return key, secret, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: bad json: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

type pageView struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type listView[T any] struct {
	List  []T      `json:"list"`
	Total int      `json:"total"`
	Page  pageView `json:"page"`
}

func newList[T any](items []T, total, limit, offset int) listView[T] {
	if items == nil {
		items = []T{}
	}
	return listView[T]{List: items, Total: total, Page: pageView{Limit: limit, Offset: offset}}
}

// pageParams reads limit and offset, applying the default and maximum page
// size.
func pageParams(r *http.Request) (limit, offset int, err error) {
	if limit, err = intParam(r, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = intParam(r, "offset"); err != nil {
		return 0, 0, err
	}
	if limit < 0 || offset < 0 {
		return 0, 0, fmt.Errorf("%w: limit and offset must not be negative", domain.ErrInvalidArgument)
	}
	limit, offset = service.NormalizePage(limit, offset)
	return limit, offset, nil
}

// pageOf slices an already loaded list.
func pageOf[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidArgument, name)
	}
	return v, nil
}
