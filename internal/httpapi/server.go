package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"docpipe/internal/metrics"
	"docpipe/internal/model"
	"docpipe/internal/queue"
	"docpipe/internal/store"
	"docpipe/internal/submission"
)

// Server is the HTTP surface described in the package doc. Every route is
// read-only except POST /v1/tasks (submission) and the per-task cancel
// route.
type Server struct {
	router      chi.Router
	store       *store.Store
	fabric      *queue.Fabric
	metrics     *metrics.Recorder
	audit       *AuditLogger
	submitter   *submission.Submitter
	authToken   string // empty disables token enforcement (loopback-only callers)
	inFlight    atomic.Int64
	maxInFlight int64
}

// Options configures the server's auth and concurrency posture.
type Options struct {
	// AuthToken, if set, is required as a Bearer token on every request
	// from a non-loopback address.
	AuthToken string
	// MaxConcurrentRequests bounds how many requests this surface serves
	// at once; 0 means unbounded. Guards against the status/audit log
	// reads piling up under load from this same process's worker slots.
	MaxConcurrentRequests int64
}

// NewServer wires the router.
func NewServer(st *store.Store, fabric *queue.Fabric, rec *metrics.Recorder, audit *AuditLogger, sub *submission.Submitter, opts Options) *Server {
	s := &Server{
		store:       st,
		fabric:      fabric,
		metrics:     rec,
		audit:       audit,
		submitter:   sub,
		authToken:   opts.AuthToken,
		maxInFlight: opts.MaxConcurrentRequests,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.securityMiddleware)
	r.Use(s.concurrencyLimitMiddleware)

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/audit", s.handleAuditLog)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks", s.handleSubmitTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// securityMiddleware allows unauthenticated loopback requests (for local
// operators/health checks) and requires a bearer token matching authToken
// for everything else.
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" || isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != s.authToken {
			s.audit.Log(r.RemoteAddr, r.UserAgent(), r.Method+" "+r.URL.Path, http.StatusUnauthorized, "missing or invalid token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.maxInFlight <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if s.inFlight.Add(1) > s.maxInFlight {
			s.inFlight.Add(-1)
			http.Error(w, "too many concurrent requests", http.StatusServiceUnavailable)
			return
		}
		defer s.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleLiveness answers "is the process up", independent of the store.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness answers "can this process serve", by pinging the store,
// and names any queues past their soft backpressure threshold.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountByStatus(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
		return
	}
	resp := map[string]any{"status": "ready"}
	if s.fabric != nil {
		if backlogged := s.fabric.Backlogged(); len(backlogged) > 0 {
			resp["status"] = "degraded"
			resp["backlogged_queues"] = backlogged
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus reports per-stage task counts, queue depths, and cumulative
// cost — the ambient view an operator or dashboard polls.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var depths map[string]int
	if s.fabric != nil {
		depths = s.fabric.Depths()
	}
	snap := s.metrics.Snapshot(depths)
	writeJSON(w, http.StatusOK, snap)
}

// handleGetTask is the read-only task-lookup route; archive tasks include
// their children.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := struct {
		model.Task
		Children []model.Task `json:"children,omitempty"`
	}{Task: task}

	if task.Type == model.TaskArchive {
		children, err := s.store.ListChildren(task.ID)
		if err == nil {
			resp.Children = children
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAuditLog returns the most recent access-log entries, newest first.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.audit.GetRecentLogs(limit)})
}

// handleListTasks pages through one user's tasks, newest first, with
// optional type/status filters.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	filter := store.ListFilter{
		Type:   model.TaskType(r.URL.Query().Get("type")),
		Status: model.TaskStatus(r.URL.Query().Get("status")),
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	tasks, total, err := s.store.ListByUser(userID, filter, page, size)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

// handleCancelTask flips a task to cancelled if it is still in a
// cancellable status; running handlers observe the flip at their
// cooperative checkpoints.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.Cancel(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.audit.Log(r.RemoteAddr, r.UserAgent(), "POST /v1/tasks/"+id+"/cancel", http.StatusConflict, "not cancellable")
			writeJSON(w, http.StatusConflict, map[string]string{"error": "task not found or not cancellable"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.audit.Log(r.RemoteAddr, r.UserAgent(), "POST /v1/tasks/"+id+"/cancel", http.StatusOK, "cancelled")
	writeJSON(w, http.StatusOK, task)
}

// submitTaskRequest is the POST /v1/tasks body.
type submitTaskRequest struct {
	FileURLs []string      `json:"file_urls"`
	UserID   string        `json:"user_id"`
	Options  model.Options `json:"options"`
}

// handleSubmitTask is the submission entrypoint: validate, create task(s),
// enqueue, return the pending record(s).
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "submission not configured"})
		return
	}

	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.audit.Log(r.RemoteAddr, r.UserAgent(), "POST /v1/tasks", http.StatusBadRequest, "bad request json")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	tasks, err := s.submitter.Submit(submission.Request{
		FileURLs: req.FileURLs,
		UserID:   req.UserID,
		Options:  req.Options,
	})
	if err != nil {
		s.audit.Log(r.RemoteAddr, r.UserAgent(), "POST /v1/tasks", http.StatusBadRequest, err.Error())
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.audit.Log(r.RemoteAddr, r.UserAgent(), "POST /v1/tasks", http.StatusCreated, "submitted")
	writeJSON(w, http.StatusCreated, map[string]any{"tasks": tasks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
