// Package httpapi serves the local operator API of the field queue daemon.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldqueue/internal/documents"
	"github.com/agentworkforce/fieldqueue/internal/queue"
	"github.com/agentworkforce/fieldqueue/internal/storage"
	"github.com/agentworkforce/fieldqueue/internal/submission"
	"github.com/agentworkforce/fieldqueue/internal/syncer"
)

type QueueOps interface {
	PeekAll() []queue.Task
	Stats() queue.Stats
	Requeue(ctx context.Context, id string) (queue.Task, error)
}

type Drainer interface {
	Drain(ctx context.Context) (syncer.DrainResult, error)
}

type Checklists interface {
	Items(ctx context.Context, applicationID string) ([]documents.Item, error)
	MissingRequired(ctx context.Context, applicationID string) ([]string, error)
}

type Applications interface {
	Get(ctx context.Context, id string) (submission.ApplicationRecord, error)
}

type Backends struct {
	Queue        QueueOps
	Drainer      Drainer
	Documents    Checklists
	Applications Applications
	Online       func() bool
}

type ServerConfig struct {
	// AdminSecret verifies operator bearer tokens. Empty disables auth.
	AdminSecret     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	Now             func() time.Time
}

type Server struct {
	backends    Backends
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(backends Backends, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if backends.Online == nil {
		backends.Online = func() bool { return true }
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{backends: backends, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	correlationID := getCorrelationID(r)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "status":
		s.route(w, r, http.MethodGet, scopeQueueRead, s.handleStatus)
	case len(parts) == 2 && parts[1] == "queue":
		s.route(w, r, http.MethodGet, scopeQueueRead, s.handleQueue)
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "drain":
		s.route(w, r, http.MethodPost, scopeQueueWrite, s.handleDrain)
	case len(parts) == 5 && parts[1] == "queue" && parts[2] == "tasks" && parts[4] == "retry":
		taskID := parts[3]
		s.route(w, r, http.MethodPost, scopeQueueWrite, func(w http.ResponseWriter, r *http.Request) {
			s.handleRetry(w, r, taskID)
		})
	case len(parts) == 3 && parts[1] == "applications":
		applicationID := parts[2]
		s.route(w, r, http.MethodGet, scopeQueueRead, func(w http.ResponseWriter, r *http.Request) {
			s.handleApplication(w, r, applicationID)
		})
	case len(parts) == 4 && parts[1] == "applications" && parts[3] == "documents":
		applicationID := parts[2]
		s.route(w, r, http.MethodGet, scopeQueueRead, func(w http.ResponseWriter, r *http.Request) {
			s.handleDocuments(w, r, applicationID)
		})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, method, scope string, handler http.HandlerFunc) {
	correlationID := getCorrelationID(r)
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		return
	}
	subject := "anonymous"
	if s.cfg.AdminSecret != "" {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), []byte(s.cfg.AdminSecret), scope, s.cfg.Now())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		subject = claims.Subject
	}
	if scope == scopeQueueWrite && s.rateLimiter != nil && !s.rateLimiter.allow(subject, s.cfg.Now()) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	handler(w, r)
}

type statusResponse struct {
	Online bool        `json:"online"`
	Queue  queue.Stats `json:"queue"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Online: s.backends.Online(), Queue: s.backends.Queue.Stats()})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	tasks := s.backends.Queue.PeekAll()
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filtered := tasks[:0]
		for _, task := range tasks {
			if string(task.Status) == status {
				filtered = append(filtered, task)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.backends.Drainer == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "drain is not available", getCorrelationID(r))
		return
	}
	result, err := s.backends.Drainer.Drain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	status := http.StatusOK
	if result.Skipped {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.backends.Queue.Requeue(r.Context(), taskID)
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found", getCorrelationID(r))
	case errors.Is(err, queue.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", err.Error(), getCorrelationID(r))
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
	default:
		writeJSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleApplication(w http.ResponseWriter, r *http.Request, applicationID string) {
	if s.backends.Applications == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "applications are not available", getCorrelationID(r))
		return
	}
	record, err := s.backends.Applications.Get(r.Context(), applicationID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "application not found", getCorrelationID(r))
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
	default:
		writeJSON(w, http.StatusOK, record)
	}
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, applicationID string) {
	if s.backends.Documents == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "documents are not available", getCorrelationID(r))
		return
	}
	items, err := s.backends.Documents.Items(r.Context(), applicationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	missing, err := s.backends.Documents.MissingRequired(r.Context(), applicationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "missingRequired": missing})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
