// Package httpapi exposes the service over JSON HTTP plus the /ws
// notification endpoint. Handlers translate the engine's error taxonomy
// onto status codes: validation problems are 400, illegal transitions and
// ownership conflicts 409, missing rows 404, and retryable coordination
// failures 503.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/notify"
	"github.com/evalforge/evalforge/internal/service"
	"github.com/evalforge/evalforge/internal/worker"
)

// Server mounts the API routes.
type Server struct {
	svc    *service.Service
	hub    *notify.Hub
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds the HTTP surface over the service. hub may be nil when the
// notification endpoint is disabled.
func New(svc *service.Service, hub *notify.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		hub:    hub,
		logger: logger.With("component", "httpapi"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/batches", s.handleCreateBatch)
	s.mux.HandleFunc("GET /api/batches", s.handleListBatches)
	s.mux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)
	s.mux.HandleFunc("GET /api/batches/{id}/runs", s.handleListRuns)
	s.mux.HandleFunc("POST /api/batches/{id}/start", s.handleStartBatch)
	s.mux.HandleFunc("POST /api/batches/{id}/pause", s.handlePauseBatch)
	s.mux.HandleFunc("POST /api/batches/{id}/resume", s.handleResumeBatch)
	s.mux.HandleFunc("POST /api/batches/{id}/force-resume", s.handleForceResumeBatch)
	s.mux.HandleFunc("POST /api/batches/{id}/reset", s.handleResetBatch)

	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("POST /api/runs/{id}/pause", s.handlePauseRun)
	s.mux.HandleFunc("POST /api/runs/{id}/resume", s.handleResumeRun)
	s.mux.HandleFunc("POST /api/runs/{id}/force-resume", s.handleForceResumeRun)

	if s.hub != nil {
		s.mux.Handle("GET /ws", s.hub)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req service.CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.svc.CreateBatch(r.Context(), req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.svc.ListBatches(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.GetBatchStatus(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	snaps, err := s.svc.ListRuns(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(w, r, s.svc.StartBatch)
}

func (s *Server) handlePauseBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.PauseBatch(r.Context(), id, s.readReason(r))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleResumeBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(w, r, s.svc.ResumeBatch)
}

func (s *Server) handleForceResumeBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(w, r, s.svc.ForceResumeBatch)
}

func (s *Server) handleResetBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(w, r, s.svc.ResetFailedBatch)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.GetRunStatus(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.PauseRun(r.Context(), id, s.readReason(r))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.svc.ResumeRun)
}

func (s *Server) handleForceResumeRun(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.svc.ForceResumeRun)
}

func (s *Server) batchAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uint64) (domain.BatchSnapshot, error)) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	snap, err := fn(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uint64) (domain.RunSnapshot, error)) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	snap, err := fn(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// pauseRequest is the optional body of pause calls.
type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) readReason(r *http.Request) string {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ""
	}
	return req.Reason
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid id"))
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeMappedError maps the engine's error taxonomy onto HTTP status codes.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyClaimed):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrLockUnavailable),
		errors.Is(err, worker.ErrPoolSaturated):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, http.StatusBadRequest, err)
	}
}
