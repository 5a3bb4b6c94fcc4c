package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/forgefleet/conductor/internal/broker"
	"github.com/forgefleet/conductor/internal/taskmodel"
)

type registerWorkerRequest struct {
	Name              string          `json:"name"`
	Platform          string          `json:"platform"`
	Capabilities      map[string]bool `json:"capabilities"`
	ExecutorType      string          `json:"executor_type"`
	RegistrationToken string          `json:"registration_token"`
}

// handleRegisterWorker implements registerWorker (spec §6). Validating
// the shared registration_token against a deployment secret is left to
// a future auth middleware layer; this handler focuses on minting the
// per-worker token and stream/group assignment.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	reg, err := s.reg.Register(r.Context(), req.Name, req.Platform, req.ExecutorType, req.Capabilities)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"worker_id":          reg.Worker.ID,
		"token":              reg.Token,
		"heartbeat_interval": heartbeatInterval.Seconds(),
		"streams":            []string{broker.StreamTasksQueue, broker.StreamTasksQA},
		"consumer_groups":    []string{broker.GroupWorkers, broker.GroupReviewers},
	})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// handleHeartbeat implements heartbeat: the bearer token must resolve
// to the path's worker_id, or the request is an auth error.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	ctx := r.Context()

	token := bearerToken(r)
	resolvedID, err := s.reg.ResolveToken(ctx, token)
	if err != nil || resolvedID != workerID {
		respondError(w, http.StatusUnauthorized, "token does not resolve to this worker_id")
		return
	}

	if err := s.reg.Heartbeat(ctx, workerID); err != nil {
		if errors.Is(err, taskmodel.ErrNotFound) {
			respondError(w, http.StatusNotFound, "worker not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	worker, err := s.reg.Get(ctx, workerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":          worker.Status,
		"current_task_id": worker.CurrentTaskID,
	})
}

// workerView omits a worker's auth token from the listWorkers response.
type workerView struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Platform      string                 `json:"platform"`
	Capabilities  map[string]bool        `json:"capabilities"`
	ExecutorType  string                 `json:"executor_type"`
	Status        taskmodel.WorkerStatus `json:"status"`
	CurrentTaskID string                 `json:"current_task_id,omitempty"`
}

// handleListWorkers implements listWorkers.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.reg.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]workerView, 0, len(workers))
	for _, wk := range workers {
		views = append(views, workerView{
			ID: wk.ID, Name: wk.Name, Platform: wk.Platform, Capabilities: wk.Capabilities,
			ExecutorType: wk.ExecutorType, Status: wk.Status, CurrentTaskID: wk.CurrentTaskID,
		})
	}
	respondJSON(w, http.StatusOK, views)
}

// handleDeregisterWorker implements deregisterWorker.
func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if err := s.reg.Deregister(r.Context(), workerID); err != nil {
		if errors.Is(err, taskmodel.ErrNotFound) {
			respondError(w, http.StatusNotFound, "worker not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
