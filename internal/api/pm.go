package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgefleet/conductor/internal/pmorchestrator"
	"github.com/forgefleet/conductor/internal/supervisor"
)

// pmConsumerName is the fixed consumer identity every project's PM
// Orchestrator uses within the "pm" broker group (spec §4.6).
const pmConsumerName = "pm-0"

// handlePMStart implements start(project_id).
func (s *Server) handlePMStart(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := s.sup.Start(projectID, pmConsumerName); err != nil {
		if err == supervisor.ErrAlreadyRunning {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"project_id": projectID, "status": "running"})
}

// handlePMPause implements pause(project_id).
func (s *Server) handlePMPause(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := s.sup.Stop(projectID); err != nil {
		if err == supervisor.ErrNotRunning {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"project_id": projectID, "status": "paused"})
}

// handlePMStatus implements status(project_id): running state plus a
// task-count breakdown by status.
func (s *Server) handlePMStatus(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	ctx := r.Context()

	counts, err := s.repo.CountByStatus(ctx, projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"running":    s.sup.Running(projectID),
		"tasks":      counts,
	})
}

// handlePMQueueNext implements queueNext(project_id): forces an
// immediate scheduling pass outside the regular tick.
func (s *Server) handlePMQueueNext(w http.ResponseWriter, r *http.Request) {
	s.withOrchestrator(w, r, func(o *pmorchestrator.Orchestrator) {
		o.ScheduleNow(r.Context())
		respondJSON(w, http.StatusOK, map[string]string{"status": "scheduled"})
	})
}

// handlePMPromoteWaiting implements promoteWaiting(project_id).
func (s *Server) handlePMPromoteWaiting(w http.ResponseWriter, r *http.Request) {
	s.withOrchestrator(w, r, func(o *pmorchestrator.Orchestrator) {
		o.PromoteWaitingNow(r.Context())
		respondJSON(w, http.StatusOK, map[string]string{"status": "promoted"})
	})
}

func (s *Server) withOrchestrator(w http.ResponseWriter, r *http.Request, fn func(*pmorchestrator.Orchestrator)) {
	projectID := chi.URLParam(r, "projectID")
	orch, ok := s.sup.Orchestrator(projectID)
	if !ok {
		respondError(w, http.StatusNotFound, "project not running")
		return
	}
	fn(orch)
}
