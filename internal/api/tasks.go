package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forgefleet/conductor/internal/statemachine"
	"github.com/forgefleet/conductor/internal/taskmodel"
	"github.com/forgefleet/conductor/internal/taskrepo"
)

type createTaskRequest struct {
	PhaseID      string                   `json:"phase_id"`
	Title        string                   `json:"title"`
	Description  string                   `json:"description"`
	Priority     taskmodel.TaskPriority   `json:"priority"`
	DependsOn    []string                 `json:"depends_on"`
	WorkerPrompt *taskmodel.PromptPayload `json:"worker_prompt"`
	QAPrompt     *taskmodel.PromptPayload `json:"qa_prompt"`
}

// handleCreateTask implements createTask (spec §6): validates the
// proposed dependency set exists and is acyclic before inserting.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ctx := r.Context()

	if len(req.DependsOn) > 0 {
		missing, err := s.repo.ValidateDependenciesExist(ctx, req.DependsOn)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(missing) > 0 {
			respondError(w, http.StatusBadRequest, "dependency not found: "+missing[0])
			return
		}

		cyclic, err := s.repo.DetectCycle(ctx, "", req.DependsOn)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if cyclic {
			respondError(w, http.StatusBadRequest, "circular dependency")
			return
		}
	}

	task := &taskmodel.Task{
		ProjectID:    projectID,
		PhaseID:      req.PhaseID,
		Title:        req.Title,
		Description:  req.Description,
		Priority:     req.Priority,
		WorkerPrompt: req.WorkerPrompt,
		QAPrompt:     req.QAPrompt,
	}
	if err := s.repo.CreateTask(ctx, task, req.DependsOn); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, task)
}

// handleGetTask implements getTask, including history when
// ?include_history=true is set.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ctx := r.Context()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		respondTaskLookupError(w, err)
		return
	}

	if r.URL.Query().Get("include_history") != "true" {
		respondJSON(w, http.StatusOK, task)
		return
	}

	history, err := s.repo.ListHistory(ctx, taskID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, struct {
		*taskmodel.Task
		History []taskmodel.TaskHistory `json:"history"`
	}{Task: task, History: history})
}

type updateTaskRequest struct {
	Title           *string                  `json:"title,omitempty"`
	Description     *string                  `json:"description,omitempty"`
	Priority        *taskmodel.TaskPriority  `json:"priority,omitempty"`
	WorkerPrompt    *taskmodel.PromptPayload `json:"worker_prompt,omitempty"`
	QAPrompt        *taskmodel.PromptPayload `json:"qa_prompt,omitempty"`
	ExpectedVersion *int                     `json:"expected_version,omitempty"`
}

// handleUpdateTask implements updateTask: allowed only while status is
// waiting or ready (spec §6), since once a task is queued its prompts
// and priority are already committed to the pipeline.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ctx := r.Context()

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		respondTaskLookupError(w, err)
		return
	}

	if task.Status != taskmodel.TaskWaiting && task.Status != taskmodel.TaskReady {
		respondError(w, http.StatusConflict, "task not updatable in current status")
		return
	}

	if req.ExpectedVersion != nil && *req.ExpectedVersion != task.Version {
		respondError(w, http.StatusConflict, "version conflict")
		return
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.WorkerPrompt != nil {
		task.WorkerPrompt = req.WorkerPrompt
	}
	if req.QAPrompt != nil {
		task.QAPrompt = req.QAPrompt
	}

	if err := s.repo.UpdateTaskCAS(ctx, task, task.Version); err != nil {
		respondUpdateError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, task)
}

type transitionTaskRequest struct {
	NewStatus       taskmodel.TaskStatus `json:"new_status"`
	Reason          string               `json:"reason"`
	Actor           string               `json:"actor"`
	ExpectedVersion *int                 `json:"expected_version,omitempty"`
	WorkerID        string               `json:"worker_id,omitempty"`
	ReviewerID      string               `json:"reviewer_id,omitempty"`
}

// handleTransitionTask implements transitionTask.
func (s *Server) handleTransitionTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ctx := r.Context()

	var req transitionTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.ExpectedVersion != nil {
		current, err := s.repo.GetTask(ctx, taskID)
		if err != nil {
			respondTaskLookupError(w, err)
			return
		}
		if *req.ExpectedVersion != current.Version {
			respondError(w, http.StatusConflict, "version conflict")
			return
		}
	}

	previousTask, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		respondTaskLookupError(w, err)
		return
	}
	previousStatus := previousTask.Status

	task, err := s.sm.Transition(ctx, taskID, req.NewStatus, req.Actor, req.Reason, statemachine.Extra{
		WorkerID: req.WorkerID, ReviewerID: req.ReviewerID,
	})
	if err != nil {
		respondTransitionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"task_id":         task.ID,
		"status":          task.Status,
		"previous_status": previousStatus,
		"transition":      string(previousStatus) + "->" + string(task.Status),
	})
}

// handleListProjectTasks implements listProjectTasks.
func (s *Server) handleListProjectTasks(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	q := r.URL.Query()

	filter := taskrepo.TaskFilter{
		Status:   taskmodel.TaskStatus(q.Get("status")),
		PhaseID:  q.Get("phase_id"),
		Priority: taskmodel.TaskPriority(q.Get("priority")),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}

	tasks, err := s.repo.ListProjectTasks(r.Context(), projectID, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tasks)
}

func respondTaskLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, taskmodel.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondUpdateError(w http.ResponseWriter, err error) {
	var conflict *taskmodel.VersionConflictError
	if errors.As(err, &conflict) {
		respondError(w, http.StatusConflict, conflict.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

// respondTransitionError maps statemachine.Transition errors to status
// codes per spec §7: InvalidTransition -> 422, VersionConflict -> 409,
// NotFound -> 404.
func respondTransitionError(w http.ResponseWriter, err error) {
	var invalid *taskmodel.InvalidTransitionError
	if errors.As(err, &invalid) {
		respondError(w, http.StatusUnprocessableEntity, invalid.Error())
		return
	}
	var conflict *taskmodel.VersionConflictError
	if errors.As(err, &conflict) {
		respondError(w, http.StatusConflict, conflict.Error())
		return
	}
	if errors.Is(err, taskmodel.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
