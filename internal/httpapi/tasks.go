package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/tracerail/internal/tasks"
)

type createTaskResponse struct {
	Task    tasks.Task `json:"task"`
	Deduped bool       `json:"deduped"`
}

// signalRequest is the body shared by every task signal. Fields that do not
// apply to an action are ignored.
type signalRequest struct {
	Actor      string            `json:"actor"`
	SignalID   string            `json:"signal_id"`
	AssigneeID string            `json:"assignee_id"`
	Reason     string            `json:"reason"`
	Result     *tasks.TaskResult `json:"result"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.TaskData
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, deduped, err := s.controller.Create(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	respondJSON(w, status, createTaskResponse{Task: task, Deduped: deduped})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	task, err := s.controller.Get(taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskSignal(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	var req signalRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sig := tasks.Signal{
		Actor:    strings.TrimSpace(req.Actor),
		SignalID: strings.TrimSpace(req.SignalID),
	}

	var (
		task tasks.Task
		err  error
		ctx  = r.Context()
	)
	switch action := strings.ToLower(chi.URLParam(r, "action")); action {
	case "assign":
		task, err = s.controller.Assign(ctx, taskID, req.AssigneeID, sig)
	case "start":
		task, err = s.controller.Start(ctx, taskID, sig)
	case "review":
		task, err = s.controller.SubmitForReview(ctx, taskID, sig)
	case "complete":
		if req.Result == nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "result is required")
			return
		}
		task, err = s.controller.Complete(ctx, taskID, *req.Result, sig)
	case "cancel":
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "Cancelled by API."
		}
		task, err = s.controller.Cancel(ctx, taskID, reason, sig)
	default:
		respondError(w, http.StatusNotFound, "unknown_action", "unknown task action "+strconv.Quote(action))
		return
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r, 100, 500)
	if !ok {
		return
	}
	events, err := s.controller.ListEvents(taskID, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  events,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id query param is required")
		return
	}
	var status tasks.TaskStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, err := tasks.ParseStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		status = parsed
	}
	list := s.controller.ListForUser(userID, status)
	if list == nil {
		list = []tasks.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"tasks":   list,
	})
}

func (s *Server) handleOverdueTasks(w http.ResponseWriter, _ *http.Request) {
	list := s.controller.Overdue()
	if list == nil {
		list = []tasks.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func taskIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return "", false
	}
	return taskID, true
}

func limitParam(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}
