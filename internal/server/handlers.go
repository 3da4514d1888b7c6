package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/buildhost/internal/history"
	"git.home.luguber.info/inful/buildhost/internal/logfields"
	"git.home.luguber.info/inful/buildhost/internal/model"
)

// TriggerRequest starts a build run. Ephemeral environments require branch
// and commit id; promoted environments require a previously built version.
// Parameter values may be scalars or arrays; multi-valued parameters are
// flattened to comma-joined strings before they reach the stage environment.
type TriggerRequest struct {
	TaskID     string         `json:"task_id"`
	Branch     string         `json:"branch,omitempty"`
	CommitID   string         `json:"commit_id,omitempty"`
	Version    string         `json:"version,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// flattenParameters stringifies decoded JSON parameter values. Arrays become
// comma-joined lists of their stringified elements.
func flattenParameters(params map[string]any) map[string]string {
	if len(params) == 0 {
		return nil
	}
	flat := make(map[string]string, len(params))
	for name, value := range params {
		flat[name] = flattenParameterValue(value)
	}
	return flat
}

func flattenParameterValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, elem := range v {
			parts = append(parts, flattenParameterValue(elem))
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// TerminateRequest stops a pending or running build run.
type TerminateRequest struct {
	TaskID string `json:"task_id"`
	Number int    `json:"number"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", logfields.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tasks.List())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	task, err := s.tasks.Get(req.TaskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task %s not found", req.TaskID)
		return
	}
	if task.Disabled {
		writeError(w, http.StatusBadRequest, "task %s is disabled", req.TaskID)
		return
	}

	commitID := req.CommitID
	if task.Environment.Type.Ephemeral() {
		if req.Branch == "" {
			writeError(w, http.StatusBadRequest, "branch is required for %s environments", task.Environment.Type)
			return
		}
		if commitID == "" {
			writeError(w, http.StatusBadRequest, "commit_id is required for %s environments", task.Environment.Type)
			return
		}
	} else {
		if req.Version == "" {
			writeError(w, http.StatusBadRequest, "version is required for %s environments", task.Environment.Type)
			return
		}
		commitID, err = model.ParseVersion(req.Version)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
	}

	active, err := s.store.HasActiveRun(r.Context(), task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check active runs: %v", err)
		return
	}
	if active {
		writeError(w, http.StatusConflict, "task %s already has a build in progress", task.ID)
		return
	}

	number, err := s.tasks.NextRunNumber(task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to allocate run number: %v", err)
		return
	}

	run := &model.BuildRun{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		Number:     number,
		Branch:     req.Branch,
		CommitID:   commitID,
		Version:    req.Version,
		Status:     model.StatusPending,
		Parameters: flattenParameters(req.Parameters),
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record run: %v", err)
		return
	}

	slog.Info("build run triggered",
		logfields.TaskID(task.ID),
		logfields.RunNumber(number),
		logfields.Branch(run.Branch))

	// The run outlives the request; detach from its context.
	go func() {
		if err := s.executor.Execute(context.Background(), task, run); err != nil {
			slog.Error("build execution failed to start", logfields.TaskID(task.ID), logfields.RunNumber(number), logfields.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"number": number,
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req TerminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.TaskID == "" || req.Number <= 0 {
		writeError(w, http.StatusBadRequest, "task_id and number are required")
		return
	}

	run, err := s.store.GetRun(r.Context(), req.TaskID, req.Number)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run %s#%d not found", req.TaskID, req.Number)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load run: %v", err)
		return
	}
	if run.Status.Terminal() {
		writeError(w, http.StatusBadRequest, "only pending or running builds can be terminated")
		return
	}

	if err := s.store.SetStatus(r.Context(), run.ID, model.StatusTerminated); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to terminate run: %v", err)
		return
	}
	if err := s.store.AppendLog(r.Context(), run.ID, "[System] build terminated manually\n"); err != nil {
		slog.Error("failed to append termination log line", logfields.TaskID(req.TaskID), logfields.Error(err))
	}

	slog.Info("build run terminated", logfields.TaskID(req.TaskID), logfields.RunNumber(req.Number))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusTerminated)})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.store.ListRuns(r.Context(), taskID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task")
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run number")
		return
	}
	run, err := s.store.GetRun(r.Context(), taskID, number)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run %s#%d not found", taskID, number)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load run: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
