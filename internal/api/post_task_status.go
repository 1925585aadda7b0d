package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/api/middleware"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

// taskStatusRequest is the body of an engine status callback.
type taskStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// taskStatusResponse acknowledges an accepted callback.
type taskStatusResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// handlePostTaskStatus settles a running task from an engine callback.
// The first terminal verdict wins: if the polling executor already
// settled the task, the callback gets 409 Conflict.
func (s *Server) handlePostTaskStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	taskID := r.PathValue("taskID")

	var req taskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r,
			BadRequest(fmt.Sprintf("invalid request body: %v", err), r.URL.Path, correlationID),
			s.logger)

		return
	}

	var target storage.TaskStatus

	switch req.Status {
	case string(storage.TaskStatusCompleted):
		target = storage.TaskStatusCompleted
	case string(storage.TaskStatusFailed):
		target = storage.TaskStatusFailed
	default:
		WriteErrorResponse(w, r,
			BadRequest(fmt.Sprintf("status must be %q or %q, got %q",
				storage.TaskStatusCompleted, storage.TaskStatusFailed, req.Status),
				r.URL.Path, correlationID),
			s.logger)

		return
	}

	if target == storage.TaskStatusFailed && req.Reason == "" {
		req.Reason = "reported failed by engine callback"
	}

	now := time.Now().UTC()
	update := storage.TaskUpdate{FinishedAt: &now}

	if req.Reason != "" {
		update.Reason = &req.Reason
	}

	err := s.store.TransitionTask(r.Context(), taskID,
		storage.TaskStatusRunning, target, update)

	switch {
	case err == nil:
		// Settled below.
	case errors.Is(err, storage.ErrNotFound):
		WriteErrorResponse(w, r,
			NotFound(fmt.Sprintf("task %s not found", taskID), r.URL.Path, correlationID),
			s.logger)

		return
	case errors.Is(err, storage.ErrStaleTransition):
		WriteErrorResponse(w, r,
			Conflict(fmt.Sprintf("task %s is not running; the earlier verdict stands", taskID),
				r.URL.Path, correlationID),
			s.logger)

		return
	default:
		s.logger.Error("Task status callback failed",
			slog.String("task_id", taskID),
			slog.Any("error", err),
			slog.String("correlation_id", correlationID),
		)
		WriteErrorResponse(w, r,
			InternalServerError("failed to update task status", r.URL.Path, correlationID),
			s.logger)

		return
	}

	s.logger.Info("Task settled by engine callback",
		slog.String("task_id", taskID),
		slog.String("status", string(target)),
		slog.String("correlation_id", correlationID),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(taskStatusResponse{TaskID: taskID, Status: string(target)}); err != nil {
		s.logger.Error("Failed to encode callback response",
			slog.Any("error", err),
			slog.String("correlation_id", correlationID),
		)
	}
}
