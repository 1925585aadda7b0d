package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/seqpipe-io/seqpipe/internal/api/middleware"
)

// ProblemDetail represents an RFC 7807 problem details response.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlationId"`
}

// NewProblemDetail creates a problem detail for the given status code.
func NewProblemDetail(status int, title, detail, instance, correlationID string) *ProblemDetail {
	return &ProblemDetail{
		Type:          fmt.Sprintf("https://seqpipe.io/problems/%d", status),
		Title:         title,
		Status:        status,
		Detail:        detail,
		Instance:      instance,
		CorrelationID: correlationID,
	}
}

// BadRequest creates a 400 problem detail.
func BadRequest(detail, instance, correlationID string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail, instance, correlationID)
}

// NotFound creates a 404 problem detail.
func NotFound(detail, instance, correlationID string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail, instance, correlationID)
}

// Conflict creates a 409 problem detail.
func Conflict(detail, instance, correlationID string) *ProblemDetail {
	return NewProblemDetail(http.StatusConflict, "Conflict", detail, instance, correlationID)
}

// InternalServerError creates a 500 problem detail.
func InternalServerError(detail, instance, correlationID string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error",
		detail, instance, correlationID)
}

// WriteErrorResponse writes a problem detail as the HTTP response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, problem *ProblemDetail, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.Any("error", err),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)
	}
}
