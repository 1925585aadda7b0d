package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from panics and logs them.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func(ctx context.Context) {
				if err := recover(); err != nil {
					correlationID := GetCorrelationID(ctx)

					logger.Error("HTTP request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", correlationID),
						slog.Any("panic", err),
						slog.String("stack_trace", string(debug.Stack())),
					)

					writeProblem(w, r, http.StatusInternalServerError,
						"Internal Server Error",
						"An unexpected error occurred while processing the request",
						correlationID, logger)
				}
			}(r.Context())

			next.ServeHTTP(w, r)
		})
	}
}

// writeProblem writes an RFC 7807 error response without importing the
// api package.
func writeProblem(
	w http.ResponseWriter,
	r *http.Request,
	status int,
	title, detail, correlationID string,
	logger *slog.Logger,
) {
	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://seqpipe.io/problems/%d", status),
		"title":         title,
		"status":        status,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.Any("error", err),
			slog.String("correlation_id", correlationID),
		)
	}
}
