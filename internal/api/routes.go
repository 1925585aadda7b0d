package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/api/middleware"
)

// registerRoutes sets up all HTTP routes for the callback API.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	s.registerPublicRoutes(mux)

	mux.HandleFunc("POST /api/v1/tasks/{taskID}/status", s.handlePostTaskStatus)

	// Catch-all for unmatched paths.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		correlationID := middleware.GetCorrelationID(r.Context())
		WriteErrorResponse(w, r,
			NotFound("The requested resource was not found", r.URL.Path, correlationID),
			s.logger)
	})
}

// registerPublicRoutes sets up health probe endpoints that bypass
// authentication.
func (s *Server) registerPublicRoutes(mux *http.ServeMux) {
	middleware.RegisterPublicEndpoint("/ping")
	middleware.RegisterPublicEndpoint("/health")

	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)

		if _, err := w.Write([]byte("pong")); err != nil {
			s.logger.Error("Failed to write ping response", slog.Any("error", err))
		}
	})

	mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Error("Failed to encode health response",
			slog.Any("error", err),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)
	}
}
