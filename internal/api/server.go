// Package api provides the HTTP callback surface of the pipeline: health
// probes plus the authenticated endpoint analysis engines call to report
// task verdicts ahead of the polling cycle.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/api/middleware"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

// Server wraps the HTTP server with pipeline dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	store      storage.Store
	startTime  time.Time
	version    string
}

// NewServer creates an HTTP server with routes and middleware configured.
func NewServer(cfg *ServerConfig, store storage.Store, logger *slog.Logger, version string) *Server {
	server := &Server{
		logger:    logger,
		config:    cfg,
		store:     store,
		startTime: time.Now(),
		version:   version,
	}

	mux := http.NewServeMux()
	server.registerRoutes(mux)

	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithTokenAuth(cfg.CallbackToken, logger),
		middleware.WithRequestLogger(logger),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      http.MaxBytesHandler(handler, cfg.MaxRequestSize),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start runs the HTTP server and blocks until shutdown is triggered by
// SIGINT/SIGTERM or a server error.
func (s *Server) Start() error {
	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Callback API server starting",
			slog.String("address", s.config.Address()),
			slog.String("version", s.version),
			slog.Bool("auth_enabled", s.config.CallbackToken != ""),
		)

		serverErrors <- s.httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		s.logger.Info("Shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Graceful shutdown failed, forcing close", slog.Any("error", err))

			if closeErr := s.httpServer.Close(); closeErr != nil {
				return fmt.Errorf("forced close: %w", closeErr)
			}
		}

		s.logger.Info("Callback API server stopped")
	}

	return nil
}

// Shutdown stops the server without waiting for a signal. Used when the
// server runs under an external lifecycle manager.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
