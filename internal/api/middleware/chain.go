// Package middleware provides HTTP middleware components for the
// callback API server.
package middleware

import (
	"log/slog"
	"net/http"
)

// Option is a function that applies middleware to a handler.
type Option func(http.Handler) http.Handler

// Apply applies a chain of middleware options to a base handler.
// Middleware executes in the order provided (first option is outermost).
//
// Example:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithTokenAuth(token, logger),
//	    middleware.WithRequestLogger(logger),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	// Apply in reverse order so that the first option becomes the
	// outermost middleware in the chain.
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithCorrelationID returns an option that adds correlation ID middleware.
func WithCorrelationID() Option {
	return func(next http.Handler) http.Handler {
		return CorrelationID()(next)
	}
}

// WithRecovery returns an option that adds panic recovery middleware.
func WithRecovery(logger *slog.Logger) Option {
	return func(next http.Handler) http.Handler {
		return Recovery(logger)(next)
	}
}

// WithTokenAuth returns an option that adds static bearer token
// authentication. An empty token disables authentication.
func WithTokenAuth(token string, logger *slog.Logger) Option {
	if token == "" {
		return func(next http.Handler) http.Handler {
			return next // No-op if token not configured
		}
	}

	return func(next http.Handler) http.Handler {
		return TokenAuth(token, logger)(next)
	}
}

// WithRequestLogger returns an option that adds request logging middleware.
func WithRequestLogger(logger *slog.Logger) Option {
	return func(next http.Handler) http.Handler {
		return RequestLogger(logger)(next)
	}
}
