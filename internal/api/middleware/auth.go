package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// publicEndpoints holds paths that bypass authentication, typically the
// health probes.
var (
	publicMu        sync.RWMutex
	publicEndpoints = make(map[string]bool)
)

// RegisterPublicEndpoint marks a path as bypassing token authentication.
func RegisterPublicEndpoint(path string) {
	publicMu.Lock()
	defer publicMu.Unlock()

	publicEndpoints[path] = true
}

func isPublicEndpoint(path string) bool {
	publicMu.RLock()
	defer publicMu.RUnlock()

	return publicEndpoints[path]
}

// TokenAuth creates a middleware that requires a static bearer token on
// every non-public request. The comparison is constant-time.
func TokenAuth(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	expected := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			presented, ok := extractBearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				correlationID := GetCorrelationID(r.Context())

				logger.Warn("Callback authentication failed",
					slog.String("correlation_id", correlationID),
					slog.String("endpoint", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)

				writeProblem(w, r, http.StatusUnauthorized,
					"Unauthorized", "Invalid or missing bearer token",
					correlationID, logger)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken reads the Authorization: Bearer header. Tokens
// containing newlines are rejected outright.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" || strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	return token, true
}
