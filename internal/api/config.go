package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/config"
)

// Sentinel errors for configuration validation.
var (
	ErrInvalidPort            = errors.New("invalid port")
	ErrInvalidTimeout         = errors.New("invalid timeout")
	ErrInvalidMaxRequestSize  = errors.New("invalid max request size")
	ErrInvalidShutdownTimeout = errors.New("invalid shutdown timeout")
)

// Default configuration values.
const (
	DefaultPort            = 8080
	DefaultHost            = "0.0.0.0"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxRequestSize  = 1 << 20 // 1 MB
)

// ServerConfig holds HTTP server configuration for the callback API.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
	MaxRequestSize  int64

	// CallbackToken is the static bearer token engine callbacks must
	// present. Empty disables authentication.
	CallbackToken string
}

// LoadServerConfig builds a ServerConfig from environment variables,
// falling back to defaults for anything unset.
//
// Environment variables:
//   - SEQPIPE_SERVER_PORT: HTTP server port (default: 8080)
//   - SEQPIPE_SERVER_HOST: HTTP server host (default: 0.0.0.0)
//   - SEQPIPE_SERVER_READ_TIMEOUT: request read timeout (default: 10s)
//   - SEQPIPE_SERVER_WRITE_TIMEOUT: response write timeout (default: 10s)
//   - SEQPIPE_SERVER_SHUTDOWN_TIMEOUT: graceful shutdown timeout (default: 30s)
//   - SEQPIPE_SERVER_MAX_REQUEST_SIZE: max request body bytes (default: 1048576)
//   - SEQPIPE_CALLBACK_TOKEN: bearer token for callback endpoints (default: disabled)
//   - LOG_LEVEL: log level (default: info)
func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Port:            config.GetEnvInt("SEQPIPE_SERVER_PORT", DefaultPort),
		Host:            config.GetEnvStr("SEQPIPE_SERVER_HOST", DefaultHost),
		ReadTimeout:     config.GetEnvDuration("SEQPIPE_SERVER_READ_TIMEOUT", DefaultReadTimeout),
		WriteTimeout:    config.GetEnvDuration("SEQPIPE_SERVER_WRITE_TIMEOUT", DefaultWriteTimeout),
		ShutdownTimeout: config.GetEnvDuration("SEQPIPE_SERVER_SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		LogLevel:        config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		MaxRequestSize:  int64(config.GetEnvInt("SEQPIPE_SERVER_MAX_REQUEST_SIZE", DefaultMaxRequestSize)),
		CallbackToken:   config.GetEnvStr("SEQPIPE_CALLBACK_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidPort, c.Port)
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: read=%s write=%s (must be positive)",
			ErrInvalidTimeout, c.ReadTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: %s (must be positive)", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: %d (must be positive)", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}

// Address returns the host:port address for the HTTP server.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
