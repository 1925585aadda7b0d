package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// connectTimeout bounds the initial connectivity check in NewConnection.
const connectTimeout = 10 * time.Second

var (
	// ErrNoDatabaseConnection is returned when a nil connection is passed to a store constructor.
	ErrNoDatabaseConnection = errors.New("database connection is required")
	// ErrNilConfig is returned when NewConnection receives a nil config.
	ErrNilConfig = errors.New("storage config cannot be nil")
)

// Connection wraps *sql.DB with pool configuration applied from Config.
// It is safe for concurrent use and shared by all stores via dependency
// injection; the owner (main) is responsible for Close.
type Connection struct {
	db *sql.DB
}

// NewConnection opens a PostgreSQL connection pool and verifies connectivity.
//
// Parameters:
//   - cfg: Connection configuration (DATABASE_URL plus pool tuning)
//
// The connection is pinged with a bounded timeout so a misconfigured DSN
// fails at startup rather than on first query.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{db: db}, nil
}

// NewConnectionFromDB wraps an existing *sql.DB (used by integration tests
// that manage their own testcontainers connection).
func NewConnectionFromDB(db *sql.DB) *Connection {
	return &Connection{db: db}
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.db == nil {
		return ErrNoDatabaseConnection
	}

	return c.db.PingContext(ctx)
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// ExecContext executes a query without returning rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// Close closes the underlying connection pool.
func (c *Connection) Close() error {
	if c == nil || c.db == nil {
		return nil
	}

	return c.db.Close()
}
