package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
)

// ErrMissingDatabaseURL is returned when DATABASE_URL is not set.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL cannot be empty")

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table tracking applied migrations.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}

	if c.MigrationTable == "" {
		return errors.New("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a string representation of the configuration safe for
// logging: the database password is redacted.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// maskDatabaseURL masks the password in a database URL for logging.
// Unparseable URLs are fully masked rather than risk leaking a secret.
func maskDatabaseURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}

	return u.Redacted()
}
