package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPipelineConfigPath is the default location for the pipeline
// configuration file, resolved relative to the working directory.
const DefaultPipelineConfigPath = "seqpipe.yaml"

// PipelineConfigPathEnvVar is the environment variable name for a custom config path.
const PipelineConfigPathEnvVar = "SEQPIPE_CONFIG_PATH"

const defaultStaleAfter = 72 * time.Hour

var (
	// ErrNoLabs is returned when the pipeline config declares no laboratories.
	ErrNoLabs = errors.New("pipeline config declares no laboratories")
	// ErrLabIncomplete is returned when a laboratory entry is missing credentials or endpoint.
	ErrLabIncomplete = errors.New("laboratory entry is missing name, base_url, app_id, or app_secret")
	// ErrNoTemplates is returned when no analysis type is mapped to a workflow template.
	ErrNoTemplates = errors.New("pipeline config maps no analysis types to workflow templates")
)

type (
	// Lab describes one remote LIMS endpoint with its signing credentials.
	// The secret is used to compute request signatures and must therefore
	// be stored in recoverable form; keep the config file readable by the
	// service user only.
	//
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	Lab struct {
		Name      string `yaml:"name"`
		BaseURL   string `yaml:"base_url"`
		AppID     string `yaml:"app_id"`
		AppSecret string `yaml:"app_secret"`
	}

	// PipelineConfig holds the operator-maintained pipeline configuration
	// loaded from seqpipe.yaml: laboratories to pull from, the mapping of
	// analysis types to workflow template directories, and directory layout.
	//
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	PipelineConfig struct {
		Labs []Lab `yaml:"labs"`

		// Templates maps an analysis type (e.g. "bacterium", "plasmid")
		// to the workflow template directory used to render run.sh.
		Templates map[string]string `yaml:"templates"`

		// IngestDir is where pulled LIMS report files are written before
		// normalization, and what the retention sweep cleans.
		IngestDir string `yaml:"ingest_dir"`

		// WorkDirRoot is the parent directory for per-task work dirs.
		WorkDirRoot string `yaml:"work_dir_root"`

		// StaleAfter is how long a run may stay pending validation before
		// a stale alert is emitted.
		StaleAfter time.Duration `yaml:"stale_after"`
	}
)

// LoadPipelineConfig loads pipeline configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - stages that
//     need it validate and log at startup
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cfg := emptyPipelineConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Pipeline config file not found, continuing with empty config",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read pipeline config file, continuing with empty config",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse pipeline config file, continuing with empty config",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return emptyPipelineConfig(), nil
	}

	if cfg.Templates == nil {
		cfg.Templates = make(map[string]string)
	}

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}

	return cfg, nil
}

// LoadPipelineConfigFromEnv loads config from the path specified in
// SEQPIPE_CONFIG_PATH. Falls back to "seqpipe.yaml" in the current
// directory if not set.
func LoadPipelineConfigFromEnv() (*PipelineConfig, error) {
	path := GetEnvStr(PipelineConfigPathEnvVar, DefaultPipelineConfigPath)

	return LoadPipelineConfig(path)
}

// Validate checks that the configuration is complete enough to run the
// sync and grouping stages.
func (c *PipelineConfig) Validate() error {
	if len(c.Labs) == 0 {
		return ErrNoLabs
	}

	for _, lab := range c.Labs {
		if lab.Name == "" || lab.BaseURL == "" || lab.AppID == "" || lab.AppSecret == "" {
			return fmt.Errorf("%w: %q", ErrLabIncomplete, lab.Name)
		}
	}

	if len(c.Templates) == 0 {
		return ErrNoTemplates
	}

	return nil
}

// TemplateFor returns the workflow template directory for an analysis type.
func (c *PipelineConfig) TemplateFor(analysisType string) (string, bool) {
	dir, ok := c.Templates[analysisType]

	return dir, ok
}

func emptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Templates:  make(map[string]string),
		StaleAfter: defaultStaleAfter,
	}
}
