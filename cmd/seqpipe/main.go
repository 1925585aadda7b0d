// Package main provides the seqpipe sequencing-run pipeline service.
//
// The service pulls sequencing batch reports from laboratory LIMS
// endpoints, validates raw run data on disk, groups eligible runs into
// analysis tasks, drives the workflow engine, and pushes verdicts back
// to the LIMS.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/seqpipe-io/seqpipe/internal/api"
	"github.com/seqpipe-io/seqpipe/internal/config"
	"github.com/seqpipe-io/seqpipe/internal/executor"
	"github.com/seqpipe-io/seqpipe/internal/grouping"
	"github.com/seqpipe-io/seqpipe/internal/ingest"
	"github.com/seqpipe-io/seqpipe/internal/lims"
	"github.com/seqpipe-io/seqpipe/internal/notify"
	"github.com/seqpipe-io/seqpipe/internal/pusher"
	"github.com/seqpipe-io/seqpipe/internal/scheduler"
	"github.com/seqpipe-io/seqpipe/internal/storage"
	"github.com/seqpipe-io/seqpipe/internal/validation"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "seqpipe"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig, err := api.LoadServerConfig()
	if err != nil {
		log.Fatalf("invalid server configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting seqpipe service",
		slog.String("service", name),
		slog.String("version", version),
	)

	pipelineConfig, err := config.LoadPipelineConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load pipeline configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := pipelineConfig.Validate(); err != nil {
		logger.Error("Pipeline configuration incomplete", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Loaded pipeline configuration",
		slog.Int("labs", len(pipelineConfig.Labs)),
		slog.Int("templates", len(pipelineConfig.Templates)),
		slog.String("ingest_dir", pipelineConfig.IngestDir),
		slog.String("work_dir_root", pipelineConfig.WorkDirRoot),
		slog.Duration("stale_after", pipelineConfig.StaleAfter),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	store, err := storage.NewPipelineStore(dbConn)
	if err != nil {
		logger.Error("Failed to initialize pipeline store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Pipeline store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	// One signed client per laboratory, shared by the puller and pusher.
	pullClients := make([]*lims.Client, 0, len(pipelineConfig.Labs))
	pushClients := make(map[string]pusher.Client, len(pipelineConfig.Labs))

	for _, lab := range pipelineConfig.Labs {
		client := lims.NewClient(lims.LoadClientConfig(lab), lims.WithLogger(logger))
		pullClients = append(pullClients, client)
		pushClients[lab.Name] = client

		logger.Info("LIMS client configured",
			slog.String("lab", lab.Name),
			slog.String("base_url", lab.BaseURL),
		)
	}

	publisher := notify.NewKafkaPublisherFromEnv()
	if publisher != nil {
		defer func() {
			_ = publisher.Close()
		}()

		logger.Info("Kafka event publisher enabled")
	} else {
		logger.Warn("Kafka event publisher disabled",
			slog.String("note", "Set NOTIFY_KAFKA_BROKERS to enable pipeline event notifications"),
		)
	}

	puller := lims.NewPuller(store, pipelineConfig.IngestDir, pullClients...)
	normalizer := ingest.NewNormalizer(store, pipelineConfig.IngestDir)
	cleaner := ingest.NewCleaner(store, pipelineConfig.IngestDir,
		config.GetEnvDuration("SEQPIPE_INGEST_RETENTION", 24*time.Hour))
	validator := validation.NewValidator(store, publisher, pipelineConfig.StaleAfter)
	grouper := grouping.NewGrouper(store, pipelineConfig)
	engine := executor.NewExecutor(store, publisher, executor.LoadConfig())
	resultPusher := pusher.NewPusher(store, pushClients, publisher)

	sched := scheduler.New(
		scheduler.Stage{
			Name:     "lims-pull",
			Interval: config.GetEnvDuration("SEQPIPE_PULL_INTERVAL", 10*time.Minute),
			Run:      puller.Run,
		},
		scheduler.Stage{
			Name:     "ingest-normalize",
			Interval: config.GetEnvDuration("SEQPIPE_NORMALIZE_INTERVAL", time.Minute),
			Run:      normalizer.Run,
		},
		scheduler.Stage{
			Name:     "ingest-clean",
			Interval: config.GetEnvDuration("SEQPIPE_CLEAN_INTERVAL", time.Hour),
			Run:      cleaner.Run,
		},
		scheduler.Stage{
			Name:     "validate",
			Interval: config.GetEnvDuration("SEQPIPE_VALIDATE_INTERVAL", 5*time.Minute),
			Run:      validator.Run,
		},
		scheduler.Stage{
			Name:     "group",
			Interval: config.GetEnvDuration("SEQPIPE_GROUP_INTERVAL", 5*time.Minute),
			Run:      grouper.Run,
		},
		scheduler.Stage{
			Name:     "execute",
			Interval: config.GetEnvDuration("SEQPIPE_EXECUTE_INTERVAL", time.Minute),
			Run:      engine.Run,
		},
		scheduler.Stage{
			Name:     "push",
			Interval: config.GetEnvDuration("SEQPIPE_PUSH_INTERVAL", 5*time.Minute),
			Run:      resultPusher.Run,
		},
	)

	sched.Start(context.Background())

	// Blocks until SIGINT/SIGTERM or a server error.
	server := api.NewServer(serverConfig, store, logger, version)
	if err := server.Start(); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		sched.Stop()
		os.Exit(1)
	}

	sched.Stop()
	logger.Info("seqpipe service stopped")
}
