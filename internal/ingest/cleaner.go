package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/config"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

// defaultRetention is how long processed report files are kept on disk.
const defaultRetention = 24 * time.Hour

// Cleaner deletes ingest-directory report files that are both recorded
// processed in the ledger and older than the retention window. Files the
// ledger does not know about are never touched.
type Cleaner struct {
	store     storage.Store
	dir       string
	retention time.Duration
	logger    *slog.Logger

	now func() time.Time
}

// NewCleaner creates the retention sweep. A non-positive retention falls
// back to the 24-hour default.
func NewCleaner(store storage.Store, dir string, retention time.Duration) *Cleaner {
	if retention <= 0 {
		retention = defaultRetention
	}

	return &Cleaner{
		store:     store,
		dir:       dir,
		retention: retention,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}
}

// Run executes one retention sweep.
func (c *Cleaner) Run(ctx context.Context) error {
	cutoff := c.now().Add(-c.retention)

	files, err := c.store.ListIngestFilesBefore(ctx, storage.IngestStatusProcessed, cutoff)
	if err != nil {
		return err
	}

	removed := 0

	for _, file := range files {
		path := filepath.Join(c.dir, file.FileName)

		err := os.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			continue // already gone, nothing to do
		}

		if err != nil {
			c.logger.Warn("Failed to remove expired report file",
				slog.String("file", file.FileName),
				slog.String("error", err.Error()),
			)

			continue
		}

		removed++
	}

	if removed > 0 {
		c.logger.Info("Retention sweep removed expired report files",
			slog.Int("removed", removed),
			slog.Time("cutoff", cutoff),
		)
	}

	return nil
}
