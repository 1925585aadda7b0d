package lims

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/config"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

const (
	// windowOverlap is subtracted from the last saved window end so records
	// landing near the boundary are never skipped. Duplicates created by the
	// overlap are absorbed by the ingest ledger and run-identity constraint.
	windowOverlap = 5 * time.Minute

	// defaultLookback bounds the first pull for a lab with no saved window.
	defaultLookback = 24 * time.Hour

	reportFileLayout = "20060102T150405"
)

// Puller runs one pull cycle per laboratory: fetch the precise window,
// write the raw report file into the ingest directory, persist the window
// end. Normalization happens in a separate stage off the written files.
type Puller struct {
	clients   []*Client
	store     storage.Store
	ingestDir string
	logger    *slog.Logger

	now func() time.Time
}

// NewPuller creates a pull stage over one client per laboratory.
func NewPuller(store storage.Store, ingestDir string, clients ...*Client) *Puller {
	return &Puller{
		clients:   clients,
		store:     store,
		ingestDir: ingestDir,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}
}

// Run executes one pull cycle across all laboratories. Failures are
// isolated per lab: one lab's outage never blocks the others.
func (p *Puller) Run(ctx context.Context) error {
	var lastErr error

	for _, client := range p.clients {
		if err := p.pullLab(ctx, client); err != nil {
			lastErr = err

			p.logger.Error("Pull cycle failed for laboratory",
				slog.String("lab", client.Lab()),
				slog.String("error", err.Error()),
			)
		}
	}

	return lastErr
}

func (p *Puller) pullLab(ctx context.Context, client *Client) error {
	lab := client.Lab()
	end := p.now()

	begin, err := p.windowStart(ctx, lab, end)
	if err != nil {
		return err
	}

	records, err := client.FetchRuns(ctx, begin, end)
	if err != nil {
		return err
	}

	if len(records) > 0 {
		fileName := fmt.Sprintf("report_%s_%s.json", lab, end.UTC().Format(reportFileLayout))
		if err := p.writeReportFile(fileName, records); err != nil {
			return err
		}

		p.logger.Info("Pulled sequencing-run reports",
			slog.String("lab", lab),
			slog.Int("records", len(records)),
			slog.String("file", fileName),
			slog.Time("window_begin", begin),
			slog.Time("window_end", end),
		)
	}

	// The window advances even on an empty pull, so overlap stays bounded.
	if err := p.store.SavePullWindow(ctx, lab, end); err != nil {
		return err
	}

	return nil
}

// windowStart computes the precise pull start: the last saved window end
// minus the overlap, or a bounded lookback for a lab never pulled before.
func (p *Puller) windowStart(ctx context.Context, lab string, end time.Time) (time.Time, error) {
	saved, ok, err := p.store.GetPullWindow(ctx, lab)
	if err != nil {
		return time.Time{}, err
	}

	if !ok {
		return end.Add(-defaultLookback), nil
	}

	return saved.Add(-windowOverlap), nil
}

func (p *Puller) writeReportFile(fileName string, records []RunRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode report file: %w", err)
	}

	path := filepath.Join(p.ingestDir, fileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write report file %s: %w", path, err)
	}

	return nil
}
