// Package validation settles pending sequence runs against the raw data
// on disk. A run passes when the sequencer output tree is complete and
// the barcode directory holds data; it fails when the tree finished
// transferring but the structure is wrong. Runs whose transfer has not
// finished yet stay pending and are re-checked next cycle, until a
// staleness window expires and they are settled invalid with an alert.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/config"
	"github.com/seqpipe-io/seqpipe/internal/notify"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

const (
	// markerFile signals the sequencer finished writing the run output.
	markerFile = "updated.done"

	// passDirName holds the per-barcode read directories.
	passDirName = "fastq_pass"

	// defaultStaleAfter bounds how long a run may stay pending before it
	// is settled invalid and alerted on.
	defaultStaleAfter = 72 * time.Hour
)

// verdict is the outcome of one raw-data path check.
type verdict int

const (
	// verdictPass: tree complete, barcode data present.
	verdictPass verdict = iota
	// verdictWaiting: transfer not finished, re-check next cycle.
	verdictWaiting
	// verdictFailed: transfer finished but the structure is wrong.
	verdictFailed
)

// Validator settles pending runs to valid or invalid.
type Validator struct {
	store      storage.Store
	publisher  notify.Publisher
	staleAfter time.Duration
	logger     *slog.Logger

	now func() time.Time
}

// NewValidator creates the validation stage. publisher may be nil when
// alerting is not configured. A non-positive staleAfter falls back to
// the 72-hour default.
func NewValidator(store storage.Store, publisher notify.Publisher, staleAfter time.Duration) *Validator {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	return &Validator{
		store:      store,
		publisher:  publisher,
		staleAfter: staleAfter,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}
}

// Run executes one validation cycle: check every pending run, then
// settle and alert on runs that stayed pending past the staleness
// window. Per-run failures are logged and do not stop the cycle.
func (v *Validator) Run(ctx context.Context) error {
	// 1. Check every pending run against its on-disk tree.
	pending, err := v.store.ListRunsByDataStatus(ctx, storage.DataStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending runs: %w", err)
	}

	settled := 0

	for _, run := range pending {
		if err := v.settleRun(ctx, run); err != nil {
			v.logger.Error("Failed to settle run validation",
				slog.String("sequence_id", run.SequenceID),
				slog.String("error", err.Error()),
			)

			continue
		}

		settled++
	}

	// 2. Expire runs that waited out the staleness window.
	if err := v.expireStale(ctx); err != nil {
		return err
	}

	if len(pending) > 0 {
		v.logger.Info("Validation cycle complete",
			slog.Int("pending", len(pending)),
			slog.Int("checked", settled),
		)
	}

	return nil
}

// settleRun applies one path check verdict to the store.
func (v *Validator) settleRun(ctx context.Context, run *storage.SequenceRun) error {
	resolved, result, reason := checkRunPath(run.RawDataPath, run.Barcode)

	switch result {
	case verdictPass:
		err := v.store.SettleValidation(ctx, run.SequenceID, storage.DataStatusValid, resolved, "")
		if err != nil {
			return v.tolerateLostRace(run.SequenceID, err)
		}

		v.logger.Info("Run validated",
			slog.String("sequence_id", run.SequenceID),
			slog.String("raw_data_path", resolved),
		)

	case verdictFailed:
		err := v.store.SettleValidation(ctx, run.SequenceID, storage.DataStatusInvalid, "", reason)
		if err != nil {
			return v.tolerateLostRace(run.SequenceID, err)
		}

		v.logger.Warn("Run failed validation",
			slog.String("sequence_id", run.SequenceID),
			slog.String("reason", reason),
		)

	case verdictWaiting:
		v.logger.Debug("Run not ready for validation",
			slog.String("sequence_id", run.SequenceID),
			slog.String("reason", reason),
		)
	}

	return nil
}

// expireStale settles runs pending past the staleness window as invalid
// and publishes an alert for each.
func (v *Validator) expireStale(ctx context.Context) error {
	cutoff := v.now().Add(-v.staleAfter)

	stale, err := v.store.ListStalePending(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale pending runs: %w", err)
	}

	for _, run := range stale {
		_, _, reason := checkRunPath(run.RawDataPath, run.Barcode)
		reason = fmt.Sprintf("pending longer than %s: %s", v.staleAfter, reason)

		err := v.store.SettleValidation(ctx, run.SequenceID, storage.DataStatusInvalid, "", reason)
		if err != nil {
			if lostErr := v.tolerateLostRace(run.SequenceID, err); lostErr != nil {
				v.logger.Error("Failed to expire stale run",
					slog.String("sequence_id", run.SequenceID),
					slog.String("error", lostErr.Error()),
				)
			}

			continue
		}

		v.logger.Warn("Run expired after staleness window",
			slog.String("sequence_id", run.SequenceID),
			slog.String("reason", reason),
		)

		if v.publisher != nil {
			event := notify.Event{
				Kind:    notify.KindValidationStale,
				Subject: run.SequenceID,
				Detail:  reason,
				At:      v.now(),
			}
			if err := v.publisher.Publish(ctx, event); err != nil {
				v.logger.Error("Failed to publish stale-run alert",
					slog.String("sequence_id", run.SequenceID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return nil
}

// tolerateLostRace downgrades a lost settle race to a debug log: another
// cycle already moved the run out of pending.
func (v *Validator) tolerateLostRace(sequenceID string, err error) error {
	if errors.Is(err, storage.ErrStaleTransition) {
		v.logger.Debug("Run already settled by another cycle",
			slog.String("sequence_id", sequenceID),
		)

		return nil
	}

	return err
}

// checkRunPath walks the sequencer output tree for one run:
//
//	<raw_data_path>/<newest subdir>/<newest subdir>/updated.done
//	<raw_data_path>/<newest subdir>/<newest subdir>/fastq_pass/<barcode>/
//
// It returns the resolved barcode directory on a pass. A missing
// directory level or marker means the transfer is still in flight
// (verdictWaiting); a complete transfer with a missing or empty barcode
// directory is definitive (verdictFailed).
func checkRunPath(rawDataPath, barcode string) (string, verdict, string) {
	if rawDataPath == "" {
		return "", verdictFailed, "raw data path is empty"
	}

	if !isDir(rawDataPath) {
		return "", verdictWaiting, fmt.Sprintf("run directory %s does not exist", rawDataPath)
	}

	// 1. Descend two levels, newest subdirectory first at each level.
	firstLevel, err := latestSubdir(rawDataPath)
	if err != nil {
		return "", verdictWaiting, err.Error()
	}

	secondLevel, err := latestSubdir(firstLevel)
	if err != nil {
		return "", verdictWaiting, err.Error()
	}

	// 2. The marker file confirms the transfer completed.
	marker := filepath.Join(secondLevel, markerFile)
	if info, err := os.Stat(marker); err != nil || info.IsDir() {
		return "", verdictWaiting, fmt.Sprintf("transfer marker %s not present", marker)
	}

	// 3. With the transfer complete, the barcode directory must exist
	// and hold data.
	barcodeDir := filepath.Join(secondLevel, passDirName, barcode)
	if !isDir(barcodeDir) {
		return "", verdictFailed, fmt.Sprintf("barcode directory %s does not exist", barcodeDir)
	}

	entries, err := os.ReadDir(barcodeDir)
	if err != nil {
		return "", verdictFailed, fmt.Sprintf("failed to read barcode directory %s: %v", barcodeDir, err)
	}

	if len(entries) == 0 {
		return "", verdictFailed, fmt.Sprintf("barcode directory %s is empty", barcodeDir)
	}

	return barcodeDir, verdictPass, ""
}

// latestSubdir returns the most recently modified subdirectory of dir.
func latestSubdir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var (
		latest     string
		latestTime time.Time
	)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if latest == "" || info.ModTime().After(latestTime) {
			latest = filepath.Join(dir, entry.Name())
			latestTime = info.ModTime()
		}
	}

	if latest == "" {
		return "", fmt.Errorf("directory %s has no subdirectories", dir)
	}

	return latest, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.IsDir()
}
