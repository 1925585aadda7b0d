package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/seqpipe-io/seqpipe/internal/config"
	"github.com/seqpipe-io/seqpipe/internal/lims"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

// operator recorded on correction entries written by normalization.
const operator = "system"

// Normalizer turns pulled report files into canonical entities.
//
// Idempotency is ledger-first: a file recorded processed is never read
// again, and re-normalizing records inside the window overlap is absorbed
// by upsert semantics and the run-identity constraint.
type Normalizer struct {
	store  storage.Store
	dir    string
	logger *slog.Logger
}

// NewNormalizer creates the normalization stage over the ingest directory.
func NewNormalizer(store storage.Store, dir string) *Normalizer {
	return &Normalizer{
		store: store,
		dir:   dir,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Run executes one normalization cycle over every report file in the
// ingest directory. Per-file and per-record failures are isolated: a bad
// record marks its file failed (with detail) and the cycle moves on.
func (n *Normalizer) Run(ctx context.Context) error {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return fmt.Errorf("failed to read ingest directory %s: %w", n.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		if err := n.normalizeFile(ctx, entry.Name()); err != nil {
			n.logger.Error("Failed to normalize report file",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// normalizeFile processes one report file end to end.
func (n *Normalizer) normalizeFile(ctx context.Context, fileName string) error {
	// 1. Ledger check: processed files are never read again.
	existing, err := n.store.GetIngestFile(ctx, fileName)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if existing != nil && existing.Status == storage.IngestStatusProcessed {
		return nil
	}

	// 2. Decode the raw report.
	data, err := os.ReadFile(filepath.Join(n.dir, fileName)) //nolint:gosec // path within configured ingest dir
	if err != nil {
		return err
	}

	var records []lims.RunRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return n.store.RecordIngestFile(ctx, &storage.IngestFile{
			FileName: fileName,
			Status:   storage.IngestStatusFailed,
			Detail:   fmt.Sprintf("invalid JSON: %v", err),
		})
	}

	// 3. Normalize records with per-record isolation.
	var failures []string

	for i := range records {
		if err := n.normalizeRecord(ctx, &records[i]); err != nil {
			failures = append(failures, err.Error())

			n.logger.Warn("Skipping record in report file",
				slog.String("file", fileName),
				slog.String("detect_no", records[i].DetectNo),
				slog.String("error", err.Error()),
			)
		}
	}

	// 4. Settle the ledger row.
	status := storage.IngestStatusProcessed
	detail := ""

	if len(failures) > 0 {
		status = storage.IngestStatusFailed
		detail = fmt.Sprintf("%d/%d records failed: %s",
			len(failures), len(records), strings.Join(failures, "; "))
	}

	return n.store.RecordIngestFile(ctx, &storage.IngestFile{
		FileName: fileName,
		Status:   status,
		Detail:   detail,
	})
}

// normalizeRecord upserts the entity chain for one record and writes
// correction entries for every create and change.
func (n *Normalizer) normalizeRecord(ctx context.Context, rec *lims.RunRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	if err := n.upsertProject(ctx, rec); err != nil {
		return err
	}

	if err := n.upsertSample(ctx, rec); err != nil {
		return err
	}

	if err := n.upsertBatch(ctx, rec); err != nil {
		return err
	}

	return n.upsertRun(ctx, rec)
}

func (n *Normalizer) upsertProject(ctx context.Context, rec *lims.RunRecord) error {
	incoming := projectFromRecord(rec)

	existing, err := n.store.GetProject(ctx, incoming.ProjectID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := n.store.SaveProject(ctx, incoming); err != nil {
			return err
		}

		return n.appendCreate(ctx, "projects", incoming.ProjectID)
	}

	if err != nil {
		return err
	}

	changes := projectChanges(existing, incoming)
	if len(changes) == 0 {
		return nil
	}

	if err := n.store.SaveProject(ctx, incoming); err != nil {
		return err
	}

	return n.appendUpdates(ctx, "projects", incoming.ProjectID, changes)
}

func (n *Normalizer) upsertSample(ctx context.Context, rec *lims.RunRecord) error {
	incoming := sampleFromRecord(rec)

	existing, err := n.store.GetSample(ctx, incoming.SampleID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := n.store.SaveSample(ctx, incoming); err != nil {
			return err
		}

		return n.appendCreate(ctx, "samples", incoming.SampleID)
	}

	if err != nil {
		return err
	}

	changes := sampleChanges(existing, incoming)
	if len(changes) == 0 {
		return nil
	}

	if err := n.store.SaveSample(ctx, incoming); err != nil {
		return err
	}

	return n.appendUpdates(ctx, "samples", incoming.SampleID, changes)
}

func (n *Normalizer) upsertBatch(ctx context.Context, rec *lims.RunRecord) error {
	incoming := batchFromRecord(rec)

	existing, err := n.store.GetBatch(ctx, incoming.BatchID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := n.store.SaveBatch(ctx, incoming); err != nil {
			return err
		}

		return n.appendCreate(ctx, "batches", incoming.BatchID)
	}

	if err != nil {
		return err
	}

	changes := batchChanges(existing, incoming)
	if len(changes) == 0 {
		return nil
	}

	if err := n.store.SaveBatch(ctx, incoming); err != nil {
		return err
	}

	return n.appendUpdates(ctx, "batches", incoming.BatchID, changes)
}

// upsertRun inserts the run version history entry for a record.
//
// History is append-only:
//   - no prior version: insert version 1
//   - prior versions + retest record: insert max(version)+1
//   - prior versions + non-retest record: no-op (window overlap re-pull)
func (n *Normalizer) upsertRun(ctx context.Context, rec *lims.RunRecord) error {
	run := runFromRecord(rec, 1)

	versions, err := n.store.FindRunVersions(ctx, run.Key())
	if err != nil {
		return err
	}

	if len(versions) > 0 {
		if run.RunType != storage.RunTypeRetest {
			n.logger.Debug("Run already known, skipping",
				slog.String("detect_no", rec.DetectNo),
			)

			return nil
		}

		latest := versions[len(versions)-1]
		run.Version = latest.Version + 1
	}

	if err := n.store.InsertRun(ctx, run); err != nil {
		// Concurrent normalization of the same record: someone else won.
		if errors.Is(err, storage.ErrDuplicateRun) {
			return nil
		}

		return err
	}

	return n.appendCreate(ctx, "sequence_runs", run.SequenceID)
}

func (n *Normalizer) appendCreate(ctx context.Context, table, recordID string) error {
	return n.store.AppendCorrection(ctx, &storage.Correction{
		CorrectionID: uuid.NewString(),
		TableName:    table,
		RecordID:     recordID,
		Operator:     operator,
		Kind:         storage.CorrectionKindCreate,
	})
}

func (n *Normalizer) appendUpdates(ctx context.Context, table, recordID string, changes []fieldChange) error {
	for _, change := range changes {
		if err := n.store.AppendCorrection(ctx, &storage.Correction{
			CorrectionID: uuid.NewString(),
			TableName:    table,
			RecordID:     recordID,
			FieldName:    change.field,
			OldValue:     change.old,
			NewValue:     change.new,
			Operator:     operator,
			Kind:         storage.CorrectionKindUpdate,
		}); err != nil {
			return err
		}
	}

	return nil
}
