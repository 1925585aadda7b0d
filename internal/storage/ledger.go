package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetIngestFile retrieves a processed-file ledger row. Returns ErrNotFound if absent.
func (s *PipelineStore) GetIngestFile(ctx context.Context, fileName string) (*IngestFile, error) {
	var f IngestFile

	err := s.conn.QueryRowContext(ctx, `
		SELECT file_name, status, detail, created_at
		FROM ingest_files WHERE file_name = $1`, fileName).
		Scan(&f.FileName, &f.Status, &f.Detail, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ingest file %s", ErrNotFound, fileName)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get ingest file %s: %w", fileName, err)
	}

	return &f, nil
}

// RecordIngestFile upserts a ledger row. A file first recorded failed may
// later be recorded processed (retried normalization); a processed row is
// never downgraded.
func (s *PipelineStore) RecordIngestFile(ctx context.Context, file *IngestFile) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO ingest_files (file_name, status, detail)
		VALUES ($1, $2, $3)
		ON CONFLICT (file_name) DO UPDATE SET
			status = EXCLUDED.status,
			detail = EXCLUDED.detail
		WHERE ingest_files.status <> 'processed'`,
		file.FileName, file.Status, file.Detail)
	if err != nil {
		return fmt.Errorf("failed to record ingest file %s: %w", file.FileName, err)
	}

	return nil
}

// ListIngestFilesBefore returns ledger rows with the given status created
// before the cutoff. Used by the retention sweep to find deletable files.
func (s *PipelineStore) ListIngestFilesBefore(
	ctx context.Context,
	status IngestStatus,
	before time.Time,
) ([]*IngestFile, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT file_name, status, detail, created_at
		FROM ingest_files
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at`, status, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingest files: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var files []*IngestFile

	for rows.Next() {
		var f IngestFile
		if err := rows.Scan(&f.FileName, &f.Status, &f.Detail, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ingest file: %w", err)
		}

		files = append(files, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ingest files: %w", err)
	}

	return files, nil
}

// AppendCorrection writes one audit entry. The ledger is append-only:
// there is no update or delete path, and no stage reads it back.
func (s *PipelineStore) AppendCorrection(ctx context.Context, correction *Correction) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO correction_log (correction_id, table_name, record_id, field_name,
		                            old_value, new_value, operator, kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		correction.CorrectionID, correction.TableName, correction.RecordID, correction.FieldName,
		correction.OldValue, correction.NewValue, correction.Operator, correction.Kind)
	if err != nil {
		return fmt.Errorf("failed to append correction for %s/%s: %w",
			correction.TableName, correction.RecordID, err)
	}

	return nil
}

// GetPullWindow returns the last successful pull window end for a lab.
// The second return value is false when the lab has never been pulled.
func (s *PipelineStore) GetPullWindow(ctx context.Context, lab string) (time.Time, bool, error) {
	var windowEnd time.Time

	err := s.conn.QueryRowContext(ctx,
		`SELECT window_end FROM pull_windows WHERE lab = $1`, lab).Scan(&windowEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get pull window for %s: %w", lab, err)
	}

	return windowEnd, true, nil
}

// SavePullWindow records the end of a successful pull for a lab.
func (s *PipelineStore) SavePullWindow(ctx context.Context, lab string, windowEnd time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO pull_windows (lab, window_end)
		VALUES ($1, $2)
		ON CONFLICT (lab) DO UPDATE SET
			window_end = EXCLUDED.window_end,
			updated_at = NOW()`, lab, windowEnd)
	if err != nil {
		return fmt.Errorf("failed to save pull window for %s: %w", lab, err)
	}

	return nil
}
