package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/seqpipe-io/seqpipe/internal/config"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// Compile-time interface assertion.
var _ Store = (*PipelineStore)(nil)

// PipelineStore implements Store with a PostgreSQL backend.
//
// All status transitions are conditional UPDATEs keyed on the expected
// prior status; a zero-row result surfaces ErrStaleTransition so that
// concurrent stages (executor exit vs HTTP callback, overlapping cycles)
// settle races without double transitions.
type PipelineStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPipelineStore creates a PostgreSQL-backed pipeline store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewPipelineStore(conn *Connection) (*PipelineStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PipelineStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is healthy and ready to serve requests.
func (s *PipelineStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// GetProject retrieves a project by ID. Returns ErrNotFound if absent.
func (s *PipelineStore) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project

	err := s.conn.QueryRowContext(ctx, `
		SELECT project_id, customer_name, contact_name, contact_phone, remarks, created_at, updated_at
		FROM projects WHERE project_id = $1`, projectID).
		Scan(&p.ProjectID, &p.CustomerName, &p.ContactName, &p.ContactPhone, &p.Remarks, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", projectID, err)
	}

	return &p, nil
}

// SaveProject inserts or updates a project. Only mutable (contact) fields
// are updated on conflict; identity fields stay as first written.
func (s *PipelineStore) SaveProject(ctx context.Context, project *Project) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO projects (project_id, customer_name, contact_name, contact_phone, remarks)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id) DO UPDATE SET
			contact_name  = EXCLUDED.contact_name,
			contact_phone = EXCLUDED.contact_phone,
			remarks       = EXCLUDED.remarks,
			updated_at    = NOW()`,
		project.ProjectID, project.CustomerName, project.ContactName, project.ContactPhone, project.Remarks)
	if err != nil {
		return fmt.Errorf("failed to save project %s: %w", project.ProjectID, err)
	}

	return nil
}

// GetSample retrieves a sample by ID. Returns ErrNotFound if absent.
func (s *PipelineStore) GetSample(ctx context.Context, sampleID string) (*Sample, error) {
	var m Sample

	err := s.conn.QueryRowContext(ctx, `
		SELECT sample_id, project_id, sample_name, sample_type, analysis_type, species_name,
		       genome_size, reference_seq, plasmid_length, sample_length, created_at, updated_at
		FROM samples WHERE sample_id = $1`, sampleID).
		Scan(&m.SampleID, &m.ProjectID, &m.SampleName, &m.SampleType, &m.AnalysisType, &m.SpeciesName,
			&m.GenomeSize, &m.ReferenceSeq, &m.PlasmidLength, &m.SampleLength, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sample %s", ErrNotFound, sampleID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get sample %s: %w", sampleID, err)
	}

	return &m, nil
}

// SaveSample inserts or updates a sample.
func (s *PipelineStore) SaveSample(ctx context.Context, sample *Sample) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO samples (sample_id, project_id, sample_name, sample_type, analysis_type,
		                     species_name, genome_size, reference_seq, plasmid_length, sample_length)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sample_id) DO UPDATE SET
			sample_name    = EXCLUDED.sample_name,
			sample_type    = EXCLUDED.sample_type,
			species_name   = EXCLUDED.species_name,
			genome_size    = EXCLUDED.genome_size,
			reference_seq  = EXCLUDED.reference_seq,
			plasmid_length = EXCLUDED.plasmid_length,
			sample_length  = EXCLUDED.sample_length,
			updated_at     = NOW()`,
		sample.SampleID, sample.ProjectID, sample.SampleName, sample.SampleType, sample.AnalysisType,
		sample.SpeciesName, sample.GenomeSize, sample.ReferenceSeq, sample.PlasmidLength, sample.SampleLength)
	if err != nil {
		return fmt.Errorf("failed to save sample %s: %w", sample.SampleID, err)
	}

	return nil
}

// GetBatch retrieves a batch by ID. Returns ErrNotFound if absent.
func (s *PipelineStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var b Batch

	err := s.conn.QueryRowContext(ctx, `
		SELECT batch_id, sequencer_id, laboratory, created_at, updated_at
		FROM batches WHERE batch_id = $1`, batchID).
		Scan(&b.BatchID, &b.SequencerID, &b.Laboratory, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}

	return &b, nil
}

// SaveBatch inserts or updates a batch.
func (s *PipelineStore) SaveBatch(ctx context.Context, batch *Batch) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO batches (batch_id, sequencer_id, laboratory)
		VALUES ($1, $2, $3)
		ON CONFLICT (batch_id) DO UPDATE SET
			sequencer_id = EXCLUDED.sequencer_id,
			laboratory   = EXCLUDED.laboratory,
			updated_at   = NOW()`,
		batch.BatchID, batch.SequencerID, batch.Laboratory)
	if err != nil {
		return fmt.Errorf("failed to save batch %s: %w", batch.BatchID, err)
	}

	return nil
}

const runColumns = `
	sequence_id, sample_id, batch_id, analysis_type, barcode, version, run_type,
	data_status, process_status, raw_data_path, report_path, invalid_reason,
	parameters, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*SequenceRun, error) {
	var (
		r      SequenceRun
		params []byte
	)

	err := row.Scan(&r.SequenceID, &r.SampleID, &r.BatchID, &r.AnalysisType, &r.Barcode,
		&r.Version, &r.RunType, &r.DataStatus, &r.ProcessStatus, &r.RawDataPath,
		&r.ReportPath, &r.InvalidReason, &params, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode run parameters for %s: %w", r.SequenceID, err)
		}
	}

	return &r, nil
}

// GetRun retrieves a sequence run by sequence ID. Returns ErrNotFound if absent.
func (s *PipelineStore) GetRun(ctx context.Context, sequenceID string) (*SequenceRun, error) {
	run, err := scanRun(s.conn.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM sequence_runs WHERE sequence_id = $1`, sequenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sequence run %s", ErrNotFound, sequenceID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get sequence run %s: %w", sequenceID, err)
	}

	return run, nil
}

// FindRunVersions returns all versions of a logical run, oldest first.
func (s *PipelineStore) FindRunVersions(ctx context.Context, key RunKey) ([]*SequenceRun, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+runColumns+` FROM sequence_runs
		WHERE sample_id = $1 AND batch_id = $2 AND analysis_type = $3 AND barcode = $4
		ORDER BY version`, key.SampleID, key.BatchID, key.AnalysisType, key.Barcode)
	if err != nil {
		return nil, fmt.Errorf("failed to query run versions: %w", err)
	}

	return collectRuns(rows)
}

// InsertRun inserts a new sequence run version.
// Returns ErrDuplicateRun on identity-constraint violation.
func (s *PipelineStore) InsertRun(ctx context.Context, run *SequenceRun) error {
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode run parameters: %w", err)
	}

	if run.Parameters == nil {
		params = []byte("{}")
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO sequence_runs (sequence_id, sample_id, batch_id, analysis_type, barcode,
		                           version, run_type, data_status, process_status,
		                           raw_data_path, report_path, invalid_reason, parameters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.SequenceID, run.SampleID, run.BatchID, run.AnalysisType, run.Barcode,
		run.Version, run.RunType, run.DataStatus, run.ProcessStatus,
		run.RawDataPath, run.ReportPath, run.InvalidReason, params)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateRun, run.SequenceID)
		}

		return fmt.Errorf("failed to insert sequence run %s: %w", run.SequenceID, err)
	}

	return nil
}

// ListRunsByDataStatus returns runs in the given data status, oldest first.
func (s *PipelineStore) ListRunsByDataStatus(ctx context.Context, status DataStatus) ([]*SequenceRun, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sequence_runs WHERE data_status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs by data status: %w", err)
	}

	return collectRuns(rows)
}

// SettleValidation moves a pending run to valid or invalid exactly once.
//
// The UPDATE is conditional on data_status = 'pending', making the
// transition one-way regardless of how many validation cycles observe the
// run. Returns ErrStaleTransition if the run was already settled and
// ErrInvalidStatusTransition if the target status is not terminal.
func (s *PipelineStore) SettleValidation(
	ctx context.Context,
	sequenceID string,
	to DataStatus,
	rawDataPath, reason string,
) error {
	if err := ValidateDataTransition(DataStatusPending, to); err != nil {
		return err
	}

	result, err := s.conn.ExecContext(ctx, `
		UPDATE sequence_runs
		SET data_status = $2,
		    raw_data_path = CASE WHEN $2 = 'valid' THEN $3 ELSE raw_data_path END,
		    invalid_reason = $4,
		    updated_at = NOW()
		WHERE sequence_id = $1 AND data_status = 'pending'`,
		sequenceID, to, rawDataPath, reason)
	if err != nil {
		return fmt.Errorf("failed to settle validation for %s: %w", sequenceID, err)
	}

	return requireOneRow(result, sequenceID)
}

// SetRunReportPath records the engine-produced report location for a run.
// Returns ErrNotFound if the run does not exist.
func (s *PipelineStore) SetRunReportPath(ctx context.Context, sequenceID, reportPath string) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE sequence_runs SET report_path = $2, updated_at = NOW()
		WHERE sequence_id = $1`, sequenceID, reportPath)
	if err != nil {
		return fmt.Errorf("failed to set report path for %s: %w", sequenceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for %s: %w", sequenceID, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: sequence run %s", ErrNotFound, sequenceID)
	}

	return nil
}

// ListEligibleRuns returns runs that are valid and not yet consumed by a
// task, ordered for deterministic grouping snapshots.
func (s *PipelineStore) ListEligibleRuns(ctx context.Context) ([]*SequenceRun, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+runColumns+` FROM sequence_runs
		WHERE data_status = 'valid' AND process_status = 'no'
		ORDER BY sample_id, sequence_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible runs: %w", err)
	}

	return collectRuns(rows)
}

// MarkRunsProcessed flips process_status to yes for the given runs.
func (s *PipelineStore) MarkRunsProcessed(ctx context.Context, sequenceIDs []string) error {
	if len(sequenceIDs) == 0 {
		return nil
	}

	_, err := s.conn.ExecContext(ctx, `
		UPDATE sequence_runs SET process_status = 'yes', updated_at = NOW()
		WHERE sequence_id = ANY($1)`, pq.Array(sequenceIDs))
	if err != nil {
		return fmt.Errorf("failed to mark runs processed: %w", err)
	}

	return nil
}

// ListStalePending returns runs still pending validation that were created
// before the cutoff.
func (s *PipelineStore) ListStalePending(ctx context.Context, before time.Time) ([]*SequenceRun, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+runColumns+` FROM sequence_runs
		WHERE data_status = 'pending' AND created_at < $1
		ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale pending runs: %w", err)
	}

	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*SequenceRun, error) {
	defer func() {
		_ = rows.Close()
	}()

	var runs []*SequenceRun

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sequence runs: %w", err)
	}

	return runs, nil
}

const taskColumns = `
	task_id, project_id, analysis_type, member_ids, analysis_status, retry_count,
	work_dir, reason, started_at, finished_at, delivered_at, delivered_members,
	created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*AnalysisTask, error) {
	var (
		t         AnalysisTask
		members   []byte
		delivered []byte
	)

	err := row.Scan(&t.TaskID, &t.ProjectID, &t.AnalysisType, &members, &t.Status, &t.RetryCount,
		&t.WorkDir, &t.Reason, &t.StartedAt, &t.FinishedAt, &t.DeliveredAt, &delivered,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(members) > 0 {
		if err := json.Unmarshal(members, &t.MemberIDs); err != nil {
			return nil, fmt.Errorf("failed to decode task members for %s: %w", t.TaskID, err)
		}
	}

	if len(delivered) > 0 {
		if err := json.Unmarshal(delivered, &t.DeliveredMembers); err != nil {
			return nil, fmt.Errorf("failed to decode delivered members for %s: %w", t.TaskID, err)
		}
	}

	return &t, nil
}

// CreateTask inserts a new analysis task in pending status.
// Returns ErrLiveTaskExists if a non-terminal task already exists for the
// same (project, analysis type); the partial unique index enforces this
// under concurrent grouping cycles.
func (s *PipelineStore) CreateTask(ctx context.Context, task *AnalysisTask) error {
	members, err := json.Marshal(task.MemberIDs)
	if err != nil {
		return fmt.Errorf("failed to encode task members: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO analysis_tasks (task_id, project_id, analysis_type, member_ids,
		                            analysis_status, retry_count, work_dir, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.TaskID, task.ProjectID, task.AnalysisType, members,
		task.Status, task.RetryCount, task.WorkDir, task.Reason)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: project %s, analysis type %s",
				ErrLiveTaskExists, task.ProjectID, task.AnalysisType)
		}

		return fmt.Errorf("failed to create task %s: %w", task.TaskID, err)
	}

	return nil
}

// DeletePendingTask removes a task that never left pending, freeing its
// grouping key. The DELETE is conditional on the pending status so a task
// an executor claimed in the meantime survives.
func (s *PipelineStore) DeletePendingTask(ctx context.Context, taskID string) error {
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM analysis_tasks
		WHERE task_id = $1 AND analysis_status = 'pending'`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete pending task %s: %w", taskID, err)
	}

	return requireOneRow(result, taskID)
}

// GetTask retrieves an analysis task by ID. Returns ErrNotFound if absent.
func (s *PipelineStore) GetTask(ctx context.Context, taskID string) (*AnalysisTask, error) {
	task, err := scanTask(s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM analysis_tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}

	return task, nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *PipelineStore) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*AnalysisTask, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM analysis_tasks WHERE analysis_status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", err)
	}

	return collectTasks(rows)
}

// TransitionTask applies a conditional status transition with optional
// field updates. First caller wins; losers get ErrStaleTransition.
func (s *PipelineStore) TransitionTask(
	ctx context.Context,
	taskID string,
	from, to TaskStatus,
	update TaskUpdate,
) error {
	if err := ValidateTaskTransition(from, to); err != nil {
		return err
	}

	retryDelta := 0
	if update.IncrementRetry {
		retryDelta = 1
	}

	result, err := s.conn.ExecContext(ctx, `
		UPDATE analysis_tasks
		SET analysis_status = $3,
		    retry_count = retry_count + $4,
		    reason      = COALESCE($5, reason),
		    work_dir    = COALESCE($6, work_dir),
		    started_at  = COALESCE($7, started_at),
		    finished_at = COALESCE($8, finished_at),
		    updated_at  = NOW()
		WHERE task_id = $1 AND analysis_status = $2`,
		taskID, from, to, retryDelta,
		update.Reason, update.WorkDir, update.StartedAt, update.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to transition task %s: %w", taskID, err)
	}

	return requireOneRow(result, taskID)
}

// ListUndeliveredTasks returns terminal tasks whose outcome has not yet
// been pushed back to the LIMS.
func (s *PipelineStore) ListUndeliveredTasks(ctx context.Context) ([]*AnalysisTask, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM analysis_tasks
		WHERE analysis_status IN ('completed', 'failed') AND delivered_at IS NULL
		ORDER BY finished_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered tasks: %w", err)
	}

	return collectTasks(rows)
}

// MarkTaskDelivered records a successful outcome push.
func (s *PipelineStore) MarkTaskDelivered(ctx context.Context, taskID string, at time.Time) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE analysis_tasks SET delivered_at = $2, updated_at = NOW()
		WHERE task_id = $1 AND delivered_at IS NULL`, taskID, at)
	if err != nil {
		return fmt.Errorf("failed to mark task %s delivered: %w", taskID, err)
	}

	return requireOneRow(result, taskID)
}

// MarkMembersDelivered merges accepted members into the task's delivered
// set. The jsonb concat plus DISTINCT aggregation absorbs duplicates from
// overlapping push cycles.
func (s *PipelineStore) MarkMembersDelivered(ctx context.Context, taskID string, memberIDs []string) error {
	if len(memberIDs) == 0 {
		return nil
	}

	accepted, err := json.Marshal(memberIDs)
	if err != nil {
		return fmt.Errorf("failed to encode delivered members: %w", err)
	}

	result, err := s.conn.ExecContext(ctx, `
		UPDATE analysis_tasks
		SET delivered_members = (
		        SELECT COALESCE(jsonb_agg(DISTINCT member), '[]'::jsonb)
		        FROM jsonb_array_elements_text(delivered_members || $2::jsonb) AS member
		    ),
		    updated_at = NOW()
		WHERE task_id = $1`, taskID, accepted)
	if err != nil {
		return fmt.Errorf("failed to mark members delivered for %s: %w", taskID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}

	return nil
}

func collectTasks(rows *sql.Rows) ([]*AnalysisTask, error) {
	defer func() {
		_ = rows.Close()
	}()

	var tasks []*AnalysisTask

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

// requireOneRow converts a zero-row conditional update into ErrStaleTransition.
func requireOneRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrStaleTransition, id)
	}

	return nil
}
