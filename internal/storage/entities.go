// Package storage provides data storage interfaces and domain types for the seqpipe pipeline.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStaleTransition is returned when a conditional status update matched
	// zero rows: another actor already moved the record past the expected
	// status. Callers treat this as "lost the race", not as corruption.
	ErrStaleTransition = errors.New("stale status transition")

	// ErrDuplicateRun is returned when inserting a sequence run that violates
	// the (sample, batch, analysis type, barcode, version) uniqueness.
	ErrDuplicateRun = errors.New("duplicate sequence run version")

	// ErrLiveTaskExists is returned when creating a task while another
	// non-terminal task exists for the same (project, analysis type).
	ErrLiveTaskExists = errors.New("live analysis task already exists for grouping key")

	// ErrInvalidStatusTransition is returned for transitions the status
	// machine forbids (e.g. leaving a settled data status).
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// DataStatus tracks raw-data validation of a sequence run version.
// It moves exactly once: pending -> valid or pending -> invalid.
type DataStatus string

// RunType distinguishes why a sequence run was produced.
type RunType string

// ProcessStatus records whether a run version has been consumed by a task.
type ProcessStatus string

// TaskStatus tracks the lifecycle of an analysis task.
type TaskStatus string

// IngestStatus records the outcome of normalizing one report file.
type IngestStatus string

// CorrectionKind classifies a correction ledger entry.
type CorrectionKind string

const (
	DataStatusPending DataStatus = "pending"
	DataStatusValid   DataStatus = "valid"
	DataStatusInvalid DataStatus = "invalid"

	RunTypeInitial    RunType = "initial"
	RunTypeSupplement RunType = "supplement"
	RunTypeRetest     RunType = "retest"

	ProcessStatusNo  ProcessStatus = "no"
	ProcessStatusYes ProcessStatus = "yes"

	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"

	IngestStatusProcessed IngestStatus = "processed"
	IngestStatusFailed    IngestStatus = "failed"

	CorrectionKindCreate CorrectionKind = "create"
	CorrectionKindUpdate CorrectionKind = "update"
	CorrectionKindStatus CorrectionKind = "status"
	CorrectionKindDelete CorrectionKind = "delete"
)

// IsTerminal reports whether a data status is settled.
func (s DataStatus) IsTerminal() bool {
	return s == DataStatusValid || s == DataStatusInvalid
}

// IsTerminal reports whether a task status is terminal.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ValidateDataTransition checks a data-status transition against the
// one-way state machine. Settled statuses never move again; a retest is a
// new version row, not a transition.
func ValidateDataTransition(from, to DataStatus) error {
	if from == DataStatusPending && to.IsTerminal() {
		return nil
	}

	return fmt.Errorf("%w: data status %s -> %s", ErrInvalidStatusTransition, from, to)
}

// ValidateTaskTransition checks a task-status transition.
//
// Allowed:
//   - pending -> running  (executor claim)
//   - running -> completed / failed (settle)
//   - failed  -> pending  (retry re-queue below the retry ceiling)
func ValidateTaskTransition(from, to TaskStatus) error {
	switch {
	case from == TaskStatusPending && to == TaskStatusRunning:
		return nil
	case from == TaskStatusRunning && to.IsTerminal():
		return nil
	case from == TaskStatusFailed && to == TaskStatusPending:
		return nil
	}

	return fmt.Errorf("%w: task status %s -> %s", ErrInvalidStatusTransition, from, to)
}

type (
	// Project is the top-level customer engagement. Identity fields are
	// immutable; contact fields may be corrected by later syncs.
	Project struct {
		ProjectID    string
		CustomerName string
		ContactName  string
		ContactPhone string
		Remarks      string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// Sample is the physical material being sequenced.
	Sample struct {
		SampleID      string
		ProjectID     string
		SampleName    string
		SampleType    string
		AnalysisType  string
		SpeciesName   string
		GenomeSize    string
		ReferenceSeq  string
		PlasmidLength string
		SampleLength  string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// Batch is one sequencing instrument load.
	Batch struct {
		BatchID     string
		SequencerID string
		Laboratory  string
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// SequenceRun is one versioned attempt at sequencing a sample within a
	// batch. Versions are append-only: a retest inserts max(version)+1.
	SequenceRun struct {
		SequenceID    string
		SampleID      string
		BatchID       string
		AnalysisType  string
		Barcode       string
		Version       int
		RunType       RunType
		DataStatus    DataStatus
		ProcessStatus ProcessStatus
		RawDataPath   string
		ReportPath    string
		InvalidReason string
		Parameters    map[string]string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// RunKey identifies a logical run across versions.
	RunKey struct {
		SampleID     string
		BatchID      string
		AnalysisType string
		Barcode      string
	}

	// AnalysisTask groups eligible run versions of one (project, analysis
	// type) into a unit of workflow-engine execution.
	AnalysisTask struct {
		TaskID       string
		ProjectID    string
		AnalysisType string
		MemberIDs    []string
		Status       TaskStatus
		RetryCount   int
		WorkDir      string
		Reason       string
		StartedAt    *time.Time
		FinishedAt   *time.Time
		DeliveredAt  *time.Time
		// DeliveredMembers lists the members the LIMS has accepted so
		// far. Acceptances survive a partially failed upload, so only
		// the rest is re-pushed.
		DeliveredMembers []string
		CreatedAt        time.Time
		UpdatedAt        time.Time
	}

	// TaskUpdate carries the optional field changes applied together with a
	// task status transition. Nil pointers leave the column untouched.
	TaskUpdate struct {
		Reason         *string
		WorkDir        *string
		StartedAt      *time.Time
		FinishedAt     *time.Time
		IncrementRetry bool
	}

	// IngestFile is one row of the processed-file ledger.
	IngestFile struct {
		FileName  string
		Status    IngestStatus
		Detail    string
		CreatedAt time.Time
	}

	// Correction is one append-only audit entry.
	Correction struct {
		CorrectionID string
		TableName    string
		RecordID     string
		FieldName    string
		OldValue     string
		NewValue     string
		Operator     string
		Kind         CorrectionKind
		CreatedAt    time.Time
	}
)

// Key returns the logical run key of a sequence run.
func (r *SequenceRun) Key() RunKey {
	return RunKey{
		SampleID:     r.SampleID,
		BatchID:      r.BatchID,
		AnalysisType: r.AnalysisType,
		Barcode:      r.Barcode,
	}
}

// Store is the persistence contract shared by every pipeline stage.
// Implemented by PipelineStore (PostgreSQL) and MemoryStore (unit tests).
type Store interface {
	// Entities (upsert semantics, keyed by natural ID).
	GetProject(ctx context.Context, projectID string) (*Project, error)
	SaveProject(ctx context.Context, project *Project) error
	GetSample(ctx context.Context, sampleID string) (*Sample, error)
	SaveSample(ctx context.Context, sample *Sample) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	SaveBatch(ctx context.Context, batch *Batch) error

	// Sequence runs.
	GetRun(ctx context.Context, sequenceID string) (*SequenceRun, error)
	FindRunVersions(ctx context.Context, key RunKey) ([]*SequenceRun, error)
	InsertRun(ctx context.Context, run *SequenceRun) error
	ListRunsByDataStatus(ctx context.Context, status DataStatus) ([]*SequenceRun, error)
	// SettleValidation moves a pending run to valid or invalid exactly once.
	// rawDataPath replaces the stored path on valid; reason is recorded on invalid.
	SettleValidation(ctx context.Context, sequenceID string, to DataStatus, rawDataPath, reason string) error
	ListEligibleRuns(ctx context.Context) ([]*SequenceRun, error)
	MarkRunsProcessed(ctx context.Context, sequenceIDs []string) error
	ListStalePending(ctx context.Context, before time.Time) ([]*SequenceRun, error)
	// SetRunReportPath records the analysis report location the engine
	// produced for one run, later pushed back to the LIMS.
	SetRunReportPath(ctx context.Context, sequenceID, reportPath string) error

	// Analysis tasks.
	CreateTask(ctx context.Context, task *AnalysisTask) error
	// DeletePendingTask removes a task that never left pending, freeing
	// its grouping key. Returns ErrStaleTransition when the task has
	// already been claimed or is gone.
	DeletePendingTask(ctx context.Context, taskID string) error
	GetTask(ctx context.Context, taskID string) (*AnalysisTask, error)
	ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*AnalysisTask, error)
	TransitionTask(ctx context.Context, taskID string, from, to TaskStatus, update TaskUpdate) error
	ListUndeliveredTasks(ctx context.Context) ([]*AnalysisTask, error)
	MarkTaskDelivered(ctx context.Context, taskID string, at time.Time) error
	// MarkMembersDelivered records members the LIMS accepted. The set
	// only grows; duplicates are absorbed.
	MarkMembersDelivered(ctx context.Context, taskID string, memberIDs []string) error

	// Processed-file ledger.
	GetIngestFile(ctx context.Context, fileName string) (*IngestFile, error)
	RecordIngestFile(ctx context.Context, file *IngestFile) error
	ListIngestFilesBefore(ctx context.Context, status IngestStatus, before time.Time) ([]*IngestFile, error)

	// Correction ledger (append-only).
	AppendCorrection(ctx context.Context, correction *Correction) error

	// Pull windows.
	GetPullWindow(ctx context.Context, lab string) (time.Time, bool, error)
	SavePullWindow(ctx context.Context, lab string, windowEnd time.Time) error

	HealthCheck(ctx context.Context) error
}
