package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with mutex-protected maps.
//
// Used by unit tests across all pipeline stages so stage logic can be
// exercised without PostgreSQL. Semantics mirror PipelineStore, including
// conditional transitions and the single-live-task constraint.
type MemoryStore struct {
	mu sync.RWMutex

	projects    map[string]*Project
	samples     map[string]*Sample
	batches     map[string]*Batch
	runs        map[string]*SequenceRun
	tasks       map[string]*AnalysisTask
	ingestFiles map[string]*IngestFile
	corrections []*Correction
	pullWindows map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:    make(map[string]*Project),
		samples:     make(map[string]*Sample),
		batches:     make(map[string]*Batch),
		runs:        make(map[string]*SequenceRun),
		tasks:       make(map[string]*AnalysisTask),
		ingestFiles: make(map[string]*IngestFile),
		pullWindows: make(map[string]time.Time),
	}
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// GetProject retrieves a project by ID.
func (s *MemoryStore) GetProject(_ context.Context, projectID string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}

	clone := *p

	return &clone, nil
}

// SaveProject inserts or updates a project.
func (s *MemoryStore) SaveProject(_ context.Context, project *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *project
	now := time.Now()

	if existing, ok := s.projects[project.ProjectID]; ok {
		// Identity fields stay as first written.
		clone.CustomerName = existing.CustomerName
		clone.CreatedAt = existing.CreatedAt
	} else {
		clone.CreatedAt = now
	}

	clone.UpdatedAt = now
	s.projects[project.ProjectID] = &clone

	return nil
}

// GetSample retrieves a sample by ID.
func (s *MemoryStore) GetSample(_ context.Context, sampleID string) (*Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.samples[sampleID]
	if !ok {
		return nil, fmt.Errorf("%w: sample %s", ErrNotFound, sampleID)
	}

	clone := *m

	return &clone, nil
}

// SaveSample inserts or updates a sample.
func (s *MemoryStore) SaveSample(_ context.Context, sample *Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *sample
	now := time.Now()

	if existing, ok := s.samples[sample.SampleID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else {
		clone.CreatedAt = now
	}

	clone.UpdatedAt = now
	s.samples[sample.SampleID] = &clone

	return nil
}

// GetBatch retrieves a batch by ID.
func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}

	clone := *b

	return &clone, nil
}

// SaveBatch inserts or updates a batch.
func (s *MemoryStore) SaveBatch(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *batch
	now := time.Now()

	if existing, ok := s.batches[batch.BatchID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else {
		clone.CreatedAt = now
	}

	clone.UpdatedAt = now
	s.batches[batch.BatchID] = &clone

	return nil
}

// GetRun retrieves a sequence run by sequence ID.
func (s *MemoryStore) GetRun(_ context.Context, sequenceID string) (*SequenceRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[sequenceID]
	if !ok {
		return nil, fmt.Errorf("%w: sequence run %s", ErrNotFound, sequenceID)
	}

	return cloneRun(r), nil
}

// FindRunVersions returns all versions of a logical run, oldest first.
func (s *MemoryStore) FindRunVersions(_ context.Context, key RunKey) ([]*SequenceRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var versions []*SequenceRun

	for _, r := range s.runs {
		if r.Key() == key {
			versions = append(versions, cloneRun(r))
		}
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})

	return versions, nil
}

// InsertRun inserts a new sequence run version.
func (s *MemoryStore) InsertRun(_ context.Context, run *SequenceRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.SequenceID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.SequenceID)
	}

	for _, existing := range s.runs {
		if existing.Key() == run.Key() && existing.Version == run.Version {
			return fmt.Errorf("%w: %s", ErrDuplicateRun, run.SequenceID)
		}
	}

	clone := cloneRun(run)
	now := time.Now()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.runs[run.SequenceID] = clone

	return nil
}

// ListRunsByDataStatus returns runs in the given data status, oldest first.
func (s *MemoryStore) ListRunsByDataStatus(_ context.Context, status DataStatus) ([]*SequenceRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*SequenceRun

	for _, r := range s.runs {
		if r.DataStatus == status {
			runs = append(runs, cloneRun(r))
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})

	return runs, nil
}

// SettleValidation moves a pending run to valid or invalid exactly once.
func (s *MemoryStore) SettleValidation(
	_ context.Context,
	sequenceID string,
	to DataStatus,
	rawDataPath, reason string,
) error {
	if err := ValidateDataTransition(DataStatusPending, to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[sequenceID]
	if !ok || r.DataStatus != DataStatusPending {
		return fmt.Errorf("%w: %s", ErrStaleTransition, sequenceID)
	}

	r.DataStatus = to
	if to == DataStatusValid {
		r.RawDataPath = rawDataPath
	}

	r.InvalidReason = reason
	r.UpdatedAt = time.Now()

	return nil
}

// SetRunReportPath records the engine-produced report location for a run.
func (s *MemoryStore) SetRunReportPath(_ context.Context, sequenceID, reportPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[sequenceID]
	if !ok {
		return fmt.Errorf("%w: sequence run %s", ErrNotFound, sequenceID)
	}

	r.ReportPath = reportPath
	r.UpdatedAt = time.Now()

	return nil
}

// ListEligibleRuns returns valid, unconsumed runs ordered for deterministic snapshots.
func (s *MemoryStore) ListEligibleRuns(_ context.Context) ([]*SequenceRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*SequenceRun

	for _, r := range s.runs {
		if r.DataStatus == DataStatusValid && r.ProcessStatus == ProcessStatusNo {
			runs = append(runs, cloneRun(r))
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].SampleID != runs[j].SampleID {
			return runs[i].SampleID < runs[j].SampleID
		}

		return runs[i].SequenceID < runs[j].SequenceID
	})

	return runs, nil
}

// MarkRunsProcessed flips process_status to yes for the given runs.
func (s *MemoryStore) MarkRunsProcessed(_ context.Context, sequenceIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range sequenceIDs {
		if r, ok := s.runs[id]; ok {
			r.ProcessStatus = ProcessStatusYes
			r.UpdatedAt = time.Now()
		}
	}

	return nil
}

// ListStalePending returns pending runs created before the cutoff.
func (s *MemoryStore) ListStalePending(_ context.Context, before time.Time) ([]*SequenceRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*SequenceRun

	for _, r := range s.runs {
		if r.DataStatus == DataStatusPending && r.CreatedAt.Before(before) {
			runs = append(runs, cloneRun(r))
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})

	return runs, nil
}

// CreateTask inserts a new analysis task in pending status.
func (s *MemoryStore) CreateTask(_ context.Context, task *AnalysisTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tasks {
		if existing.ProjectID == task.ProjectID &&
			existing.AnalysisType == task.AnalysisType &&
			!existing.Status.IsTerminal() {
			return fmt.Errorf("%w: project %s, analysis type %s",
				ErrLiveTaskExists, task.ProjectID, task.AnalysisType)
		}
	}

	clone := cloneTask(task)
	now := time.Now()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.tasks[task.TaskID] = clone

	return nil
}

// DeletePendingTask removes a task that never left pending.
func (s *MemoryStore) DeletePendingTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != TaskStatusPending {
		return fmt.Errorf("%w: %s", ErrStaleTransition, taskID)
	}

	delete(s.tasks, taskID)

	return nil
}

// GetTask retrieves an analysis task by ID.
func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*AnalysisTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}

	return cloneTask(t), nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *MemoryStore) ListTasksByStatus(_ context.Context, status TaskStatus) ([]*AnalysisTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*AnalysisTask

	for _, t := range s.tasks {
		if t.Status == status {
			tasks = append(tasks, cloneTask(t))
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return tasks, nil
}

// TransitionTask applies a conditional status transition with optional field updates.
func (s *MemoryStore) TransitionTask(
	_ context.Context,
	taskID string,
	from, to TaskStatus,
	update TaskUpdate,
) error {
	if err := ValidateTaskTransition(from, to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != from {
		return fmt.Errorf("%w: %s", ErrStaleTransition, taskID)
	}

	t.Status = to

	if update.IncrementRetry {
		t.RetryCount++
	}

	if update.Reason != nil {
		t.Reason = *update.Reason
	}

	if update.WorkDir != nil {
		t.WorkDir = *update.WorkDir
	}

	if update.StartedAt != nil {
		t.StartedAt = update.StartedAt
	}

	if update.FinishedAt != nil {
		t.FinishedAt = update.FinishedAt
	}

	t.UpdatedAt = time.Now()

	return nil
}

// ListUndeliveredTasks returns terminal tasks not yet pushed back to the LIMS.
func (s *MemoryStore) ListUndeliveredTasks(_ context.Context) ([]*AnalysisTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*AnalysisTask

	for _, t := range s.tasks {
		if t.Status.IsTerminal() && t.DeliveredAt == nil {
			tasks = append(tasks, cloneTask(t))
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return tasks, nil
}

// MarkTaskDelivered records a successful outcome push.
func (s *MemoryStore) MarkTaskDelivered(_ context.Context, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.DeliveredAt != nil {
		return fmt.Errorf("%w: %s", ErrStaleTransition, taskID)
	}

	delivered := at
	t.DeliveredAt = &delivered
	t.UpdatedAt = time.Now()

	return nil
}

// MarkMembersDelivered records members the LIMS accepted. Acceptances are
// final: the set only grows.
func (s *MemoryStore) MarkMembersDelivered(_ context.Context, taskID string, memberIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}

	seen := make(map[string]struct{}, len(t.DeliveredMembers))
	for _, id := range t.DeliveredMembers {
		seen[id] = struct{}{}
	}

	for _, id := range memberIDs {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		t.DeliveredMembers = append(t.DeliveredMembers, id)
	}

	t.UpdatedAt = time.Now()

	return nil
}

// GetIngestFile retrieves a processed-file ledger row.
func (s *MemoryStore) GetIngestFile(_ context.Context, fileName string) (*IngestFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.ingestFiles[fileName]
	if !ok {
		return nil, fmt.Errorf("%w: ingest file %s", ErrNotFound, fileName)
	}

	clone := *f

	return &clone, nil
}

// RecordIngestFile upserts a ledger row; processed rows are never downgraded.
func (s *MemoryStore) RecordIngestFile(_ context.Context, file *IngestFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ingestFiles[file.FileName]; ok {
		if existing.Status == IngestStatusProcessed {
			return nil
		}

		existing.Status = file.Status
		existing.Detail = file.Detail

		return nil
	}

	clone := *file
	clone.CreatedAt = time.Now()
	s.ingestFiles[file.FileName] = &clone

	return nil
}

// ListIngestFilesBefore returns ledger rows with the given status created before the cutoff.
func (s *MemoryStore) ListIngestFilesBefore(
	_ context.Context,
	status IngestStatus,
	before time.Time,
) ([]*IngestFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var files []*IngestFile

	for _, f := range s.ingestFiles {
		if f.Status == status && f.CreatedAt.Before(before) {
			clone := *f
			files = append(files, &clone)
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})

	return files, nil
}

// AppendCorrection writes one audit entry.
func (s *MemoryStore) AppendCorrection(_ context.Context, correction *Correction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *correction
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}

	s.corrections = append(s.corrections, &clone)

	return nil
}

// Corrections returns a copy of all audit entries, used by tests to assert
// the ledger contents.
func (s *MemoryStore) Corrections() []*Correction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Correction, 0, len(s.corrections))

	for _, c := range s.corrections {
		clone := *c
		out = append(out, &clone)
	}

	return out
}

// GetPullWindow returns the last successful pull window end for a lab.
func (s *MemoryStore) GetPullWindow(_ context.Context, lab string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	end, ok := s.pullWindows[lab]

	return end, ok, nil
}

// SavePullWindow records the end of a successful pull for a lab.
func (s *MemoryStore) SavePullWindow(_ context.Context, lab string, windowEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pullWindows[lab] = windowEnd

	return nil
}

// SeedRun inserts a run preserving its timestamps, used by tests to build
// precise fixtures (e.g. stale pending runs).
func (s *MemoryStore) SeedRun(run *SequenceRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.SequenceID] = cloneRun(run)
}

// SeedIngestFile inserts a ledger row preserving its timestamps, used by
// tests to build aged fixtures for the retention sweep.
func (s *MemoryStore) SeedIngestFile(file *IngestFile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *file
	s.ingestFiles[file.FileName] = &clone
}

func cloneRun(r *SequenceRun) *SequenceRun {
	clone := *r

	if r.Parameters != nil {
		clone.Parameters = make(map[string]string, len(r.Parameters))
		for k, v := range r.Parameters {
			clone.Parameters[k] = v
		}
	}

	return &clone
}

func cloneTask(t *AnalysisTask) *AnalysisTask {
	clone := *t
	clone.MemberIDs = append([]string(nil), t.MemberIDs...)
	clone.DeliveredMembers = append([]string(nil), t.DeliveredMembers...)

	return &clone
}
