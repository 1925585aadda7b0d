package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"

	"github.com/seqpipe-io/seqpipe/internal/config"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

func setupStore(t *testing.T) (context.Context, *storage.PipelineStore) {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := storage.NewPipelineStore(storage.NewConnectionFromDB(testDB.Connection))
	if err != nil {
		t.Fatalf("NewPipelineStore() error: %v", err)
	}

	return ctx, store
}

func seedEntities(ctx context.Context, t *testing.T, store *storage.PipelineStore) {
	t.Helper()

	if err := store.SaveProject(ctx, &storage.Project{
		ProjectID:    "P001",
		CustomerName: "Acme Biolabs",
		ContactName:  "Chen",
	}); err != nil {
		t.Fatalf("SaveProject() error: %v", err)
	}

	if err := store.SaveSample(ctx, &storage.Sample{
		SampleID:     "S001",
		ProjectID:    "P001",
		SampleName:   "sample-1",
		AnalysisType: "bacterium",
	}); err != nil {
		t.Fatalf("SaveSample() error: %v", err)
	}

	if err := store.SaveBatch(ctx, &storage.Batch{
		BatchID:     "B001",
		SequencerID: "PAO88821",
		Laboratory:  "lab-east",
	}); err != nil {
		t.Fatalf("SaveBatch() error: %v", err)
	}
}

func TestPipelineStoreRunLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, store := setupStore(t)
	seedEntities(ctx, t, store)

	run := &storage.SequenceRun{
		SequenceID:    "SR001",
		SampleID:      "S001",
		BatchID:       "B001",
		AnalysisType:  "bacterium",
		Barcode:       "barcode01",
		Version:       1,
		RunType:       storage.RunTypeInitial,
		DataStatus:    storage.DataStatusPending,
		ProcessStatus: storage.ProcessStatusNo,
		Parameters:    map[string]string{"genome_size": "5m"},
	}
	if err := store.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun() error: %v", err)
	}

	// Same identity, same version: rejected by the unique constraint.
	dup := *run
	dup.SequenceID = "SR002"

	if err := store.InsertRun(ctx, &dup); !errors.Is(err, storage.ErrDuplicateRun) {
		t.Fatalf("InsertRun(duplicate) = %v, want ErrDuplicateRun", err)
	}

	// Retest inserts the next version.
	retest := *run
	retest.SequenceID = "SR003"
	retest.Version = 2
	retest.RunType = storage.RunTypeRetest

	if err := store.InsertRun(ctx, &retest); err != nil {
		t.Fatalf("InsertRun(retest) error: %v", err)
	}

	versions, err := store.FindRunVersions(ctx, run.Key())
	if err != nil {
		t.Fatalf("FindRunVersions() error: %v", err)
	}

	if len(versions) != 2 || versions[0].Version != 1 || versions[1].Version != 2 {
		t.Fatalf("unexpected versions: %+v", versions)
	}

	if versions[0].Parameters["genome_size"] != "5m" {
		t.Errorf("parameters not round-tripped: %+v", versions[0].Parameters)
	}

	// Settle validation once; the second settle observes ErrStaleTransition.
	if err := store.SettleValidation(ctx, "SR001", storage.DataStatusValid, "/data/SR001/fastq_pass/barcode01", ""); err != nil {
		t.Fatalf("SettleValidation() error: %v", err)
	}

	err = store.SettleValidation(ctx, "SR001", storage.DataStatusInvalid, "", "late")
	if !errors.Is(err, storage.ErrStaleTransition) {
		t.Fatalf("second settle = %v, want ErrStaleTransition", err)
	}

	got, err := store.GetRun(ctx, "SR001")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}

	if got.DataStatus != storage.DataStatusValid || got.RawDataPath != "/data/SR001/fastq_pass/barcode01" {
		t.Errorf("run after settle = %+v", got)
	}

	eligible, err := store.ListEligibleRuns(ctx)
	if err != nil {
		t.Fatalf("ListEligibleRuns() error: %v", err)
	}

	if len(eligible) != 1 || eligible[0].SequenceID != "SR001" {
		t.Fatalf("eligible runs = %+v, want [SR001]", eligible)
	}

	if err := store.SetRunReportPath(ctx, "SR001", "/reports/SR001.html"); err != nil {
		t.Fatalf("SetRunReportPath() error: %v", err)
	}

	if err := store.SetRunReportPath(ctx, "missing", "/reports/x.html"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("SetRunReportPath(missing) = %v, want ErrNotFound", err)
	}

	got, err = store.GetRun(ctx, "SR001")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}

	if got.ReportPath != "/reports/SR001.html" {
		t.Errorf("report path = %q, want /reports/SR001.html", got.ReportPath)
	}

	if err := store.MarkRunsProcessed(ctx, []string{"SR001"}); err != nil {
		t.Fatalf("MarkRunsProcessed() error: %v", err)
	}

	eligible, err = store.ListEligibleRuns(ctx)
	if err != nil {
		t.Fatalf("ListEligibleRuns() error: %v", err)
	}

	if len(eligible) != 0 {
		t.Errorf("eligible after processing = %+v, want empty", eligible)
	}
}

func TestPipelineStoreTaskLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, store := setupStore(t)
	seedEntities(ctx, t, store)

	task := &storage.AnalysisTask{
		TaskID:       "T001",
		ProjectID:    "P001",
		AnalysisType: "bacterium",
		MemberIDs:    []string{"SR001", "SR003"},
		Status:       storage.TaskStatusPending,
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}

	// Partial unique index rejects a second live task for the same key.
	second := &storage.AnalysisTask{
		TaskID:       "T002",
		ProjectID:    "P001",
		AnalysisType: "bacterium",
		Status:       storage.TaskStatusPending,
	}
	if err := store.CreateTask(ctx, second); !errors.Is(err, storage.ErrLiveTaskExists) {
		t.Fatalf("CreateTask(second live) = %v, want ErrLiveTaskExists", err)
	}

	started := time.Now().UTC()
	if err := store.TransitionTask(ctx, "T001", storage.TaskStatusPending, storage.TaskStatusRunning,
		storage.TaskUpdate{StartedAt: &started}); err != nil {
		t.Fatalf("TransitionTask(claim) error: %v", err)
	}

	// Losing claim attempt.
	err := store.TransitionTask(ctx, "T001", storage.TaskStatusPending, storage.TaskStatusRunning,
		storage.TaskUpdate{})
	if !errors.Is(err, storage.ErrStaleTransition) {
		t.Fatalf("second claim = %v, want ErrStaleTransition", err)
	}

	finished := time.Now().UTC()
	reason := "done"

	if err := store.TransitionTask(ctx, "T001", storage.TaskStatusRunning, storage.TaskStatusCompleted,
		storage.TaskUpdate{FinishedAt: &finished, Reason: &reason}); err != nil {
		t.Fatalf("TransitionTask(complete) error: %v", err)
	}

	got, err := store.GetTask(ctx, "T001")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if got.Status != storage.TaskStatusCompleted || got.Reason != "done" {
		t.Errorf("task after completion = %+v", got)
	}

	if len(got.MemberIDs) != 2 || got.MemberIDs[0] != "SR001" {
		t.Errorf("member IDs not round-tripped: %+v", got.MemberIDs)
	}

	// Terminal task frees the key and shows up as undelivered.
	if err := store.CreateTask(ctx, second); err != nil {
		t.Fatalf("CreateTask(after terminal) error: %v", err)
	}

	undelivered, err := store.ListUndeliveredTasks(ctx)
	if err != nil {
		t.Fatalf("ListUndeliveredTasks() error: %v", err)
	}

	if len(undelivered) != 1 || undelivered[0].TaskID != "T001" {
		t.Fatalf("undelivered = %+v, want [T001]", undelivered)
	}

	if err := store.MarkMembersDelivered(ctx, "T001", []string{"SR001"}); err != nil {
		t.Fatalf("MarkMembersDelivered() error: %v", err)
	}

	// Overlapping cycles re-report SR001; the jsonb merge absorbs it.
	if err := store.MarkMembersDelivered(ctx, "T001", []string{"SR001", "SR003"}); err != nil {
		t.Fatalf("MarkMembersDelivered(merge) error: %v", err)
	}

	got, err = store.GetTask(ctx, "T001")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if len(got.DeliveredMembers) != 2 {
		t.Errorf("delivered members = %v, want [SR001 SR003]", got.DeliveredMembers)
	}

	if err := store.MarkTaskDelivered(ctx, "T001", time.Now().UTC()); err != nil {
		t.Fatalf("MarkTaskDelivered() error: %v", err)
	}

	if err := store.MarkTaskDelivered(ctx, "T001", time.Now().UTC()); !errors.Is(err, storage.ErrStaleTransition) {
		t.Errorf("second delivery = %v, want ErrStaleTransition", err)
	}

	// A pending task that never materialized can be removed, freeing the key.
	if err := store.DeletePendingTask(ctx, "T002"); err != nil {
		t.Fatalf("DeletePendingTask() error: %v", err)
	}

	if _, err := store.GetTask(ctx, "T002"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetTask(T002) after delete = %v, want ErrNotFound", err)
	}

	// Terminal tasks are not deletable.
	if err := store.DeletePendingTask(ctx, "T001"); !errors.Is(err, storage.ErrStaleTransition) {
		t.Errorf("DeletePendingTask(terminal) = %v, want ErrStaleTransition", err)
	}
}

func TestPipelineStoreLedgersAndWindows(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, store := setupStore(t)

	if err := store.RecordIngestFile(ctx, &storage.IngestFile{
		FileName: "report_a.json",
		Status:   storage.IngestStatusFailed,
		Detail:   "missing sample id",
	}); err != nil {
		t.Fatalf("RecordIngestFile() error: %v", err)
	}

	// Retry upgrades failed -> processed.
	if err := store.RecordIngestFile(ctx, &storage.IngestFile{
		FileName: "report_a.json",
		Status:   storage.IngestStatusProcessed,
	}); err != nil {
		t.Fatalf("RecordIngestFile(retry) error: %v", err)
	}

	// Processed is never downgraded.
	if err := store.RecordIngestFile(ctx, &storage.IngestFile{
		FileName: "report_a.json",
		Status:   storage.IngestStatusFailed,
	}); err != nil {
		t.Fatalf("RecordIngestFile(downgrade attempt) error: %v", err)
	}

	f, err := store.GetIngestFile(ctx, "report_a.json")
	if err != nil {
		t.Fatalf("GetIngestFile() error: %v", err)
	}

	if f.Status != storage.IngestStatusProcessed {
		t.Errorf("status = %s, want processed", f.Status)
	}

	files, err := store.ListIngestFilesBefore(ctx, storage.IngestStatusProcessed, time.Now().Add(time.Hour))
	if err != nil || len(files) != 1 {
		t.Errorf("ListIngestFilesBefore() = %d files, err=%v, want 1", len(files), err)
	}

	if err := store.AppendCorrection(ctx, &storage.Correction{
		CorrectionID: "c-1",
		TableName:    "projects",
		RecordID:     "P001",
		FieldName:    "contact_name",
		OldValue:     "Chen",
		NewValue:     "Li",
		Operator:     "system",
		Kind:         storage.CorrectionKindUpdate,
	}); err != nil {
		t.Fatalf("AppendCorrection() error: %v", err)
	}

	if _, ok, err := store.GetPullWindow(ctx, "lab-east"); err != nil || ok {
		t.Fatalf("GetPullWindow(fresh) = ok=%v err=%v", ok, err)
	}

	end := time.Date(2026, 9, 1, 8, 30, 0, 0, time.UTC)
	if err := store.SavePullWindow(ctx, "lab-east", end); err != nil {
		t.Fatalf("SavePullWindow() error: %v", err)
	}

	got, ok, err := store.GetPullWindow(ctx, "lab-east")
	if err != nil || !ok || !got.Equal(end) {
		t.Errorf("GetPullWindow() = %v ok=%v err=%v, want %v", got, ok, err, end)
	}
}
