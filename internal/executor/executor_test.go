package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/notify"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

// writeEngine writes a stand-in workflow engine script and returns its path.
func writeEngine(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write engine: %v", err)
	}

	return path
}

// seedTask creates a pending task whose work dir already holds a manifest.
func seedTask(t *testing.T, store *storage.MemoryStore, retryCount int) *storage.AnalysisTask {
	t.Helper()

	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "input.tsv"), []byte("sample_id\n"), 0o640); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	task := &storage.AnalysisTask{
		TaskID:       "task-1",
		ProjectID:    "P001",
		AnalysisType: "bacterium",
		MemberIDs:    []string{"D001"},
		Status:       storage.TaskStatusPending,
		RetryCount:   retryCount,
		WorkDir:      workDir,
	}

	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}

	return task
}

func newTestExecutor(store *storage.MemoryStore, recorder *notify.Recorder, engine string) *Executor {
	// Avoid wrapping a nil *Recorder in a non-nil Publisher interface;
	// NewExecutor documents that publisher may be nil.
	var publisher notify.Publisher
	if recorder != nil {
		publisher = recorder
	}

	return NewExecutor(store, publisher, Config{
		EngineBinary: engine,
		RetryCeiling: 3,
		TermGrace:    time.Second,
	})
}

func TestExecuteCompletesOnZeroExit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	recorder := &notify.Recorder{}

	seedTask(t, store, 0)

	executor := newTestExecutor(store, recorder, writeEngine(t, "exit 0"))
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	task, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if task.Status != storage.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}

	if task.StartedAt == nil || task.FinishedAt == nil {
		t.Error("started/finished timestamps not recorded")
	}

	events := recorder.Events()
	if len(events) != 1 || events[0].Kind != notify.KindTaskCompleted {
		t.Errorf("events = %+v, want one task.completed", events)
	}
}

func TestExecuteFatalWhenManifestMissing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	recorder := &notify.Recorder{}

	task := seedTask(t, store, 0)
	if err := os.Remove(filepath.Join(task.WorkDir, "input.tsv")); err != nil {
		t.Fatalf("remove manifest: %v", err)
	}

	executor := newTestExecutor(store, recorder, writeEngine(t, "exit 0"))
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if got.Status != storage.TaskStatusFailed {
		t.Errorf("status = %s, want failed without retry", got.Status)
	}

	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, fatal failures must not requeue", got.RetryCount)
	}

	if !strings.Contains(got.Reason, "manifest") {
		t.Errorf("reason = %q, want it to name the missing manifest", got.Reason)
	}
}

func TestExecuteFatalWhenEngineMissing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	seedTask(t, store, 0)

	executor := newTestExecutor(store, nil, "no-such-engine-binary-on-path")
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if got.Status != storage.TaskStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestExecuteRecoverableFailureRequeues(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	recorder := &notify.Recorder{}

	seedTask(t, store, 0)

	executor := newTestExecutor(store, recorder, writeEngine(t, "echo boom >&2; exit 1"))
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if got.Status != storage.TaskStatusPending {
		t.Errorf("status = %s, want requeued to pending", got.Status)
	}

	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}

	// A retryable failure is not a terminal event.
	for _, event := range recorder.Events() {
		if event.Kind == notify.KindTaskFailed {
			t.Errorf("task.failed published for a requeued task")
		}
	}
}

func TestExecuteRetryCeilingExhausted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	recorder := &notify.Recorder{}

	seedTask(t, store, 3) // already at the ceiling

	executor := newTestExecutor(store, recorder, writeEngine(t, "exit 1"))
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if got.Status != storage.TaskStatusFailed {
		t.Errorf("status = %s, want permanently failed", got.Status)
	}

	events := recorder.Events()
	if len(events) != 1 || events[0].Kind != notify.KindTaskFailed {
		t.Errorf("events = %+v, want one task.failed", events)
	}
}

func TestSuccessMarkerOverridesExitCode(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	seedTask(t, store, 0)

	// The engine records its verdict, then dies badly.
	executor := newTestExecutor(store, nil, writeEngine(t, "touch done.success; exit 3"))
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if got.Status != storage.TaskStatusCompleted {
		t.Errorf("status = %s, want completed (marker outranks exit code)", got.Status)
	}
}

func TestFailureMarkerOverridesZeroExit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	seedTask(t, store, 0)

	executor := newTestExecutor(store, nil, writeEngine(t, "touch done.failed; exit 0"))
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	// Recoverable, so the marker failure lands back in pending.
	if got.Status != storage.TaskStatusPending || got.RetryCount != 1 {
		t.Errorf("task = %s retry=%d, want requeued pending retry=1", got.Status, got.RetryCount)
	}
}

func TestResumeFlagOnlyWithPriorOutput(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	task := seedTask(t, store, 0)

	engine := writeEngine(t, `echo "$@" > invoked_args.txt; exit 1`)
	executor := newTestExecutor(store, nil, engine)

	// First attempt: nothing but the grouping artifacts, no resume.
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	args, err := os.ReadFile(filepath.Join(task.WorkDir, "invoked_args.txt"))
	if err != nil {
		t.Fatalf("read invoked args: %v", err)
	}

	if strings.Contains(string(args), "--resume") {
		t.Errorf("first attempt args = %q, want no --resume", args)
	}

	// Second attempt: invoked_args.txt is prior output, resume kicks in.
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	args, err = os.ReadFile(filepath.Join(task.WorkDir, "invoked_args.txt"))
	if err != nil {
		t.Fatalf("read invoked args: %v", err)
	}

	if !strings.Contains(string(args), "--resume") {
		t.Errorf("retry args = %q, want --resume", args)
	}
}

func TestEngineTimeoutRequeuesForResume(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	recorder := &notify.Recorder{}

	seedTask(t, store, 0)

	executor := NewExecutor(store, recorder, Config{
		EngineBinary: writeEngine(t, "sleep 5"),
		RetryCeiling: 3,
		TermGrace:    time.Second,
		Timeout:      200 * time.Millisecond,
	})

	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if got.Status != storage.TaskStatusPending {
		t.Errorf("status = %s, want requeued to pending after timeout", got.Status)
	}

	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}

	if !strings.Contains(got.Reason, "timed out") {
		t.Errorf("reason = %q, want it to name the timeout", got.Reason)
	}

	// A timed-out attempt is not a terminal event.
	for _, event := range recorder.Events() {
		if event.Kind == notify.KindTaskFailed {
			t.Errorf("task.failed published for a timed-out task")
		}
	}
}

func TestShutdownCancelDoesNotRequeue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	store := storage.NewMemoryStore()

	seedTask(t, store, 0)

	executor := NewExecutor(store, nil, Config{
		EngineBinary: writeEngine(t, "sleep 5"),
		RetryCeiling: 3,
		TermGrace:    time.Second,
		Timeout:      time.Minute,
	})

	_ = executor.Run(ctx) // the dying context may surface as an error

	got, err := store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if got.Status != storage.TaskStatusFailed {
		t.Errorf("status = %s, want failed on daemon shutdown", got.Status)
	}

	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, shutdown must not requeue", got.RetryCount)
	}

	if !strings.Contains(got.Reason, "canceled") {
		t.Errorf("reason = %q, want it to name the cancellation", got.Reason)
	}
}

func TestCallbackVerdictStands(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	task := seedTask(t, store, 0)

	// Simulate the callback settling first: the task is already terminal
	// by the time the engine result comes back.
	if err := store.TransitionTask(ctx, task.TaskID,
		storage.TaskStatusPending, storage.TaskStatusRunning, storage.TaskUpdate{}); err != nil {
		t.Fatalf("TransitionTask() error: %v", err)
	}

	if err := store.TransitionTask(ctx, task.TaskID,
		storage.TaskStatusRunning, storage.TaskStatusCompleted, storage.TaskUpdate{}); err != nil {
		t.Fatalf("TransitionTask() error: %v", err)
	}

	executor := newTestExecutor(store, nil, writeEngine(t, "exit 1"))

	reason := "engine says no"
	if err := executor.settle(ctx, task, outcome{
		status:      storage.TaskStatusFailed,
		reason:      reason,
		recoverable: true,
	}); err != nil {
		t.Fatalf("settle() should tolerate the lost race, got: %v", err)
	}

	got, err := store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if got.Status != storage.TaskStatusCompleted {
		t.Errorf("status = %s, want the callback verdict to stand", got.Status)
	}
}

func TestCallbackSettledTaskStillRecordsReports(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	task := seedTask(t, store, 0)
	store.SeedRun(&storage.SequenceRun{
		SequenceID:   "D001",
		SampleID:     "S001",
		BatchID:      "B001",
		AnalysisType: "bacterium",
		Barcode:      "barcode01",
		Version:      1,
		DataStatus:   storage.DataStatusValid,
	})

	// The engine left its results behind before the callback raced ahead.
	results := filepath.Join(task.WorkDir, "results.tsv")
	if err := os.WriteFile(results, []byte("D001 success report/D001.html\n"), 0o640); err != nil {
		t.Fatalf("write results: %v", err)
	}

	if err := store.TransitionTask(ctx, task.TaskID,
		storage.TaskStatusPending, storage.TaskStatusRunning, storage.TaskUpdate{}); err != nil {
		t.Fatalf("TransitionTask() error: %v", err)
	}

	if err := store.TransitionTask(ctx, task.TaskID,
		storage.TaskStatusRunning, storage.TaskStatusCompleted, storage.TaskUpdate{}); err != nil {
		t.Fatalf("TransitionTask() error: %v", err)
	}

	executor := newTestExecutor(store, nil, writeEngine(t, "exit 0"))

	if err := executor.settle(ctx, task, outcome{status: storage.TaskStatusCompleted}); err != nil {
		t.Fatalf("settle() error: %v", err)
	}

	run, err := store.GetRun(ctx, "D001")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}

	if run.ReportPath != "report/D001.html" {
		t.Errorf("report path = %q, want it recorded despite the lost settle race", run.ReportPath)
	}
}

func TestCompletedTaskRecordsReportPaths(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	task := seedTask(t, store, 0)
	store.SeedRun(&storage.SequenceRun{
		SequenceID:   "D001",
		SampleID:     "S001",
		BatchID:      "B001",
		AnalysisType: "bacterium",
		Barcode:      "barcode01",
		Version:      1,
		DataStatus:   storage.DataStatusValid,
	})

	// The engine writes one results line per member before exiting.
	engine := writeEngine(t,
		`echo "D001 success report/D001.html" > "`+task.WorkDir+`/results.tsv"; exit 0`)

	executor := newTestExecutor(store, &notify.Recorder{}, engine)
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	run, err := store.GetRun(ctx, "D001")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}

	if run.ReportPath != "report/D001.html" {
		t.Errorf("report path = %q, want the engine results entry", run.ReportPath)
	}
}

func TestCompletedTaskWithoutResultsFile(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	seedTask(t, store, 0)

	executor := newTestExecutor(store, &notify.Recorder{}, writeEngine(t, "exit 0"))
	if err := executor.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	task, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if task.Status != storage.TaskStatusCompleted {
		t.Errorf("status = %s, want completed despite missing results file", task.Status)
	}
}
