package pusher

import (
	"context"
	"testing"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/lims"
	"github.com/seqpipe-io/seqpipe/internal/notify"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

// fakeClient records pushed batches and returns a scripted result.
type fakeClient struct {
	pushed   [][]lims.ResultRecord
	accepted []string
	err      error
}

func (f *fakeClient) PushResults(_ context.Context, records []lims.ResultRecord) ([]string, error) {
	f.pushed = append(f.pushed, records)

	if f.accepted != nil || f.err != nil {
		return f.accepted, f.err
	}

	accepted := make([]string, len(records))
	for i, r := range records {
		accepted[i] = r.DetectNo
	}

	return accepted, nil
}

// seedMember creates the batch, sample, and run a task member needs.
func seedMember(t *testing.T, store *storage.MemoryStore, sequenceID string) {
	t.Helper()

	ctx := context.Background()

	if err := store.SaveBatch(ctx, &storage.Batch{
		BatchID:    "B001",
		Laboratory: "lab-east",
	}); err != nil {
		t.Fatalf("SaveBatch() error: %v", err)
	}

	if err := store.SaveSample(ctx, &storage.Sample{
		SampleID:      "S001",
		ProjectID:     "P001",
		PlasmidLength: "4500",
	}); err != nil {
		t.Fatalf("SaveSample() error: %v", err)
	}

	store.SeedRun(&storage.SequenceRun{
		SequenceID:    sequenceID,
		SampleID:      "S001",
		BatchID:       "B001",
		AnalysisType:  "bacterium",
		Barcode:       "barcode01",
		Version:       1,
		DataStatus:    storage.DataStatusValid,
		ProcessStatus: storage.ProcessStatusYes,
		ReportPath:    "/reports/" + sequenceID + ".html",
	})
}

func seedTerminalTask(t *testing.T, store *storage.MemoryStore, status storage.TaskStatus, reason string) {
	t.Helper()

	if err := store.CreateTask(context.Background(), &storage.AnalysisTask{
		TaskID:       "task-1",
		ProjectID:    "P001",
		AnalysisType: "bacterium",
		MemberIDs:    []string{"D001"},
		Status:       status,
		Reason:       reason,
	}); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}
}

func TestPushCompletedConfirmsMembers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	client := &fakeClient{}

	seedMember(t, store, "D001")
	seedTerminalTask(t, store, storage.TaskStatusCompleted, "")

	p := NewPusher(store, map[string]Client{"lab-east": client}, nil)
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(client.pushed) != 1 || len(client.pushed[0]) != 1 {
		t.Fatalf("pushed = %+v, want one batch with one record", client.pushed)
	}

	record := client.pushed[0][0]

	if record.DetectNo != "D001" || record.Status != lims.StatusSeqConfirm {
		t.Errorf("record = %+v, want D001 seqconfirm", record)
	}

	if record.ReportPath != "/reports/D001.html" {
		t.Errorf("report path = %q, want the run's report", record.ReportPath)
	}

	if record.Ext[lims.ExtPlasmidLength] != "4500" {
		t.Errorf("ext = %+v, want plasmid length from the sample", record.Ext)
	}

	task, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if task.DeliveredAt == nil {
		t.Error("task not marked delivered after full acceptance")
	}
}

func TestPushFailedReportsAbnormal(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	client := &fakeClient{}

	seedMember(t, store, "D001")
	seedTerminalTask(t, store, storage.TaskStatusFailed, "engine exited with code 1")

	p := NewPusher(store, map[string]Client{"lab-east": client}, nil)
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	record := client.pushed[0][0]

	if record.Status != lims.StatusSeqAbnormal {
		t.Errorf("status = %s, want seqabnormal", record.Status)
	}

	if record.ReportReason != "engine exited with code 1" {
		t.Errorf("reason = %q, want the task failure reason", record.ReportReason)
	}
}

func TestPushSupersededMemberCancelled(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	client := &fakeClient{}

	seedMember(t, store, "D001")

	// A retest landed while the task was running.
	store.SeedRun(&storage.SequenceRun{
		SequenceID:    "D001-R",
		SampleID:      "S001",
		BatchID:       "B001",
		AnalysisType:  "bacterium",
		Barcode:       "barcode01",
		Version:       2,
		RunType:       storage.RunTypeRetest,
		DataStatus:    storage.DataStatusPending,
		ProcessStatus: storage.ProcessStatusNo,
	})

	seedTerminalTask(t, store, storage.TaskStatusCompleted, "")

	p := NewPusher(store, map[string]Client{"lab-east": client}, nil)
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	record := client.pushed[0][0]

	if record.Status != lims.StatusSeqCancel {
		t.Errorf("status = %s, want seqcancel for a superseded member", record.Status)
	}
}

func TestPartialAcceptanceKeepsTaskUndelivered(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	recorder := &notify.Recorder{}

	client := &fakeClient{
		accepted: nil,
		err: &lims.UploadError{
			Outstanding: []string{"D001"},
			Message:     "storage full",
		},
	}

	seedMember(t, store, "D001")
	seedTerminalTask(t, store, storage.TaskStatusCompleted, "")

	p := NewPusher(store, map[string]Client{"lab-east": client}, recorder)
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	task, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if task.DeliveredAt != nil {
		t.Error("task marked delivered despite rejected members")
	}

	events := recorder.Events()
	if len(events) != 1 || events[0].Kind != notify.KindPushFailed {
		t.Errorf("events = %+v, want one push.failed", events)
	}

	// Next cycle retries the whole task.
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(client.pushed) != 2 {
		t.Errorf("push attempts = %d, want retry on the next cycle", len(client.pushed))
	}
}

func TestPartialAcceptanceRetriesOnlyOutstanding(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	seedMember(t, store, "D001")
	seedMember(t, store, "D002")

	if err := store.CreateTask(ctx, &storage.AnalysisTask{
		TaskID:       "task-1",
		ProjectID:    "P001",
		AnalysisType: "bacterium",
		MemberIDs:    []string{"D001", "D002"},
		Status:       storage.TaskStatusCompleted,
	}); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}

	// First cycle: the remote takes D001 and rejects D002.
	client := &fakeClient{
		accepted: []string{"D001"},
		err: &lims.UploadError{
			Outstanding: []string{"D002"},
			Message:     "storage full",
		},
	}

	p := NewPusher(store, map[string]Client{"lab-east": client}, nil)
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	task, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if task.DeliveredAt != nil {
		t.Error("task marked delivered with a member outstanding")
	}

	if len(task.DeliveredMembers) != 1 || task.DeliveredMembers[0] != "D001" {
		t.Errorf("delivered members = %v, want [D001]", task.DeliveredMembers)
	}

	// Second cycle: only the outstanding member is re-pushed.
	client.accepted, client.err = nil, nil

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(client.pushed) != 2 {
		t.Fatalf("push attempts = %d, want 2", len(client.pushed))
	}

	retry := client.pushed[1]
	if len(retry) != 1 || retry[0].DetectNo != "D002" {
		t.Errorf("retry records = %+v, want only D002", retry)
	}

	task, err = store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if task.DeliveredAt == nil {
		t.Error("task not marked delivered after the last member was accepted")
	}
}

func TestPushUnknownLabLeavesTaskUndelivered(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	seedMember(t, store, "D001")
	seedTerminalTask(t, store, storage.TaskStatusCompleted, "")

	p := NewPusher(store, map[string]Client{"lab-west": &fakeClient{}}, nil)
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	task, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}

	if task.DeliveredAt != nil {
		t.Error("task delivered despite missing lab client")
	}
}

func TestDeliveredTaskNotPushedAgain(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	client := &fakeClient{}

	seedMember(t, store, "D001")
	seedTerminalTask(t, store, storage.TaskStatusCompleted, "")

	p := NewPusher(store, map[string]Client{"lab-east": client}, nil)
	p.now = func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(client.pushed) != 1 {
		t.Errorf("push attempts = %d, want exactly one for a delivered task", len(client.pushed))
	}
}
