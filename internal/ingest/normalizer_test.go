package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/seqpipe-io/seqpipe/internal/lims"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

func goodRecord() lims.RunRecord {
	return lims.RunRecord{
		DetectNo:     "D001",
		ProjectID:    "P001",
		CustomerName: "Acme Biolabs",
		ContactName:  "Chen",
		ContactPhone: "555-0100",
		SampleID:     "S001",
		SampleName:   "sample-1",
		AnalysisType: "bacterium",
		BatchID:      "B001",
		SequencerID:  "PAO88821",
		Laboratory:   "lab-east",
		Barcode:      "barcode01",
		RunType:      "initial",
		RawDataPath:  "/data/runs/B001",
		ReportDate:   "2026-08-31 10:15:00",
	}
}

func writeReport(t *testing.T, dir, name string, records []lims.RunRecord) {
	t.Helper()

	data, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal records: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		t.Fatalf("write report: %v", err)
	}
}

func countCorrections(store *storage.MemoryStore, table string, kind storage.CorrectionKind) int {
	count := 0

	for _, c := range store.Corrections() {
		if c.TableName == table && c.Kind == kind {
			count++
		}
	}

	return count
}

func TestNormalizeCreatesEntityChain(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dir := t.TempDir()

	writeReport(t, dir, "report_1.json", []lims.RunRecord{goodRecord()})

	if err := NewNormalizer(store, dir).Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if _, err := store.GetProject(ctx, "P001"); err != nil {
		t.Errorf("project not created: %v", err)
	}

	if _, err := store.GetSample(ctx, "S001"); err != nil {
		t.Errorf("sample not created: %v", err)
	}

	if _, err := store.GetBatch(ctx, "B001"); err != nil {
		t.Errorf("batch not created: %v", err)
	}

	run, err := store.GetRun(ctx, "D001")
	if err != nil {
		t.Fatalf("run not created: %v", err)
	}

	if run.Version != 1 || run.DataStatus != storage.DataStatusPending || run.ProcessStatus != storage.ProcessStatusNo {
		t.Errorf("run = %+v, want version 1, pending, unprocessed", run)
	}

	file, err := store.GetIngestFile(ctx, "report_1.json")
	if err != nil || file.Status != storage.IngestStatusProcessed {
		t.Errorf("ledger = %+v err=%v, want processed", file, err)
	}

	for _, table := range []string{"projects", "samples", "batches", "sequence_runs"} {
		if got := countCorrections(store, table, storage.CorrectionKindCreate); got != 1 {
			t.Errorf("create corrections for %s = %d, want 1", table, got)
		}
	}
}

func TestNormalizeSkipsProcessedFiles(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dir := t.TempDir()

	writeReport(t, dir, "report_1.json", []lims.RunRecord{goodRecord()})

	if err := store.RecordIngestFile(ctx, &storage.IngestFile{
		FileName: "report_1.json",
		Status:   storage.IngestStatusProcessed,
	}); err != nil {
		t.Fatalf("RecordIngestFile() error: %v", err)
	}

	if err := NewNormalizer(store, dir).Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if _, err := store.GetRun(ctx, "D001"); err == nil {
		t.Error("run created from an already-processed file")
	}
}

func TestNormalizePerRecordIsolation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dir := t.TempDir()

	bad := goodRecord()
	bad.DetectNo = "D002"
	bad.SampleID = "" // missing required field

	writeReport(t, dir, "report_1.json", []lims.RunRecord{goodRecord(), bad})

	if err := NewNormalizer(store, dir).Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// The good record landed despite its neighbor failing.
	if _, err := store.GetRun(ctx, "D001"); err != nil {
		t.Errorf("good record not normalized: %v", err)
	}

	file, err := store.GetIngestFile(ctx, "report_1.json")
	if err != nil {
		t.Fatalf("GetIngestFile() error: %v", err)
	}

	if file.Status != storage.IngestStatusFailed {
		t.Errorf("ledger status = %s, want failed (one record was bad)", file.Status)
	}

	if file.Detail == "" {
		t.Error("ledger detail should name the failure")
	}
}

func TestNormalizeMalformedDate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dir := t.TempDir()

	rec := goodRecord()
	rec.ReportDate = "31/08/2026"

	writeReport(t, dir, "report_1.json", []lims.RunRecord{rec})

	if err := NewNormalizer(store, dir).Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if _, err := store.GetRun(ctx, "D001"); err == nil {
		t.Error("record with malformed date should not be normalized")
	}

	file, err := store.GetIngestFile(ctx, "report_1.json")
	if err != nil || file.Status != storage.IngestStatusFailed {
		t.Errorf("ledger = %+v err=%v, want failed", file, err)
	}
}

func TestNormalizeContactUpdateWritesCorrection(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dir := t.TempDir()

	if err := store.SaveProject(ctx, &storage.Project{
		ProjectID:    "P001",
		CustomerName: "Acme Biolabs",
		ContactName:  "Old Contact",
		ContactPhone: "555-0100",
	}); err != nil {
		t.Fatalf("SaveProject() error: %v", err)
	}

	writeReport(t, dir, "report_1.json", []lims.RunRecord{goodRecord()})

	if err := NewNormalizer(store, dir).Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	project, err := store.GetProject(ctx, "P001")
	if err != nil {
		t.Fatalf("GetProject() error: %v", err)
	}

	if project.ContactName != "Chen" {
		t.Errorf("contact name = %q, want updated to Chen", project.ContactName)
	}

	found := false

	for _, c := range store.Corrections() {
		if c.TableName == "projects" && c.FieldName == "contact_name" &&
			c.OldValue == "Old Contact" && c.NewValue == "Chen" &&
			c.Kind == storage.CorrectionKindUpdate {
			found = true
		}
	}

	if !found {
		t.Error("contact change did not produce a correction entry")
	}
}

func TestNormalizeRetestInsertsNewVersion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dir := t.TempDir()

	writeReport(t, dir, "report_1.json", []lims.RunRecord{goodRecord()})

	if err := NewNormalizer(store, dir).Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	retest := goodRecord()
	retest.DetectNo = "D001-R"
	retest.RunType = "retest"

	writeReport(t, dir, "report_2.json", []lims.RunRecord{retest})

	if err := NewNormalizer(store, dir).Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	versions, err := store.FindRunVersions(ctx, storage.RunKey{
		SampleID:     "S001",
		BatchID:      "B001",
		AnalysisType: "bacterium",
		Barcode:      "barcode01",
	})
	if err != nil {
		t.Fatalf("FindRunVersions() error: %v", err)
	}

	if len(versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions))
	}

	if versions[0].SequenceID != "D001" || versions[0].Version != 1 {
		t.Errorf("v1 = %+v, history must be untouched", versions[0])
	}

	if versions[1].SequenceID != "D001-R" || versions[1].Version != 2 ||
		versions[1].RunType != storage.RunTypeRetest {
		t.Errorf("v2 = %+v, want retest version 2", versions[1])
	}
}

func TestNormalizeRepullIsNoop(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dir := t.TempDir()

	writeReport(t, dir, "report_1.json", []lims.RunRecord{goodRecord()})

	if err := NewNormalizer(store, dir).Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	before := len(store.Corrections())

	// Window overlap re-pull: same record, new file.
	writeReport(t, dir, "report_2.json", []lims.RunRecord{goodRecord()})

	if err := NewNormalizer(store, dir).Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	versions, err := store.FindRunVersions(ctx, storage.RunKey{
		SampleID:     "S001",
		BatchID:      "B001",
		AnalysisType: "bacterium",
		Barcode:      "barcode01",
	})
	if err != nil || len(versions) != 1 {
		t.Errorf("versions = %d err=%v, want 1 (re-pull is a no-op)", len(versions), err)
	}

	if got := len(store.Corrections()); got != before {
		t.Errorf("corrections grew from %d to %d on a no-op re-pull", before, got)
	}

	file, err := store.GetIngestFile(ctx, "report_2.json")
	if err != nil || file.Status != storage.IngestStatusProcessed {
		t.Errorf("second file ledger = %+v err=%v, want processed", file, err)
	}
}
