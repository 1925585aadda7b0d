// Package ingest normalizes pulled LIMS report files into canonical
// pipeline entities, with processed-file ledger idempotency and an
// append-only correction trail for every create and change.
package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/lims"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

// reportDateLayout is the wire format of report timestamps.
const reportDateLayout = "2006-01-02 15:04:05"

var (
	// ErrMissingField is returned when a record lacks a required field.
	ErrMissingField = errors.New("record is missing required field")

	// ErrMalformedDate is returned when a record's report date cannot be parsed.
	ErrMalformedDate = errors.New("record has malformed report date")
)

// validateRecord checks the fields normalization cannot proceed without.
func validateRecord(rec *lims.RunRecord) error {
	required := []struct {
		name  string
		value string
	}{
		{"detectNo", rec.DetectNo},
		{"projectId", rec.ProjectID},
		{"sampleId", rec.SampleID},
		{"batchId", rec.BatchID},
		{"analysisType", rec.AnalysisType},
		{"barcode", rec.Barcode},
	}

	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%w: %s (detectNo=%q)", ErrMissingField, f.name, rec.DetectNo)
		}
	}

	if rec.ReportDate != "" {
		if _, err := time.Parse(reportDateLayout, rec.ReportDate); err != nil {
			return fmt.Errorf("%w: %q (detectNo=%s)", ErrMalformedDate, rec.ReportDate, rec.DetectNo)
		}
	}

	return nil
}

func projectFromRecord(rec *lims.RunRecord) *storage.Project {
	return &storage.Project{
		ProjectID:    rec.ProjectID,
		CustomerName: rec.CustomerName,
		ContactName:  rec.ContactName,
		ContactPhone: rec.ContactPhone,
		Remarks:      rec.Remarks,
	}
}

func sampleFromRecord(rec *lims.RunRecord) *storage.Sample {
	return &storage.Sample{
		SampleID:      rec.SampleID,
		ProjectID:     rec.ProjectID,
		SampleName:    rec.SampleName,
		SampleType:    rec.SampleType,
		AnalysisType:  rec.AnalysisType,
		SpeciesName:   rec.SpeciesName,
		GenomeSize:    rec.GenomeSize,
		ReferenceSeq:  rec.ReferenceSeq,
		PlasmidLength: rec.PlasmidLength,
		SampleLength:  rec.SampleLength,
	}
}

func batchFromRecord(rec *lims.RunRecord) *storage.Batch {
	return &storage.Batch{
		BatchID:     rec.BatchID,
		SequencerID: rec.SequencerID,
		Laboratory:  rec.Laboratory,
	}
}

// runType maps the wire run type onto the domain enum, defaulting to initial.
func runType(rec *lims.RunRecord) storage.RunType {
	switch storage.RunType(rec.RunType) {
	case storage.RunTypeSupplement:
		return storage.RunTypeSupplement
	case storage.RunTypeRetest:
		return storage.RunTypeRetest
	default:
		return storage.RunTypeInitial
	}
}

func runFromRecord(rec *lims.RunRecord, version int) *storage.SequenceRun {
	return &storage.SequenceRun{
		SequenceID:    rec.DetectNo,
		SampleID:      rec.SampleID,
		BatchID:       rec.BatchID,
		AnalysisType:  rec.AnalysisType,
		Barcode:       rec.Barcode,
		Version:       version,
		RunType:       runType(rec),
		DataStatus:    storage.DataStatusPending,
		ProcessStatus: storage.ProcessStatusNo,
		RawDataPath:   rec.RawDataPath,
		Parameters:    rec.Parameters,
	}
}

// fieldChange is one observed difference between stored and incoming values.
type fieldChange struct {
	field string
	old   string
	new   string
}

func projectChanges(existing *storage.Project, incoming *storage.Project) []fieldChange {
	var changes []fieldChange

	if existing.ContactName != incoming.ContactName {
		changes = append(changes, fieldChange{"contact_name", existing.ContactName, incoming.ContactName})
	}

	if existing.ContactPhone != incoming.ContactPhone {
		changes = append(changes, fieldChange{"contact_phone", existing.ContactPhone, incoming.ContactPhone})
	}

	if existing.Remarks != incoming.Remarks {
		changes = append(changes, fieldChange{"remarks", existing.Remarks, incoming.Remarks})
	}

	return changes
}

func sampleChanges(existing *storage.Sample, incoming *storage.Sample) []fieldChange {
	var changes []fieldChange

	pairs := []struct {
		field string
		old   string
		new   string
	}{
		{"sample_name", existing.SampleName, incoming.SampleName},
		{"sample_type", existing.SampleType, incoming.SampleType},
		{"species_name", existing.SpeciesName, incoming.SpeciesName},
		{"genome_size", existing.GenomeSize, incoming.GenomeSize},
		{"reference_seq", existing.ReferenceSeq, incoming.ReferenceSeq},
		{"plasmid_length", existing.PlasmidLength, incoming.PlasmidLength},
		{"sample_length", existing.SampleLength, incoming.SampleLength},
	}

	for _, p := range pairs {
		if p.old != p.new {
			changes = append(changes, fieldChange{p.field, p.old, p.new})
		}
	}

	return changes
}

func batchChanges(existing *storage.Batch, incoming *storage.Batch) []fieldChange {
	var changes []fieldChange

	if existing.SequencerID != incoming.SequencerID {
		changes = append(changes, fieldChange{"sequencer_id", existing.SequencerID, incoming.SequencerID})
	}

	if existing.Laboratory != incoming.Laboratory {
		changes = append(changes, fieldChange{"laboratory", existing.Laboratory, incoming.Laboratory})
	}

	return changes
}
