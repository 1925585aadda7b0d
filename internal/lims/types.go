// Package lims provides the signed synchronization client for the remote
// LIMS: pulling sequencing-run reports and pushing analysis outcomes.
package lims

import (
	"crypto/md5" //nolint:gosec // remote verifies an MD5 request signature, not a password hash
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Remote application codes carried in the response envelope.
const (
	CodeSuccess      = 200
	CodeAuthInvalid  = 201
	CodeNoData       = 202
	CodeUploadFailed = 203
)

// Push outcome statuses accepted by the remote.
const (
	StatusSeqConfirm  = "seqconfirm"  // sequencing confirmed, report delivered
	StatusSeqCancel   = "seqcancel"   // sequencing cancelled, no data produced
	StatusSeqAbnormal = "seqabnormal" // analysis failed, reason attached
)

// Ext keys the remote accepts on a push record. Unknown keys are dropped
// before upload and logged.
const (
	ExtPlasmidLength = "plasmid_length"
	ExtSampleLength  = "sample_length"
)

var (
	// ErrAuthInvalid is returned for remote code 201. Credentials do not
	// heal by retrying; the caller aborts the cycle.
	ErrAuthInvalid = errors.New("lims rejected credentials")

	// ErrRetriesExhausted is returned when the bounded retry budget is
	// spent. It wraps the last remote failure.
	ErrRetriesExhausted = errors.New("lims retries exhausted")

	// ErrUnexpectedCode is returned for a remote code outside the known taxonomy.
	ErrUnexpectedCode = errors.New("unexpected lims response code")
)

type (
	// envelope is the uniform remote response wrapper. Data is decoded a
	// second time by the caller: run records on pull, failed detect
	// numbers on an upload failure.
	envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}

	// RunRecord is one sequencing-run report as pulled from the LIMS.
	// Field presence is validated by the ingest normalizer, not here.
	RunRecord struct {
		DetectNo      string            `json:"detectNo"`
		ProjectID     string            `json:"projectId"`
		CustomerName  string            `json:"customerName"`
		ContactName   string            `json:"contactName"`
		ContactPhone  string            `json:"contactPhone"`
		Remarks       string            `json:"remarks"`
		SampleID      string            `json:"sampleId"`
		SampleName    string            `json:"sampleName"`
		SampleType    string            `json:"sampleType"`
		AnalysisType  string            `json:"analysisType"`
		SpeciesName   string            `json:"speciesName"`
		GenomeSize    string            `json:"genomeSize"`
		ReferenceSeq  string            `json:"referenceSeq"`
		PlasmidLength string            `json:"plasmidLength"`
		SampleLength  string            `json:"sampleLength"`
		BatchID       string            `json:"batchId"`
		SequencerID   string            `json:"sequencerId"`
		Laboratory    string            `json:"laboratory"`
		Barcode       string            `json:"barcode"`
		RunType       string            `json:"runType"`
		RawDataPath   string            `json:"rawDataPath"`
		ReportDate    string            `json:"reportDate"`
		Parameters    map[string]string `json:"parameters"`
	}

	// ResultRecord is one analysis outcome pushed back to the LIMS.
	ResultRecord struct {
		DetectNo     string            `json:"detectNo"`
		Status       string            `json:"status"`
		ReportPath   string            `json:"reportPath,omitempty"`
		ReportReason string            `json:"reportReason,omitempty"`
		Ext          map[string]string `json:"ext,omitempty"`
	}
)

// Sign computes the request signature the remote verifies:
// hex(md5("appid=<appID>&appsecret=<secret>")).
func Sign(appID, appSecret string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("appid=%s&appsecret=%s", appID, appSecret))) //nolint:gosec // wire compatibility

	return hex.EncodeToString(sum[:])
}

// retryableCode reports whether a remote application code is worth retrying.
func retryableCode(code int) bool {
	switch code {
	case CodeUploadFailed, 429, 500, 502, 503, 504:
		return true
	}

	return false
}

// allowedExt filters a push ext map down to the remote's allow-list.
// Returns the filtered map and the keys that were dropped.
func allowedExt(ext map[string]string) (map[string]string, []string) {
	if len(ext) == 0 {
		return nil, nil
	}

	filtered := make(map[string]string, len(ext))

	var dropped []string

	for k, v := range ext {
		switch k {
		case ExtPlasmidLength, ExtSampleLength:
			filtered[k] = v
		default:
			dropped = append(dropped, k)
		}
	}

	if len(filtered) == 0 {
		filtered = nil
	}

	return filtered, dropped
}
