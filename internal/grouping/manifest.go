package grouping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/seqpipe-io/seqpipe/internal/storage"
)

const (
	manifestName = "input.tsv"
	scriptName   = "run.sh"

	manifestHeader = "sample_id\tsequence_id\tversion\tanalysis_type\traw_data_path\tparameters\n"
)

// buildManifest renders the member table the workflow engine consumes.
// Members are ordered by (sample_id, sequence_id) and parameters are
// canonical JSON, so the same member set always renders byte-identical —
// the engine's resume detection depends on that.
func buildManifest(members []*storage.SequenceRun) ([]byte, error) {
	ordered := make([]*storage.SequenceRun, len(members))
	copy(ordered, members)

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].SampleID != ordered[j].SampleID {
			return ordered[i].SampleID < ordered[j].SampleID
		}

		return ordered[i].SequenceID < ordered[j].SequenceID
	})

	var buf bytes.Buffer

	buf.WriteString(manifestHeader)

	for _, run := range ordered {
		params, err := canonicalParameters(run.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to encode parameters for %s: %w", run.SequenceID, err)
		}

		fmt.Fprintf(&buf, "%s\t%s\t%d\t%s\t%s\t%s\n",
			run.SampleID, run.SequenceID, run.Version,
			run.AnalysisType, run.RawDataPath, params,
		)
	}

	return buf.Bytes(), nil
}

// canonicalParameters encodes the parameter map as JSON with sorted keys
// (encoding/json sorts map keys). A nil map renders as an empty object.
func canonicalParameters(params map[string]string) (string, error) {
	if params == nil {
		return "{}", nil
	}

	data, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// buildRunScript renders the work-dir entry script. With a template dir
// configured the makefile is taken from there; otherwise the work dir is
// expected to carry its own.
func buildRunScript(templateDir string) []byte {
	var buf bytes.Buffer

	buf.WriteString("#!/bin/bash\n\nset -e\n\n")

	if templateDir != "" {
		fmt.Fprintf(&buf, "make -f %s all\n", filepath.Join(templateDir, "run.mk"))
	} else {
		buf.WriteString("make -f run.mk all\n")
	}

	return buf.Bytes()
}

// writeWorkDir materializes the task work directory with its manifest
// and entry script. Existing copies are renamed aside first so a
// superseded manifest stays inspectable.
func writeWorkDir(dir string, manifest, script []byte) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create work dir %s: %w", dir, err)
	}

	manifestPath := filepath.Join(dir, manifestName)
	if err := backupExisting(manifestPath); err != nil {
		return err
	}

	if err := os.WriteFile(manifestPath, manifest, 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", manifestPath, err)
	}

	scriptPath := filepath.Join(dir, scriptName)
	if err := backupExisting(scriptPath); err != nil {
		return err
	}

	if err := os.WriteFile(scriptPath, script, 0o750); err != nil {
		return fmt.Errorf("failed to write %s: %w", scriptPath, err)
	}

	return nil
}

// backupExisting moves an existing file aside to <name>.bak, replacing
// any earlier backup.
func backupExisting(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := os.Rename(path, path+".bak"); err != nil {
		return fmt.Errorf("failed to back up %s: %w", path, err)
	}

	return nil
}
