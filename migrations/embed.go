// Package migrations embeds the SQL schema migrations for the seqpipe
// database and validates them before they are handed to golang-migrate.
//
// All migrations are embedded at build time using go:embed, enabling
// zero-config deployment without external file dependencies. The same
// embedded filesystem backs cmd/migrator and the integration-test helper
// in internal/config.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// Migration filename format: 001_migration_name.up.sql or 001_migration_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// ErrNoMigrations is returned when the embedded filesystem contains no migration files.
var ErrNoMigrations = errors.New("no embedded migration files found")

// Info contains parsed information about a single migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// FS returns the embedded filesystem containing all migration files.
func FS() fs.FS {
	return embedded
}

// List returns all embedded migration files that conform to the naming
// standard, in lexicographic order. Files with invalid names are excluded;
// Validate reports them as errors.
func List() ([]string, error) {
	entries, err := fs.ReadDir(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && filenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	// Lexicographic order matches sequence order with zero-padded prefixes.
	sort.Strings(files)

	return files, nil
}

// Validate checks the embedded migration set: filename format, up/down
// pairing, a gapless sequence starting at 001, and that every file is
// readable. Called once at migrator startup so a bad build fails fast.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[string]map[string]bool) // 001_name -> direction -> present
	sequences := make(map[int]bool)

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return fmt.Errorf("filename validation failed for %s: %w", file, err)
		}

		if _, err := fs.ReadFile(embedded, file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][info.Direction] = true
		sequences[info.Sequence] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return validateSequence(sequences)
}

// Checksums returns a filename -> SHA256 map of every embedded migration,
// used to detect a modified migration set between deployments.
func Checksums() (map[string]string, error) {
	files, err := List()
	if err != nil {
		return nil, err
	}

	sums := make(map[string]string, len(files))

	for _, file := range files {
		content, err := fs.ReadFile(embedded, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		sums[file] = fmt.Sprintf("%x", sha256.Sum256(content))
	}

	return sums, nil
}

// Parse extracts the sequence, name, and direction from a migration filename.
func Parse(filename string) (*Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validateSequence ensures sequence numbers start at 1 with no gaps.
func validateSequence(sequences map[int]bool) error {
	numbers := make([]int, 0, len(sequences))
	for seq := range sequences {
		numbers = append(numbers, seq)
	}

	sort.Ints(numbers)

	if len(numbers) == 0 {
		return nil
	}

	if numbers[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", numbers[0])
	}

	for i := 1; i < len(numbers); i++ {
		if numbers[i] != numbers[i-1]+1 {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				numbers[i-1]+1,
				numbers[i],
			)
		}
	}

	return nil
}
