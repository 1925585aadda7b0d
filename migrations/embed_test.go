package migrations

import (
	"strings"
	"testing"
)

func TestListReturnsOrderedPairs(t *testing.T) {
	files, err := List()
	if err != nil {
		t.Fatalf("List() returned error: %v", err)
	}

	if len(files) == 0 {
		t.Fatal("List() returned no migration files")
	}

	if len(files)%2 != 0 {
		t.Errorf("expected an even number of files (up/down pairs), got %d", len(files))
	}

	for i := 1; i < len(files); i++ {
		if files[i-1] >= files[i] {
			t.Errorf("files not sorted: %s before %s", files[i-1], files[i])
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		filename  string
		wantErr   bool
		sequence  int
		direction string
	}{
		{
			name:      "valid up migration",
			filename:  "001_create_projects.up.sql",
			sequence:  1,
			direction: "up",
		},
		{
			name:      "valid down migration",
			filename:  "004_create_sequence_runs.down.sql",
			sequence:  4,
			direction: "down",
		},
		{
			name:     "missing sequence prefix",
			filename: "create_projects.up.sql",
			wantErr:  true,
		},
		{
			name:     "two digit sequence",
			filename: "01_create_projects.up.sql",
			wantErr:  true,
		},
		{
			name:     "invalid direction",
			filename: "001_create_projects.sideways.sql",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Parse(tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got nil", tt.filename)
				}

				return
			}

			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.filename, err)
			}

			if info.Sequence != tt.sequence {
				t.Errorf("sequence = %d, want %d", info.Sequence, tt.sequence)
			}

			if info.Direction != tt.direction {
				t.Errorf("direction = %q, want %q", info.Direction, tt.direction)
			}
		})
	}
}

func TestChecksumsCoverAllFiles(t *testing.T) {
	files, err := List()
	if err != nil {
		t.Fatalf("List() returned error: %v", err)
	}

	sums, err := Checksums()
	if err != nil {
		t.Fatalf("Checksums() returned error: %v", err)
	}

	if len(sums) != len(files) {
		t.Fatalf("checksum count = %d, want %d", len(sums), len(files))
	}

	for file, sum := range sums {
		if len(sum) != 64 {
			t.Errorf("checksum for %s has length %d, want 64 hex chars", file, len(sum))
		}

		if strings.ToLower(sum) != sum {
			t.Errorf("checksum for %s is not lowercase hex: %s", file, sum)
		}
	}
}
