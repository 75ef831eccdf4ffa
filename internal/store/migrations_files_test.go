package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// The rollback path derives a down file from the recorded up file name, so
// every up migration needs a sibling that differs only in its suffix.
func TestEveryUpMigrationCanBeRolledBack(t *testing.T) {
	dir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	ups := migrationFiles(entries, dir, ".up.sql")
	downs := migrationFiles(entries, dir, ".down.sql")
	if len(ups) == 0 {
		t.Fatal("no up migrations found")
	}
	if len(ups) != len(downs) {
		t.Fatalf("found %d up and %d down migrations", len(ups), len(downs))
	}

	for i, up := range ups {
		stem := strings.TrimSuffix(filepath.Base(up), ".up.sql")
		if want := fmt.Sprintf("%04d_", i+1); !strings.HasPrefix(stem, want) {
			t.Fatalf("%s: expected version prefix %s, versions must be contiguous", stem, want)
		}
		if got := strings.TrimSuffix(filepath.Base(downs[i]), ".down.sql"); got != stem {
			t.Fatalf("%s: rollback would look for %s.down.sql, found %s", stem, stem, filepath.Base(downs[i]))
		}
		for _, file := range []string{up, downs[i]} {
			contents, err := os.ReadFile(file)
			if err != nil {
				t.Fatalf("read %s: %v", file, err)
			}
			if strings.TrimSpace(string(contents)) == "" {
				t.Fatalf("%s is empty", filepath.Base(file))
			}
		}
	}
}
