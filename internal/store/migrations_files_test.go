package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

// Every schema version must ship a reversible pair so ApplyMigrations and a
// manual rollback always have both directions available.
func TestMigrationsShipInUpDownPairs(t *testing.T) {
	dir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	versions := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if versions[version] == nil {
			versions[version] = map[string]bool{}
		}
		if versions[version][direction] {
			t.Fatalf("duplicate %s migration for version %s", direction, version)
		}
		versions[version][direction] = true

		info, err := entry.Info()
		if err != nil {
			t.Fatalf("stat %s: %v", entry.Name(), err)
		}
		if direction == "up" && info.Size() == 0 {
			t.Fatalf("empty up migration %s", entry.Name())
		}
	}

	if len(versions) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, directions := range versions {
		if !directions["up"] || !directions["down"] {
			t.Fatalf("version %s is missing its up or down file", version)
		}
	}
}
