package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"coedit/api/internal/store/migrations"
)

func TestMigrationsHaveUpAndDownSections(t *testing.T) {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d{5})_[a-z0-9_]+\.sql$`)
	seen := map[string]bool{}
	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected migration file name %q", entry.Name())
		}
		if seen[match[1]] {
			t.Fatalf("duplicate migration version %s", match[1])
		}
		seen[match[1]] = true

		body, err := fs.ReadFile(migrations.FS, entry.Name())
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		text := string(body)
		up := strings.Index(text, "-- +goose Up")
		down := strings.Index(text, "-- +goose Down")
		if up < 0 || down < 0 || down < up {
			t.Fatalf("%s must contain an Up section followed by a Down section", entry.Name())
		}
		if strings.Count(text, "-- +goose StatementBegin") != strings.Count(text, "-- +goose StatementEnd") {
			t.Fatalf("%s has unbalanced statement blocks", entry.Name())
		}
	}
	if len(seen) == 0 {
		t.Fatal("no migrations embedded")
	}
}

func TestNotifyTriggerCoversFeedTables(t *testing.T) {
	body, err := fs.ReadFile(migrations.FS, "00001_init.sql")
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "pg_notify('"+NotifyChannel+"'") {
		t.Fatalf("init migration does not notify on %s", NotifyChannel)
	}
	for _, table := range []string{"documents", "collaborators", "comments"} {
		if !strings.Contains(text, "ON "+table+"\n") {
			t.Fatalf("no notify trigger on %s", table)
		}
	}
}
