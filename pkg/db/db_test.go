package db

import (
	"errors"
	"path/filepath"
	"testing"
)

func pragma(t *testing.T, d *Database, name string) string {
	t.Helper()
	var v string
	if err := d.DB.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return v
}

func TestNewAppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bot.db")
	database, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()

	if got := pragma(t, database, "busy_timeout"); got != "5000" {
		t.Errorf("busy_timeout = %s, want 5000", got)
	}
	if got := pragma(t, database, "foreign_keys"); got != "1" {
		t.Errorf("foreign_keys = %s, want 1", got)
	}
	if got := pragma(t, database, "journal_mode"); got != "wal" {
		t.Errorf("journal_mode = %s, want wal", got)
	}
	// NORMAL
	if got := pragma(t, database, "synchronous"); got != "1" {
		t.Errorf("synchronous = %s, want 1", got)
	}
	if database.Path != path {
		t.Errorf("path = %s, want %s", database.Path, path)
	}
}

func TestMemoryDatabaseSurvivesIdle(t *testing.T) {
	database := newTestDB(t)
	if got := pragma(t, database, "busy_timeout"); got != "5000" {
		t.Errorf("busy_timeout = %s, want 5000", got)
	}
	if got := pragma(t, database, "journal_mode"); got != "memory" {
		t.Errorf("journal_mode = %s, want memory", got)
	}

	// Migrations applied by newTestDB are still visible on later queries.
	var n int
	if err := database.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table'").Scan(&n); err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if n == 0 {
		t.Fatal("in-memory schema was lost")
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("expected ErrEmptyPath, got %v", err)
	}
}
