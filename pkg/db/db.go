package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// BusyTimeout is how long a writer waits on a locked database. The mark
// writer and the bot runners write from different goroutines.
const BusyTimeout = 5000 // ms

// ErrEmptyPath is returned by New when no database path is configured.
var ErrEmptyPath = errors.New("database path is empty")

// Database holds the single SQLite connection shared by the ledger, the
// signal store and the mark writer.
type Database struct {
	DB   *sql.DB
	Path string
}

// New opens (and creates if needed) the bot database at path and applies
// the connection pragmas.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	memory := path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection, never recycled: an in-memory database lives and dies
	// with it and the pragmas below are per connection.
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	handle.SetConnMaxLifetime(0)

	if err := configure(handle, memory); err != nil {
		handle.Close()
		return nil, err
	}
	return &Database{DB: handle, Path: path}, nil
}

func configure(handle *sql.DB, memory bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", BusyTimeout),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if !memory {
		// Readers (API, health check) don't block the runners' writes.
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := handle.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Queries returns the user-scoped query set bound to this handle.
func (d *Database) Queries() *BotQueries {
	return NewBotQueries(d.DB)
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
