package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/Theogama/signalist-sub003/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func createTrade(t *testing.T, database *db.Database, userID, id string) {
	t.Helper()
	err := database.Queries().CreateBotTrade(context.Background(), db.BotTrade{
		ID: id, UserID: userID, SessionID: "s1", Symbol: "R_100", Direction: "BUY", Class: "multiplier",
		EntryPrice: 100, Stake: 10, Status: "OPEN", Broker: "paper", BrokerHandle: "P-" + id, EntryAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
}

func TestMarkWriterKeepsLatestMark(t *testing.T) {
	database := newTestDB(t)
	createTrade(t, database, "u1", "t1")

	w := NewMarkWriter(database.DB, db.UpdateUnrealizedQuery, 10, time.Hour)
	for _, pnl := range []float64{1, 2, 3.5} {
		w.Mark("u1", "t1", pnl)
	}
	if w.Pending() != 1 {
		t.Fatalf("expected one pending mark, got %d", w.Pending())
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := database.Queries().GetBotTrade(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if got.UnrealizedPnL != 3.5 {
		t.Fatalf("expected latest mark 3.5, got %v", got.UnrealizedPnL)
	}

	s := w.Stats()
	if s.Queued != 3 || s.Coalesced != 2 || s.Flushes != 1 || s.Written != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	w.Close()
	w.Close()
}

func TestMarkWriterFlushesAtCapacity(t *testing.T) {
	database := newTestDB(t)
	createTrade(t, database, "u1", "x")
	createTrade(t, database, "u1", "y")
	w := NewMarkWriter(database.DB, db.UpdateUnrealizedQuery, 2, time.Hour)
	defer w.Close()

	w.Mark("u1", "x", 1)
	w.Mark("u1", "y", 1)
	if w.Pending() != 0 {
		t.Fatalf("expected flush at capacity, %d pending", w.Pending())
	}
	if w.Stats().Flushes != 1 {
		t.Fatalf("expected one flush")
	}
}

func TestMarkWriterForgetDropsPending(t *testing.T) {
	database := newTestDB(t)
	w := NewMarkWriter(database.DB, db.UpdateUnrealizedQuery, 10, time.Hour)
	defer w.Close()

	w.Mark("u1", "t1", 4)
	w.Mark("u2", "t1", 5)
	w.Forget("u1", "t1")
	w.Forget("u1", "missing")
	if w.Pending() != 1 {
		t.Fatalf("expected only u2's mark pending, got %d", w.Pending())
	}
	if w.Stats().Dropped != 1 {
		t.Fatalf("expected one dropped mark, got %+v", w.Stats())
	}
}

func TestMarkWriterCountsFailedBatch(t *testing.T) {
	database := newTestDB(t)
	w := NewMarkWriter(database.DB, "UPDATE no_such_table SET x = ? WHERE a = ? AND b = ?", 10, time.Hour)
	defer w.Close()

	w.Mark("u1", "t1", 1)
	if err := w.Flush(); err == nil {
		t.Fatalf("expected error for bad query")
	}
	if s := w.Stats(); s.Errors != 1 || s.Written != 0 {
		t.Fatalf("expected failed batch to be counted: %+v", s)
	}
	if w.Pending() != 0 {
		t.Fatalf("failed marks are not retried")
	}
}
