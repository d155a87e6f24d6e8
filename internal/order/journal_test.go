package order

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
)

func testIntent(id string, at time.Time) Intent {
	return Intent{
		ID:         id,
		UserID:     "user-a",
		SessionID:  "s1",
		Symbol:     "R_100",
		Direction:  broker.Buy,
		Class:      broker.Multiplier,
		Stake:      10,
		EntryPrice: 100,
		CreatedAt:  at,
	}
}

func TestFileJournalRecoversPendingIntents(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenFileJournal(dir, "user-a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	base := time.Now()
	for i, id := range []string{"i1", "i2", "i3", "i4"} {
		if err := j.Begin(testIntent(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
	}
	if err := j.Placed("i2", broker.Placement{Handle: "C-i2", EntryPrice: 101, Stake: 10}); err != nil {
		t.Fatalf("placed: %v", err)
	}
	if err := j.Placed("i3", broker.Placement{Handle: "C-i3"}); err != nil {
		t.Fatalf("placed: %v", err)
	}
	if err := j.Commit("i3"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := j.Abort("i4", "insufficient balance"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := j.Placed("missing", broker.Placement{}); err == nil {
		t.Fatalf("placing an unknown intent must fail")
	}
	if m := j.GetMetrics(); m.Written != 8 || m.Completed != 2 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := j.Begin(testIntent("late", base)); err != ErrJournalClosed {
		t.Fatalf("expected ErrJournalClosed, got %v", err)
	}

	reopened, err := OpenFileJournal(dir, "user-a")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	pending := reopened.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending intents, got %+v", pending)
	}
	if pending[0].ID != "i1" || pending[0].Stage != StageBegin {
		t.Fatalf("unexpected first intent: %+v", pending[0])
	}
	if pending[1].ID != "i2" || pending[1].Stage != StagePlaced || pending[1].Handle != "C-i2" || pending[1].EntryPrice != 101 {
		t.Fatalf("unexpected second intent: %+v", pending[1])
	}
	if reopened.GetMetrics().Recovered != 2 {
		t.Fatalf("expected 2 recovered intents")
	}
}

func TestFileJournalSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenFileJournal(dir, "user/b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Begin(testIntent("i1", time.Now())); err != nil {
		t.Fatalf("begin: %v", err)
	}
	j.Close()

	path := filepath.Join(dir, "intents_user_b.wal")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("journal file not at sanitized path: %v", err)
	}
	f.WriteString("{not json\n")
	f.Close()

	reopened, err := OpenFileJournal(dir, "user/b")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if len(reopened.Pending()) != 1 {
		t.Fatalf("expected the valid intent to survive")
	}
}

func TestMemoryJournal(t *testing.T) {
	m := NewMemoryJournal()
	if err := m.Begin(testIntent("i1", time.Now())); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.Placed("i1", broker.Placement{Handle: "P-1", Quantity: 2}); err != nil {
		t.Fatalf("placed: %v", err)
	}
	p := m.Pending()
	if len(p) != 1 || p[0].Handle != "P-1" || p[0].Quantity != 2 || p[0].Stage != StagePlaced {
		t.Fatalf("unexpected pending: %+v", p)
	}
	m.Commit("i1")
	if len(m.Pending()) != 0 {
		t.Fatalf("commit must clear the intent")
	}
}

func TestIntentRequest(t *testing.T) {
	in := testIntent("i9", time.Now())
	in.StopLoss = 95
	req := in.Request(broker.DefaultTag)
	if req.ClientID != "i9" || req.StopLoss != 95 || req.Tag != broker.DefaultTag || req.Stake != 10 {
		t.Fatalf("unexpected request: %+v", req)
	}
}
