package order

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
)

var (
	ErrJournalClosed = errors.New("intent journal closed")
	ErrUnknownIntent = errors.New("unknown intent")
)

// Journal is the write-ahead log of trade intents. Begin and Placed are
// durable before they return; Commit and Abort may be lost on a crash, which
// only causes a redundant reconciliation.
type Journal interface {
	Begin(Intent) error
	Placed(id string, p broker.Placement) error
	Commit(id string) error
	Abort(id, note string) error
	// Pending returns intents that are neither committed nor aborted, oldest first.
	Pending() []Intent
	Close() error
}

// JournalMetrics tracks persistence statistics.
type JournalMetrics struct {
	Written   uint64 // Entries written to the WAL
	Recovered uint64 // Pending intents recovered on open
	Completed uint64 // Intents committed or aborted
	Failed    uint64 // Write failures
}

// walEntry represents a single WAL entry.
type walEntry struct {
	Stage     Stage     `json:"stage"`
	Intent    Intent    `json:"intent"`
	Timestamp time.Time `json:"timestamp"`
}

// FileJournal is a Journal backed by an append-only JSON-lines file.
type FileJournal struct {
	path    string
	file    *os.File
	mu      sync.Mutex
	pending map[string]Intent
	metrics JournalMetrics
	closed  bool
}

// OpenFileJournal opens (or creates) the journal for one user under dir and
// replays it.
func OpenFileJournal(dir, userID string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	path := filepath.Join(dir, "intents_"+safeName(userID)+".wal")
	j := &FileJournal{path: path, pending: make(map[string]Intent)}
	if err := j.recover(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}
	j.file = file
	return j, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// recover rebuilds the pending set from the WAL and compacts it.
func (j *FileJournal) recover() error {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No WAL file, nothing to recover
		}
		return fmt.Errorf("open WAL for recovery: %w", err)
	}

	done := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Printf("⚠️ WAL parse error (skipping): %v", err)
			continue
		}

		switch entry.Stage {
		case StageBegin, StagePlaced:
			j.pending[entry.Intent.ID] = entry.Intent
		case StageCommit, StageAbort:
			delete(j.pending, entry.Intent.ID)
			done++
		}
	}
	scanErr := scanner.Err()
	file.Close()
	if scanErr != nil {
		return fmt.Errorf("WAL scan error: %w", scanErr)
	}

	atomic.AddUint64(&j.metrics.Recovered, uint64(len(j.pending)))
	if len(j.pending) > 0 {
		log.Printf("🔄 Recovered %d pending intents from %s", len(j.pending), j.path)
	}

	if done > 0 {
		if err := j.compact(); err != nil {
			log.Printf("⚠️ WAL compaction failed: %v", err)
		}
	}
	return nil
}

// compact rewrites the WAL with only pending entries. Called before the
// append handle is opened.
func (j *FileJournal) compact() error {
	tempPath := j.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tempFile)
	for _, in := range j.sortedPending() {
		if err := encoder.Encode(walEntry{Stage: in.Stage, Intent: in, Timestamp: in.CreatedAt}); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	if err := os.Rename(tempPath, j.path); err != nil {
		return err
	}
	log.Printf("✓ WAL compacted: kept %d pending intents", len(j.pending))
	return nil
}

func (j *FileJournal) write(entry walEntry, sync bool) error {
	if j.closed {
		return ErrJournalClosed
	}
	data, err := json.Marshal(entry)
	if err != nil {
		atomic.AddUint64(&j.metrics.Failed, 1)
		return fmt.Errorf("WAL marshal: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		atomic.AddUint64(&j.metrics.Failed, 1)
		return fmt.Errorf("WAL write: %w", err)
	}
	if sync {
		if err := j.file.Sync(); err != nil {
			atomic.AddUint64(&j.metrics.Failed, 1)
			return fmt.Errorf("WAL sync: %w", err)
		}
	}
	atomic.AddUint64(&j.metrics.Written, 1)
	return nil
}

// Begin durably records an intent before the broker call.
func (j *FileJournal) Begin(in Intent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	in.Stage = StageBegin
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	if err := j.write(walEntry{Stage: StageBegin, Intent: in, Timestamp: time.Now()}, true); err != nil {
		return err
	}
	j.pending[in.ID] = in
	return nil
}

// Placed durably records the broker's acknowledgement.
func (j *FileJournal) Placed(id string, p broker.Placement) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	in, ok := j.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, id)
	}
	in.Apply(p)
	if err := j.write(walEntry{Stage: StagePlaced, Intent: in, Timestamp: time.Now()}, true); err != nil {
		return err
	}
	j.pending[id] = in
	return nil
}

// Commit marks the intent as recorded in the ledger.
func (j *FileJournal) Commit(id string) error {
	return j.finish(id, StageCommit, "")
}

// Abort marks the intent as dropped.
func (j *FileJournal) Abort(id, note string) error {
	return j.finish(id, StageAbort, note)
}

func (j *FileJournal) finish(id string, stage Stage, note string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.pending[id]; !ok {
		return nil // Not tracked or already completed
	}
	// Don't sync here for performance, accept a redundant reconcile on crash
	if err := j.write(walEntry{Stage: stage, Intent: Intent{ID: id, Note: note}, Timestamp: time.Now()}, false); err != nil {
		return err
	}
	delete(j.pending, id)
	atomic.AddUint64(&j.metrics.Completed, 1)
	return nil
}

// Pending implements Journal.
func (j *FileJournal) Pending() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sortedPending()
}

func (j *FileJournal) sortedPending() []Intent {
	out := make([]Intent, 0, len(j.pending))
	for _, in := range j.pending {
		out = append(out, in)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// GetMetrics returns persistence metrics.
func (j *FileJournal) GetMetrics() JournalMetrics {
	return JournalMetrics{
		Written:   atomic.LoadUint64(&j.metrics.Written),
		Recovered: atomic.LoadUint64(&j.metrics.Recovered),
		Completed: atomic.LoadUint64(&j.metrics.Completed),
		Failed:    atomic.LoadUint64(&j.metrics.Failed),
	}
}

// Close syncs and closes the WAL file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if j.file == nil {
		return nil
	}
	j.file.Sync()
	return j.file.Close()
}

// MemoryJournal is a Journal without durability, for paper sessions and tests.
type MemoryJournal struct {
	mu      sync.Mutex
	pending map[string]Intent
	closed  bool
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{pending: make(map[string]Intent)}
}

func (m *MemoryJournal) Begin(in Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrJournalClosed
	}
	in.Stage = StageBegin
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	m.pending[in.ID] = in
	return nil
}

func (m *MemoryJournal) Placed(id string, p broker.Placement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrJournalClosed
	}
	in, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, id)
	}
	in.Apply(p)
	m.pending[id] = in
	return nil
}

func (m *MemoryJournal) Commit(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	return nil
}

func (m *MemoryJournal) Abort(id, _ string) error {
	return m.Commit(id)
}

func (m *MemoryJournal) Pending() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Intent, 0, len(m.pending))
	for _, in := range m.pending {
		out = append(out, in)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
