// Package persistence batches high-frequency, loss-tolerant database writes
// such as unrealized P/L marks.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// Mark is the latest unrealized P/L of an open trade.
type Mark struct {
	UserID  string
	TradeID string
	PnL     float64
}

type markKey struct{ user, trade string }

// MarkStats describes the writer's activity.
type MarkStats struct {
	Queued    uint64    `json:"queued"`
	Coalesced uint64    `json:"coalesced"`
	Dropped   uint64    `json:"dropped"`
	Flushes   uint64    `json:"flushes"`
	Written   uint64    `json:"written"`
	Errors    uint64    `json:"errors"`
	LastSize  int       `json:"last_size"`
	LastFlush time.Time `json:"last_flush"`
}

// MarkWriter keeps only the newest mark per trade and writes the pending
// set in one transaction per flush. query receives (pnl, trade id, user id).
type MarkWriter struct {
	db       *sql.DB
	query    string
	maxSize  int
	interval time.Duration

	mu      sync.Mutex
	pending map[markKey]Mark
	stats   MarkStats

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewMarkWriter starts a writer that flushes when maxSize trades have
// pending marks or every interval.
func NewMarkWriter(db *sql.DB, query string, maxSize int, interval time.Duration) *MarkWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	w := &MarkWriter{
		db:       db,
		query:    query,
		maxSize:  maxSize,
		interval: interval,
		pending:  make(map[markKey]Mark),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Mark queues pnl for the trade, replacing any pending mark.
func (w *MarkWriter) Mark(userID, tradeID string, pnl float64) {
	k := markKey{userID, tradeID}
	w.mu.Lock()
	w.stats.Queued++
	if _, ok := w.pending[k]; ok {
		w.stats.Coalesced++
	}
	w.pending[k] = Mark{UserID: userID, TradeID: tradeID, PnL: pnl}
	full := len(w.pending) >= w.maxSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			log.Printf("⚠️ marks: flush at capacity: %v", err)
		}
	}
}

// Forget drops the pending mark of a trade that has settled.
func (w *MarkWriter) Forget(userID, tradeID string) {
	k := markKey{userID, tradeID}
	w.mu.Lock()
	if _, ok := w.pending[k]; ok {
		delete(w.pending, k)
		w.stats.Dropped++
	}
	w.mu.Unlock()
}

// Flush writes all pending marks now. Marks of a failed batch are lost;
// the next tick supplies fresh ones.
func (w *MarkWriter) Flush() error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := make([]Mark, 0, len(w.pending))
	for _, m := range w.pending {
		batch = append(batch, m)
	}
	w.pending = make(map[markKey]Mark)
	w.stats.Flushes++
	w.stats.LastSize = len(batch)
	w.stats.LastFlush = time.Now()
	w.mu.Unlock()

	err := w.write(batch)
	w.mu.Lock()
	if err != nil {
		w.stats.Errors++
	} else {
		w.stats.Written += uint64(len(batch))
	}
	w.mu.Unlock()
	return err
}

func (w *MarkWriter) write(batch []Mark) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin marks tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, w.query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare mark: %w", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.ExecContext(ctx, m.PnL, m.TradeID, m.UserID); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark %s/%s: %w", m.UserID, m.TradeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit marks: %w", err)
	}
	return nil
}

func (w *MarkWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				log.Printf("⚠️ marks: background flush: %v", err)
			}
		case <-w.done:
			if err := w.Flush(); err != nil {
				log.Printf("⚠️ marks: final flush: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of trades with an unwritten mark.
func (w *MarkWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Stats returns a copy of the writer's counters.
func (w *MarkWriter) Stats() MarkStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close flushes and stops the writer. Safe to call more than once.
func (w *MarkWriter) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}
