package signal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/pkg/db"
)

var (
	_ Source    = (*SQLSource)(nil)
	_ Publisher = (*SQLSource)(nil)
)

// SQLSource reads signals from the signals table.
type SQLSource struct {
	q *db.BotQueries
}

func NewSQLSource(database *db.Database) *SQLSource {
	return &SQLSource{q: database.Queries()}
}

func (s *SQLSource) Active(ctx context.Context, f Filter) ([]Signal, error) {
	rows, err := s.q.ListActiveSignals(ctx, f.UserID, f.Symbols, f.Sources)
	if err != nil {
		return nil, err
	}
	out := make([]Signal, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func (s *SQLSource) MarkExecuted(ctx context.Context, id string) error {
	ok, err := s.q.MarkSignalExecuted(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("signal %s: %w", id, ErrNotActive)
	}
	return nil
}

func (s *SQLSource) Latest(ctx context.Context, f Filter, symbol string) (Signal, bool, error) {
	rows, err := s.q.RecentSignals(ctx, f.UserID, symbol, f.Sources, 1)
	if err != nil {
		return Signal{}, false, err
	}
	if len(rows) == 0 {
		return Signal{}, false, nil
	}
	return fromRow(rows[0]), true, nil
}

// Publish validates and stores a signal, assigning an id when missing.
func (s *SQLSource) Publish(ctx context.Context, sig Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	return s.q.InsertSignal(ctx, db.Signal{
		ID:         sig.ID,
		UserID:     sig.UserID,
		Symbol:     sig.Symbol,
		Action:     string(sig.Action),
		Price:      sig.Price,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Source:     sig.Source,
		Status:     string(StatusActive),
		CreatedAt:  sig.CreatedAt,
	})
}

// Expire marks active signals older than maxAge as expired.
func (s *SQLSource) Expire(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.q.ExpireSignals(ctx, time.Now().Add(-maxAge))
}

func fromRow(r db.Signal) Signal {
	return Signal{
		ID:         r.ID,
		UserID:     r.UserID,
		Symbol:     r.Symbol,
		Action:     broker.Direction(r.Action),
		Price:      r.Price,
		StopLoss:   r.StopLoss,
		TakeProfit: r.TakeProfit,
		Source:     r.Source,
		Status:     Status(r.Status),
		CreatedAt:  r.CreatedAt,
		ExecutedAt: nullTime(r.ExecutedAt),
	}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
