package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/persistence"
	"github.com/Theogama/signalist-sub003/pkg/db"
)

var (
	_ Ledger        = (*SQLStore)(nil)
	_ SettingsStore = (*SQLStore)(nil)
	_ History       = (*SQLStore)(nil)
)

// SQLStore implements Ledger, SettingsStore and History on the SQLite
// database. Unrealized marks go through a MarkWriter.
type SQLStore struct {
	q     *db.BotQueries
	marks *persistence.MarkWriter
}

// NewSQLStore wraps database. marks may be nil, in which case marks are
// written directly.
func NewSQLStore(database *db.Database, marks *persistence.MarkWriter) *SQLStore {
	return &SQLStore{q: database.Queries(), marks: marks}
}

func (s *SQLStore) RecordTrade(ctx context.Context, t Trade) error {
	if t.Status == "" {
		t.Status = StatusOpen
	}
	return mapErr(s.q.CreateBotTrade(ctx, toRow(t)))
}

func (s *SQLStore) UpdateTrade(ctx context.Context, userID, tradeID string, st Settlement) error {
	if !st.Status.Terminal() {
		return fmt.Errorf("settle trade %s: status %q is not terminal", tradeID, st.Status)
	}
	if st.ExitAt.IsZero() {
		st.ExitAt = time.Now()
	}
	ok, err := s.q.SettleBotTrade(ctx, userID, tradeID, string(st.Status), st.ExitPrice, st.RealizedPnL, st.ExitAt)
	if err != nil {
		return mapErr(err)
	}
	if !ok {
		return fmt.Errorf("settle trade %s: %w", tradeID, ErrNotOpen)
	}
	if s.marks != nil {
		s.marks.Forget(userID, tradeID)
	}
	return nil
}

func (s *SQLStore) RecordSession(ctx context.Context, sess Session) error {
	row, err := sessionRow(sess)
	if err != nil {
		return err
	}
	return mapErr(s.q.CreateBotSession(ctx, row))
}

func (s *SQLStore) UpdateSession(ctx context.Context, sess Session) error {
	row, err := sessionRow(sess)
	if err != nil {
		return err
	}
	return mapErr(s.q.UpdateBotSession(ctx, row))
}

func (s *SQLStore) OpenTrades(ctx context.Context, userID string) ([]Trade, error) {
	rows, err := s.q.ListOpenBotTrades(ctx, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func (s *SQLStore) MarkUnrealized(userID, tradeID string, pnl float64) {
	if s.marks != nil {
		s.marks.Mark(userID, tradeID, pnl)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.q.ExecUnrealized(ctx, userID, tradeID, pnl)
}

// Trade returns one trade.
func (s *SQLStore) Trade(ctx context.Context, userID, tradeID string) (Trade, error) {
	r, err := s.q.GetBotTrade(ctx, userID, tradeID)
	if err != nil {
		return Trade{}, mapErr(err)
	}
	return fromRow(*r), nil
}

func (s *SQLStore) Trades(ctx context.Context, userID string, limit int) ([]Trade, error) {
	rows, err := s.q.GetBotTradesByUser(ctx, userID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func (s *SQLStore) Sessions(ctx context.Context, userID string, limit int) ([]Session, error) {
	rows, err := s.q.ListBotSessions(ctx, userID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]Session, 0, len(rows))
	for _, r := range rows {
		sess, err := fromSessionRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *SQLStore) LoadDaily(ctx context.Context, userID string) (Daily, error) {
	row, err := s.q.GetDailyState(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return Daily{UserID: userID}, nil
	}
	if err != nil {
		return Daily{}, mapErr(err)
	}
	return Daily{
		UserID:            row.UserID,
		TradingDay:        row.TradingDay,
		TradeCount:        row.TradeCount,
		RealizedLoss:      row.RealizedLoss,
		PnL:               row.PnL,
		ConsecutiveLosses: row.ConsecutiveLosses,
	}, nil
}

func (s *SQLStore) SaveDaily(ctx context.Context, d Daily) error {
	return mapErr(s.q.UpsertDailyState(ctx, db.DailyState{
		UserID:            d.UserID,
		TradingDay:        d.TradingDay,
		TradeCount:        d.TradeCount,
		RealizedLoss:      d.RealizedLoss,
		PnL:               d.PnL,
		ConsecutiveLosses: d.ConsecutiveLosses,
	}))
}

func mapErr(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if errors.Is(err, db.ErrDuplicate) {
		return fmt.Errorf("%w: %v", ErrExists, err)
	}
	return err
}

func toRow(t Trade) db.BotTrade {
	r := db.BotTrade{
		ID:            t.ID,
		UserID:        t.UserID,
		SessionID:     t.SessionID,
		SignalID:      t.SignalID,
		Symbol:        t.Symbol,
		Direction:     string(t.Direction),
		Class:         string(t.Class),
		EntryPrice:    t.EntryPrice,
		Stake:         t.Stake,
		Quantity:      t.Quantity,
		StopLoss:      t.StopLoss,
		TakeProfit:    t.TakeProfit,
		Status:        string(t.Status),
		RealizedPnL:   t.RealizedPnL,
		UnrealizedPnL: t.UnrealizedPnL,
		Broker:        string(t.Broker),
		BrokerHandle:  t.BrokerHandle,
		EntryAt:       t.EntryAt,
	}
	if t.ExitPrice != nil {
		r.ExitPrice = sql.NullFloat64{Float64: *t.ExitPrice, Valid: true}
	}
	if t.ExitAt != nil {
		r.ExitAt = sql.NullTime{Time: t.ExitAt.UTC(), Valid: true}
	}
	return r
}

func fromRow(r db.BotTrade) Trade {
	t := Trade{
		ID:            r.ID,
		UserID:        r.UserID,
		SessionID:     r.SessionID,
		SignalID:      r.SignalID,
		Symbol:        r.Symbol,
		Direction:     broker.Direction(r.Direction),
		Class:         broker.Class(r.Class),
		EntryPrice:    r.EntryPrice,
		Stake:         r.Stake,
		Quantity:      r.Quantity,
		StopLoss:      r.StopLoss,
		TakeProfit:    r.TakeProfit,
		Status:        Status(r.Status),
		RealizedPnL:   r.RealizedPnL,
		UnrealizedPnL: r.UnrealizedPnL,
		Broker:        broker.Kind(r.Broker),
		BrokerHandle:  r.BrokerHandle,
		EntryAt:       r.EntryAt,
	}
	if r.ExitPrice.Valid {
		v := r.ExitPrice.Float64
		t.ExitPrice = &v
	}
	if r.ExitAt.Valid {
		v := r.ExitAt.Time
		t.ExitAt = &v
	}
	return t
}

func sessionRow(s Session) (db.BotSession, error) {
	policy, err := json.Marshal(s.Policy)
	if err != nil {
		return db.BotSession{}, fmt.Errorf("encode session policy: %w", err)
	}
	r := db.BotSession{
		ID:                s.ID,
		UserID:            s.UserID,
		Broker:            string(s.Broker),
		Status:            s.Status,
		StartBalance:      s.StartBalance,
		EndBalance:        s.EndBalance,
		PeakBalance:       s.PeakBalance,
		Policy:            string(policy),
		TradeCount:        s.TradeCount,
		Wins:              s.Wins,
		Losses:            s.Losses,
		RealizedPnL:       s.RealizedPnL,
		ConsecutiveLosses: s.ConsecutiveLosses,
		StartedAt:         s.StartedAt,
	}
	if s.StoppedAt != nil {
		r.StoppedAt = sql.NullTime{Time: s.StoppedAt.UTC(), Valid: true}
	}
	return r, nil
}

func fromSessionRow(r db.BotSession) (Session, error) {
	s := Session{
		ID:                r.ID,
		UserID:            r.UserID,
		Broker:            broker.Kind(r.Broker),
		Status:            r.Status,
		StartBalance:      r.StartBalance,
		EndBalance:        r.EndBalance,
		PeakBalance:       r.PeakBalance,
		TradeCount:        r.TradeCount,
		Wins:              r.Wins,
		Losses:            r.Losses,
		RealizedPnL:       r.RealizedPnL,
		ConsecutiveLosses: r.ConsecutiveLosses,
		StartedAt:         r.StartedAt,
	}
	if err := json.Unmarshal([]byte(r.Policy), &s.Policy); err != nil {
		return Session{}, fmt.Errorf("decode session %s policy: %w", r.ID, err)
	}
	if r.StoppedAt.Valid {
		v := r.StoppedAt.Time
		s.StoppedAt = &v
	}
	return s, nil
}
