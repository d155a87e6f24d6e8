// Package db provides user-isolated database queries for the bot ledger.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("record already exists")
)

// BotQueries provides user-isolated database queries.
type BotQueries struct {
	db *sql.DB
}

// NewBotQueries creates a new BotQueries instance.
func NewBotQueries(db *sql.DB) *BotQueries {
	return &BotQueries{db: db}
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

// CreateBotTrade inserts an OPEN trade.
func (q *BotQueries) CreateBotTrade(ctx context.Context, t BotTrade) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO bot_trades (`+botTradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.SessionID, t.SignalID, t.Symbol, t.Direction, t.Class,
		t.EntryPrice, t.ExitPrice, t.Stake, t.Quantity, t.StopLoss, t.TakeProfit, t.Status,
		t.RealizedPnL, t.UnrealizedPnL, t.Broker, t.BrokerHandle, t.EntryAt.UTC(), t.ExitAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert bot trade %s: %w", t.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert bot trade: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

// SettleBotTrade moves an OPEN trade to a terminal status. Returns false when
// the trade was already terminal or does not exist.
func (q *BotQueries) SettleBotTrade(ctx context.Context, userID, id, status string, exitPrice, pnl float64, exitAt time.Time) (bool, error) {
	if userID == "" {
		return false, ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE bot_trades
		SET status = ?, exit_price = ?, realized_pnl = ?, unrealized_pnl = 0, exit_at = ?
		WHERE id = ? AND user_id = ? AND status = 'OPEN'
	`, status, exitPrice, pnl, exitAt.UTC(), id, userID)
	if err != nil {
		return false, fmt.Errorf("settle bot trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetBotTrade returns one trade for a user.
func (q *BotQueries) GetBotTrade(ctx context.Context, userID, id string) (*BotTrade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+botTradeColumns+` FROM bot_trades WHERE id = ? AND user_id = ?`, id, userID)
	t, err := scanBotTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bot trade: %w", err)
	}
	return &t, nil
}

// ListOpenBotTrades returns the user's OPEN trades, oldest first.
func (q *BotQueries) ListOpenBotTrades(ctx context.Context, userID string) ([]BotTrade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.queryTrades(ctx, `SELECT `+botTradeColumns+` FROM bot_trades
		WHERE user_id = ? AND status = 'OPEN' ORDER BY rowid ASC`, userID)
}

// GetBotTradesByUser returns the most recent trades for a user.
func (q *BotQueries) GetBotTradesByUser(ctx context.Context, userID string, limit int) ([]BotTrade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	return q.queryTrades(ctx, `SELECT `+botTradeColumns+` FROM bot_trades
		WHERE user_id = ? ORDER BY rowid DESC LIMIT ?`, userID, limit)
}

func (q *BotQueries) queryTrades(ctx context.Context, query string, args ...any) ([]BotTrade, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bot trades: %w", err)
	}
	defer rows.Close()

	var trades []BotTrade
	for rows.Next() {
		t, err := scanBotTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ExecUnrealized refreshes the mark of an open trade immediately.
func (q *BotQueries) ExecUnrealized(ctx context.Context, userID, id string, pnl float64) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if _, err := q.db.ExecContext(ctx, UpdateUnrealizedQuery, pnl, id, userID); err != nil {
		return fmt.Errorf("update unrealized pnl: %w", err)
	}
	return nil
}

// ----------------------------------------
// Session Queries
// ----------------------------------------

// CreateBotSession inserts a new session.
func (q *BotQueries) CreateBotSession(ctx context.Context, s BotSession) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO bot_sessions (`+botSessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.Broker, s.Status, s.StartBalance, s.EndBalance, s.PeakBalance,
		s.Policy, s.TradeCount, s.Wins, s.Losses, s.RealizedPnL, s.ConsecutiveLosses, s.StartedAt.UTC(), s.StoppedAt)
	if err != nil {
		return fmt.Errorf("insert bot session: %w", err)
	}
	return nil
}

// UpdateBotSession writes the session counters and closing fields.
func (q *BotQueries) UpdateBotSession(ctx context.Context, s BotSession) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE bot_sessions
		SET status = ?, end_balance = ?, peak_balance = ?, trade_count = ?, wins = ?, losses = ?,
		    realized_pnl = ?, consecutive_losses = ?, stopped_at = ?
		WHERE id = ? AND user_id = ?
	`, s.Status, s.EndBalance, s.PeakBalance, s.TradeCount, s.Wins, s.Losses,
		s.RealizedPnL, s.ConsecutiveLosses, s.StoppedAt, s.ID, s.UserID)
	if err != nil {
		return fmt.Errorf("update bot session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBotSession returns one session for a user.
func (q *BotQueries) GetBotSession(ctx context.Context, userID, id string) (*BotSession, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+botSessionColumns+` FROM bot_sessions WHERE id = ? AND user_id = ?`, id, userID)
	s, err := scanBotSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bot session: %w", err)
	}
	return &s, nil
}

// ListBotSessions returns the most recent sessions for a user.
func (q *BotQueries) ListBotSessions(ctx context.Context, userID string, limit int) ([]BotSession, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+botSessionColumns+` FROM bot_sessions
		WHERE user_id = ? ORDER BY rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query bot sessions: %w", err)
	}
	defer rows.Close()

	var sessions []BotSession
	for rows.Next() {
		s, err := scanBotSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ----------------------------------------
// Daily State Queries
// ----------------------------------------

// GetDailyState returns the stored daily counters, or ErrNotFound.
func (q *BotQueries) GetDailyState(ctx context.Context, userID string) (*DailyState, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var s DailyState
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, trading_day, trade_count, realized_loss, pnl, consecutive_losses, updated_at
		FROM bot_daily_state WHERE user_id = ?
	`, userID).Scan(&s.UserID, &s.TradingDay, &s.TradeCount, &s.RealizedLoss, &s.PnL, &s.ConsecutiveLosses, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan daily state: %w", err)
	}
	return &s, nil
}

// UpsertDailyState creates or replaces the daily counters of a user.
func (q *BotQueries) UpsertDailyState(ctx context.Context, s DailyState) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO bot_daily_state (user_id, trading_day, trade_count, realized_loss, pnl, consecutive_losses, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			trading_day = excluded.trading_day,
			trade_count = excluded.trade_count,
			realized_loss = excluded.realized_loss,
			pnl = excluded.pnl,
			consecutive_losses = excluded.consecutive_losses,
			updated_at = excluded.updated_at
	`, s.UserID, s.TradingDay, s.TradeCount, s.RealizedLoss, s.PnL, s.ConsecutiveLosses, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert daily state: %w", err)
	}
	return nil
}

// ----------------------------------------
// Signal Queries
// ----------------------------------------

// InsertSignal stores a new signal.
func (q *BotQueries) InsertSignal(ctx context.Context, s Signal) error {
	if s.Status == "" {
		s.Status = "active"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO signals (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.Symbol, s.Action, s.Price, s.StopLoss, s.TakeProfit, s.Source, s.Status, s.CreatedAt.UTC(), s.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// ListActiveSignals returns active signals visible to userID (own or broadcast),
// optionally restricted to symbols and sources, oldest first.
func (q *BotQueries) ListActiveSignals(ctx context.Context, userID string, symbols, sources []string) ([]Signal, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	query := `SELECT ` + signalColumns + ` FROM signals WHERE status = 'active' AND (user_id = ? OR user_id = '')`
	args := []any{userID}
	query, args = appendIn(query, args, "symbol", symbols)
	query, args = appendIn(query, args, "source", sources)
	query += ` ORDER BY rowid ASC`
	return q.querySignals(ctx, query, args...)
}

// RecentSignals returns the newest signals for a symbol regardless of status.
func (q *BotQueries) RecentSignals(ctx context.Context, userID, symbol string, sources []string, limit int) ([]Signal, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + signalColumns + ` FROM signals WHERE symbol = ? AND status != 'expired' AND (user_id = ? OR user_id = '')`
	args := []any{symbol, userID}
	query, args = appendIn(query, args, "source", sources)
	query += ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, limit)
	return q.querySignals(ctx, query, args...)
}

// MarkSignalExecuted moves an active signal to executed. Returns false when the
// signal was not active.
func (q *BotQueries) MarkSignalExecuted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE signals SET status = 'executed', executed_at = ?
		WHERE id = ? AND status = 'active'
	`, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark signal executed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpireSignals marks active signals created before cutoff as expired.
func (q *BotQueries) ExpireSignals(ctx context.Context, cutoff time.Time) (int, error) {
	active, err := q.querySignals(ctx, `SELECT `+signalColumns+` FROM signals WHERE status = 'active'`)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, s := range active {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := q.db.ExecContext(ctx, `UPDATE signals SET status = 'expired' WHERE id = ? AND status = 'active'`, s.ID); err != nil {
			return expired, fmt.Errorf("expire signal %s: %w", s.ID, err)
		}
		expired++
	}
	return expired, nil
}

func (q *BotQueries) querySignals(ctx context.Context, query string, args ...any) ([]Signal, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func appendIn(query string, args []any, column string, values []string) (string, []any) {
	if len(values) == 0 {
		return query, args
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	query += fmt.Sprintf(" AND %s IN (%s)", column, marks)
	for _, v := range values {
		args = append(args, v)
	}
	return query, args
}
