package db

import (
	"database/sql"
	"time"
)

// Signal is a trading signal row. UserID empty means the signal is broadcast.
type Signal struct {
	ID         string
	UserID     string
	Symbol     string
	Action     string
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Source     string
	Status     string
	CreatedAt  time.Time
	ExecutedAt sql.NullTime
}

// BotSession is one start..stop run of a user's bot.
type BotSession struct {
	ID                string
	UserID            string
	Broker            string
	Status            string
	StartBalance      float64
	EndBalance        float64
	PeakBalance       float64
	Policy            string // JSON encoded risk policy
	TradeCount        int
	Wins              int
	Losses            int
	RealizedPnL       float64
	ConsecutiveLosses int
	StartedAt         time.Time
	StoppedAt         sql.NullTime
}

// BotTrade is a bot-originated trade.
type BotTrade struct {
	ID            string
	UserID        string
	SessionID     string
	SignalID      string
	Symbol        string
	Direction     string
	Class         string
	EntryPrice    float64
	ExitPrice     sql.NullFloat64
	Stake         float64
	Quantity      float64
	StopLoss      float64
	TakeProfit    float64
	Status        string
	RealizedPnL   float64
	UnrealizedPnL float64
	Broker        string
	BrokerHandle  string
	EntryAt       time.Time
	ExitAt        sql.NullTime
}

// DailyState holds the per-user counters that reset on the UTC day boundary.
type DailyState struct {
	UserID            string
	TradingDay        string
	TradeCount        int
	RealizedLoss      float64
	PnL               float64
	ConsecutiveLosses int
	UpdatedAt         time.Time
}

// UpdateUnrealizedQuery refreshes the mark of an open trade. Used through the batch writer.
const UpdateUnrealizedQuery = `UPDATE bot_trades SET unrealized_pnl = ? WHERE id = ? AND user_id = ? AND status = 'OPEN'`

const botTradeColumns = `id, user_id, session_id, signal_id, symbol, direction, class,
	entry_price, exit_price, stake, quantity, stop_loss, take_profit, status,
	realized_pnl, unrealized_pnl, broker, broker_handle, entry_at, exit_at`

const botSessionColumns = `id, user_id, broker, status, start_balance, end_balance, peak_balance,
	policy, trade_count, wins, losses, realized_pnl, consecutive_losses, started_at, stopped_at`

const signalColumns = `id, user_id, symbol, action, price, stop_loss, take_profit, source, status, created_at, executed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBotTrade(s scanner) (BotTrade, error) {
	var t BotTrade
	err := s.Scan(&t.ID, &t.UserID, &t.SessionID, &t.SignalID, &t.Symbol, &t.Direction, &t.Class,
		&t.EntryPrice, &t.ExitPrice, &t.Stake, &t.Quantity, &t.StopLoss, &t.TakeProfit, &t.Status,
		&t.RealizedPnL, &t.UnrealizedPnL, &t.Broker, &t.BrokerHandle, &t.EntryAt, &t.ExitAt)
	return t, err
}

func scanBotSession(s scanner) (BotSession, error) {
	var b BotSession
	err := s.Scan(&b.ID, &b.UserID, &b.Broker, &b.Status, &b.StartBalance, &b.EndBalance, &b.PeakBalance,
		&b.Policy, &b.TradeCount, &b.Wins, &b.Losses, &b.RealizedPnL, &b.ConsecutiveLosses, &b.StartedAt, &b.StoppedAt)
	return b, err
}

func scanSignal(s scanner) (Signal, error) {
	var sig Signal
	err := s.Scan(&sig.ID, &sig.UserID, &sig.Symbol, &sig.Action, &sig.Price, &sig.StopLoss, &sig.TakeProfit,
		&sig.Source, &sig.Status, &sig.CreatedAt, &sig.ExecutedAt)
	return sig, err
}
