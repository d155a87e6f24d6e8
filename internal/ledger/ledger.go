// Package ledger defines where trades, sessions and daily counters are
// persisted. The bot issues fire-and-confirm calls against it; broker and
// ledger are never coupled in one transaction.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/risk"
)

var (
	ErrNotFound    = errors.New("ledger record not found")
	ErrNotOpen     = errors.New("trade is not open")
	ErrUnavailable = errors.New("ledger unavailable")
	ErrExists      = errors.New("ledger record already exists")
)

// Status is the trade status. OPEN is the only non-terminal value.
type Status string

const (
	StatusOpen          Status = "OPEN"
	StatusTPHit         Status = "TP_HIT"
	StatusSLHit         Status = "SL_HIT"
	StatusManualClose   Status = "MANUAL_CLOSE"
	StatusForceStop     Status = "FORCE_STOP"
	StatusReverseSignal Status = "REVERSE_SIGNAL"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s != StatusOpen && s != ""
}

// StatusFromContract maps a broker settlement onto a trade status.
func StatusFromContract(s broker.ContractStatus) Status {
	switch s {
	case broker.StatusSettledWin:
		return StatusTPHit
	case broker.StatusSettledLoss:
		return StatusSLHit
	}
	return StatusOpen
}

// Trade is a bot-originated trade. ID equals the intent id and the broker
// client id.
type Trade struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	SessionID     string           `json:"session_id"`
	SignalID      string           `json:"signal_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Direction     broker.Direction `json:"direction"`
	Class         broker.Class     `json:"class"`
	EntryPrice    float64          `json:"entry_price"`
	ExitPrice     *float64         `json:"exit_price,omitempty"`
	Stake         float64          `json:"stake"`
	Quantity      float64          `json:"quantity,omitempty"`
	StopLoss      float64          `json:"stop_loss,omitempty"`
	TakeProfit    float64          `json:"take_profit,omitempty"`
	Status        Status           `json:"status"`
	RealizedPnL   float64          `json:"realized_pnl"`
	UnrealizedPnL float64          `json:"unrealized_pnl"`
	Broker        broker.Kind      `json:"broker"`
	BrokerHandle  string           `json:"broker_handle"`
	EntryAt       time.Time        `json:"entry_at"`
	ExitAt        *time.Time       `json:"exit_at,omitempty"`
}

// Settlement carries the fields fixed when a trade leaves OPEN.
type Settlement struct {
	Status      Status    `json:"status"`
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	ExitAt      time.Time `json:"exit_at"`
}

// Apply returns t settled with s.
func (s Settlement) Apply(t Trade) Trade {
	exit := s.ExitPrice
	at := s.ExitAt
	t.Status = s.Status
	t.ExitPrice = &exit
	t.RealizedPnL = s.RealizedPnL
	t.UnrealizedPnL = 0
	t.ExitAt = &at
	return t
}

// Session status values.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// Session is one start..stop run of a user's bot.
type Session struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	Broker            broker.Kind `json:"broker"`
	Status            string      `json:"status"`
	StartBalance      float64     `json:"start_balance"`
	EndBalance        float64     `json:"end_balance"`
	PeakBalance       float64     `json:"peak_balance"`
	Policy            risk.Policy `json:"policy"`
	TradeCount        int         `json:"trade_count"`
	Wins              int         `json:"wins"`
	Losses            int         `json:"losses"`
	RealizedPnL       float64     `json:"realized_pnl"`
	ConsecutiveLosses int         `json:"consecutive_losses"`
	StartedAt         time.Time   `json:"started_at"`
	StoppedAt         *time.Time  `json:"stopped_at,omitempty"`
}

// Daily holds the counters that reset on the UTC day boundary.
type Daily struct {
	UserID            string  `json:"user_id"`
	TradingDay        string  `json:"trading_day"` // YYYY-MM-DD, UTC
	TradeCount        int     `json:"trade_count"`
	RealizedLoss      float64 `json:"realized_loss"`
	PnL               float64 `json:"pnl"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
}

// TradingDay formats t as a UTC trading day.
func TradingDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Ledger persists trades and sessions.
type Ledger interface {
	RecordTrade(ctx context.Context, t Trade) error
	// UpdateTrade settles an OPEN trade. It returns ErrNotOpen when the trade
	// is already terminal.
	UpdateTrade(ctx context.Context, userID, tradeID string, s Settlement) error
	RecordSession(ctx context.Context, s Session) error
	UpdateSession(ctx context.Context, s Session) error
	OpenTrades(ctx context.Context, userID string) ([]Trade, error)
	// MarkUnrealized records the latest mark of an open trade. Best effort.
	MarkUnrealized(userID, tradeID string, pnl float64)
}

// SettingsStore persists per-user daily counters across restarts.
type SettingsStore interface {
	// LoadDaily returns the stored counters, or a zero Daily for a new user.
	LoadDaily(ctx context.Context, userID string) (Daily, error)
	SaveDaily(ctx context.Context, d Daily) error
}

// History is the read side used by the HTTP surface.
type History interface {
	Trades(ctx context.Context, userID string, limit int) ([]Trade, error)
	Sessions(ctx context.Context, userID string, limit int) ([]Session, error)
}
