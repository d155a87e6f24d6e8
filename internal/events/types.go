package events

import (
	"time"

	"github.com/Theogama/signalist-sub003/internal/risk"
)

// Type enumerates the events a bot emits.
type Type string

const (
	TradeExecuted    Type = "trade_executed"
	TradeClosed      Type = "trade_closed"
	RiskLimitReached Type = "risk_limit_reached"
	StateChanged     Type = "state_changed"
	Error            Type = "error"
)

// Event is one notification from a bot. Payload holds one of the payload
// types below, matching Type.
type Event struct {
	Type      Type      `json:"type"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// TradeExecutedPayload accompanies TradeExecuted.
type TradeExecutedPayload struct {
	TradeID    string  `json:"trade_id"`
	SignalID   string  `json:"signal_id,omitempty"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Stake      float64 `json:"stake"`
	EntryPrice float64 `json:"entry_price"`
	Handle     string  `json:"handle"`
	Broker     string  `json:"broker"`
}

// TradeClosedPayload accompanies TradeClosed.
type TradeClosedPayload struct {
	TradeID   string  `json:"trade_id"`
	Symbol    string  `json:"symbol"`
	Status    string  `json:"status"`
	ExitPrice float64 `json:"exit_price"`
	PnL       float64 `json:"pnl"`
}

// RiskLimitPayload accompanies RiskLimitReached.
type RiskLimitPayload struct {
	Reason  risk.Reason  `json:"reason"`
	Message string       `json:"message"`
	StopBot bool         `json:"stop_bot"`
	Metrics risk.Metrics `json:"metrics"`
}

// StateChangedPayload accompanies StateChanged.
type StateChangedPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Forced bool   `json:"forced,omitempty"`
}

// ErrorPayload accompanies Error.
type ErrorPayload struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
