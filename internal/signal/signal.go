// Package signal defines the trading signals a bot consumes and where they
// come from.
package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
)

var (
	ErrNotActive = errors.New("signal is not active")
	ErrInvalid   = errors.New("invalid signal")
)

// Status of a signal. Only active signals are consumed.
type Status string

const (
	StatusActive   Status = "active"
	StatusExecuted Status = "executed"
	StatusExpired  Status = "expired"
)

// Signal is a trade suggestion. StopLoss and TakeProfit are zero when absent.
// An empty UserID broadcasts the signal to every bot.
type Signal struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id,omitempty"`
	Symbol     string           `json:"symbol"`
	Action     broker.Direction `json:"action"`
	Price      float64          `json:"price"`
	StopLoss   float64          `json:"stop_loss,omitempty"`
	TakeProfit float64          `json:"take_profit,omitempty"`
	Source     string           `json:"source"`
	Status     Status           `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ExecutedAt *time.Time       `json:"executed_at,omitempty"`
}

// Validate checks the fields a trade needs.
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalid)
	}
	if s.Action != broker.Buy && s.Action != broker.Sell {
		return fmt.Errorf("%w: action must be BUY or SELL, got %q", ErrInvalid, s.Action)
	}
	if s.Price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalid)
	}
	return nil
}

// Filter selects the signals a bot consumes. Empty Symbols or Sources match
// everything.
type Filter struct {
	UserID  string
	Symbols []string
	Sources []string
}

// Source provides signals to a bot.
type Source interface {
	// Active returns active signals for the filter, oldest first.
	Active(ctx context.Context, f Filter) ([]Signal, error)
	// MarkExecuted moves an active signal to executed. It returns
	// ErrNotActive when the signal was already consumed or expired.
	MarkExecuted(ctx context.Context, id string) error
	// Latest returns the newest non-expired signal for symbol.
	Latest(ctx context.Context, f Filter, symbol string) (Signal, bool, error)
}

// Publisher stores new signals.
type Publisher interface {
	Publish(ctx context.Context, s Signal) error
}
