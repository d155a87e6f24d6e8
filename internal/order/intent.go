// Package order holds the trade intent journal and the per-bot serial queue.
package order

import (
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
)

// Stage is the journal stage of an intent.
type Stage string

const (
	StageBegin  Stage = "BEGIN"  // written before the broker call
	StagePlaced Stage = "PLACED" // broker accepted, ledger write pending
	StageCommit Stage = "COMMIT" // ledger has the trade
	StageAbort  Stage = "ABORT"  // broker refused or the trade was dropped
)

// Intent is a trade the bot is about to place. Its ID doubles as the broker
// client id and the ledger trade id.
type Intent struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	SessionID  string           `json:"session_id"`
	SignalID   string           `json:"signal_id,omitempty"`
	Symbol     string           `json:"symbol"`
	Direction  broker.Direction `json:"direction"`
	Class      broker.Class     `json:"class"`
	Stake      float64          `json:"stake"`
	Quantity   float64          `json:"quantity,omitempty"`
	EntryPrice float64          `json:"entry_price"`
	StopLoss   float64          `json:"stop_loss,omitempty"`
	TakeProfit float64          `json:"take_profit,omitempty"`
	Duration   time.Duration    `json:"duration,omitempty"`
	Handle     string           `json:"handle,omitempty"`
	OpenedAt   time.Time        `json:"opened_at,omitempty"`
	Stage      Stage            `json:"stage"`
	Note       string           `json:"note,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Request converts the intent into a broker request.
func (i Intent) Request(tag string) broker.TradeRequest {
	return broker.TradeRequest{
		ClientID:   i.ID,
		Symbol:     i.Symbol,
		Direction:  i.Direction,
		Class:      i.Class,
		Stake:      i.Stake,
		Quantity:   i.Quantity,
		EntryPrice: i.EntryPrice,
		StopLoss:   i.StopLoss,
		TakeProfit: i.TakeProfit,
		Duration:   i.Duration,
		Tag:        tag,
	}
}

// Apply copies the broker's acknowledgement into the intent.
func (i *Intent) Apply(p broker.Placement) {
	i.Handle = p.Handle
	if p.EntryPrice > 0 {
		i.EntryPrice = p.EntryPrice
	}
	if p.Stake > 0 {
		i.Stake = p.Stake
	}
	if p.Quantity > 0 {
		i.Quantity = p.Quantity
	}
	i.OpenedAt = p.OpenedAt
	i.Stage = StagePlaced
}
