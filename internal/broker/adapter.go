// Package broker defines the Adapter interface shared by the live websocket
// client and the paper simulator, plus the value types that cross it.
package broker

import (
	"context"
	"time"
)

// Direction is the side of a trade.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Class selects the P/L model of an instrument.
type Class string

const (
	// Multiplier contracts risk the full stake; P/L scales with the price ratio.
	Multiplier Class = "multiplier"
	// Linear instruments (FX/CFD style) carry a quantity and fractional margin.
	Linear Class = "linear"
)

// Kind identifies the adapter variant.
type Kind string

const (
	KindLive  Kind = "live"
	KindPaper Kind = "paper"
)

// ContractStatus is the broker-side status of a position.
type ContractStatus string

const (
	StatusOpen        ContractStatus = "open"
	StatusSettledWin  ContractStatus = "settled-win"
	StatusSettledLoss ContractStatus = "settled-loss"
)

// Terminal reports whether the contract has settled.
func (s ContractStatus) Terminal() bool {
	return s == StatusSettledWin || s == StatusSettledLoss
}

// DefaultTag marks bot-originated trades at the broker.
const DefaultTag = "signalist-bot"

// AccountInfo is a snapshot of the trading account.
type AccountInfo struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
	Leverage    int     `json:"leverage"`
}

// TradeRequest describes a market entry.
type TradeRequest struct {
	ClientID   string // idempotency key, echoed back in positions
	Symbol     string
	Direction  Direction
	Class      Class
	Stake      float64 // amount at risk (multiplier) or notional (linear)
	Quantity   float64 // linear units; derived from Stake when zero
	EntryPrice float64 // reference price, zero means market
	StopLoss   float64
	TakeProfit float64
	Duration   time.Duration
	Tag        string
}

// Placement is the broker's acknowledgement of an accepted trade.
type Placement struct {
	Handle     string
	ClientID   string
	Symbol     string
	EntryPrice float64
	Stake      float64
	Quantity   float64
	OpenedAt   time.Time
}

// Position is an open broker-side position.
type Position struct {
	Handle        string    `json:"handle"`
	ClientID      string    `json:"client_id"`
	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"direction"`
	Class         Class     `json:"class"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	Stake         float64   `json:"stake"`
	Quantity      float64   `json:"quantity"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
}

// ClosedPosition is a settled broker-side position.
type ClosedPosition struct {
	Position
	ExitPrice   float64        `json:"exit_price"`
	RealizedPnL float64        `json:"realized_pnl"`
	Status      ContractStatus `json:"status"`
	ClosedAt    time.Time      `json:"closed_at"`
}

// ContractUpdate is a push about one position: a mark while open, or the
// settlement once terminal.
type ContractUpdate struct {
	Handle        string
	Symbol        string
	Status        ContractStatus
	CurrentPrice  float64
	CurrentValue  float64
	UnrealizedPnL float64
	ExitPrice     float64
	RealizedPnL   float64
	Time          time.Time
}

// Tick is a price quote.
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Quote  float64
	Time   time.Time
}

// Candle is an OHLC bar.
type Candle struct {
	Symbol      string
	Open        float64
	High        float64
	Low         float64
	Close       float64
	OpenTime    time.Time
	Granularity time.Duration
}

// Listener receives asynchronous adapter notifications. Implementations must
// not block; the orchestrator hands them to its serial queue.
type Listener interface {
	OnContractUpdate(ContractUpdate)
	OnDisconnect(err error)
	OnReconnect()
}

// Adapter abstracts a brokerage for the bot orchestrator.
type Adapter interface {
	Kind() Kind

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	AccountInfo(ctx context.Context) (AccountInfo, error)

	// SubscribeTicks streams quotes for symbol until the returned func is called.
	SubscribeTicks(ctx context.Context, symbol string, fn func(Tick)) (func(), error)
	SubscribeCandles(ctx context.Context, symbol string, granularity time.Duration, fn func(Candle)) (func(), error)

	PlaceTrade(ctx context.Context, req TradeRequest) (Placement, error)
	// CloseTrade closes a position at the current quote and returns its settlement.
	CloseTrade(ctx context.Context, handle string) (ContractUpdate, error)
	// WatchContract (re)subscribes to status pushes for an open position.
	WatchContract(ctx context.Context, handle string) error

	OpenTrades(ctx context.Context) ([]Position, error)
	ClosedTrades(ctx context.Context, since time.Time) ([]ClosedPosition, error)

	ComputeStakeFromRisk(balance, riskPercent, entry, stop float64) float64
	HealthCheck(ctx context.Context) error
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) OnContractUpdate(ContractUpdate) {}
func (NopListener) OnDisconnect(error)              {}
func (NopListener) OnReconnect()                    {}
