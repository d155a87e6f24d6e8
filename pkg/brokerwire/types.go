// Package brokerwire defines the JSON messages exchanged with the live
// broker over its websocket API. Every request carries a req_id that the
// broker echoes on the matching response; stream pushes carry a
// subscription id instead.
package brokerwire

import (
	"encoding/json"
	"fmt"
)

// Message types.
const (
	MsgAuthorize   = "authorize"
	MsgAccount     = "account"
	MsgTicks       = "ticks"
	MsgTick        = "tick"
	MsgCandles     = "candles"
	MsgOHLC        = "ohlc"
	MsgForget      = "forget"
	MsgBuy         = "buy"
	MsgSell        = "sell"
	MsgContract    = "proposal_open_contract"
	MsgPortfolio   = "portfolio"
	MsgProfitTable = "profit_table"
	MsgPing        = "ping"
	MsgPong        = "pong"
)

// Error codes the client maps onto typed errors.
const (
	CodeInvalidToken        = "InvalidToken"
	CodeAuthRequired        = "AuthorizationRequired"
	CodeInsufficientBalance = "InsufficientBalance"
	CodeInsufficientMargin  = "InsufficientMargin"
	CodeContractNotFound    = "ContractNotFound"
)

// Contract statuses on the wire.
const (
	StatusOpen        = "open"
	StatusSettledWin  = "settled-win"
	StatusSettledLoss = "settled-loss"
)

// Request is an outbound message.
type Request struct {
	ReqID          int64      `json:"req_id"`
	MsgType        string     `json:"msg_type"`
	Token          string     `json:"token,omitempty"`
	Symbol         string     `json:"symbol,omitempty"`
	Granularity    int64      `json:"granularity,omitempty"` // seconds
	Subscribe      bool       `json:"subscribe,omitempty"`
	ContractID     string     `json:"contract_id,omitempty"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	DateFrom       int64      `json:"date_from,omitempty"` // epoch seconds
	Tag            string     `json:"tag,omitempty"`
	Buy            *BuyParams `json:"buy,omitempty"`
}

// BuyParams opens a contract.
type BuyParams struct {
	ClientID   string  `json:"client_id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Class      string  `json:"class"`
	Amount     float64 `json:"amount"`
	Quantity   float64 `json:"quantity,omitempty"`
	Price      float64 `json:"price,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Duration   int64   `json:"duration,omitempty"` // seconds
	Tag        string  `json:"tag"`
}

// Response is an inbound message: a reply (ReqID set) or a stream push.
type Response struct {
	ReqID        int64         `json:"req_id,omitempty"`
	MsgType      string        `json:"msg_type"`
	Error        *Error        `json:"error,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Authorize    *Authorize    `json:"authorize,omitempty"`
	Account      *Account      `json:"account,omitempty"`
	Tick         *Tick         `json:"tick,omitempty"`
	OHLC         *OHLC         `json:"ohlc,omitempty"`
	Buy          *BuyReceipt   `json:"buy,omitempty"`
	Sell         *SellReceipt  `json:"sell,omitempty"`
	Contract     *Contract     `json:"proposal_open_contract,omitempty"`
	Portfolio    *Portfolio    `json:"portfolio,omitempty"`
	ProfitTable  *ProfitTable  `json:"profit_table,omitempty"`
}

// Error is a broker-side failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Subscription identifies a stream.
type Subscription struct {
	ID string `json:"id"`
}

// Authorize is the login reply.
type Authorize struct {
	LoginID  string  `json:"loginid"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// Account is the account snapshot.
type Account struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
	Leverage    int     `json:"leverage"`
}

// Tick is a quote push.
type Tick struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
}

// OHLC is a candle push.
type OHLC struct {
	Symbol      string  `json:"symbol"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	OpenTime    int64   `json:"open_time"`
	Granularity int64   `json:"granularity"`
}

// BuyReceipt acknowledges a buy.
type BuyReceipt struct {
	ContractID string  `json:"contract_id"`
	ClientID   string  `json:"client_id"`
	BuyPrice   float64 `json:"buy_price"`
	EntrySpot  float64 `json:"entry_spot"`
	Quantity   float64 `json:"quantity"`
	StartTime  int64   `json:"start_time"`
}

// SellReceipt acknowledges a sell.
type SellReceipt struct {
	ContractID string  `json:"contract_id"`
	SoldFor    float64 `json:"sold_for"`
	Profit     float64 `json:"profit"`
	ExitSpot   float64 `json:"exit_spot"`
	SellTime   int64   `json:"sell_time"`
}

// Contract is the state of one position.
type Contract struct {
	ContractID   string  `json:"contract_id"`
	ClientID     string  `json:"client_id"`
	Symbol       string  `json:"symbol"`
	Direction    string  `json:"direction"`
	Class        string  `json:"class"`
	BuyPrice     float64 `json:"buy_price"`
	Quantity     float64 `json:"quantity"`
	EntrySpot    float64 `json:"entry_spot"`
	CurrentSpot  float64 `json:"current_spot"`
	CurrentValue float64 `json:"current_value"`
	Profit       float64 `json:"profit"`
	Status       string  `json:"status"`
	ExitSpot     float64 `json:"exit_spot"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	DateStart    int64   `json:"date_start"`
	SellTime     int64   `json:"sell_time"`
	Tag          string  `json:"tag"`
}

// Portfolio lists open contracts.
type Portfolio struct {
	Contracts []Contract `json:"contracts"`
}

// ProfitTable lists settled contracts.
type ProfitTable struct {
	Transactions []Contract `json:"transactions"`
}

// Decode parses an inbound frame.
func Decode(raw []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return Response{}, fmt.Errorf("decode broker message: %w", err)
	}
	return r, nil
}
