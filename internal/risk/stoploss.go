package risk

import (
	"fmt"
	"sync"
)

// ProtectionTracker watches stop-loss, take-profit and trailing stops of
// open positions and reports which ones a price crossed.
type ProtectionTracker struct {
	positions map[string]*Protected // key: broker handle
	mu        sync.Mutex
}

// Protected tracks the protection levels of one position.
type Protected struct {
	Handle         string
	Symbol         string
	Long           bool
	EntryPrice     float64
	CurrentPrice   float64
	StopLoss       float64
	TakeProfit     float64
	TrailingOffset float64 // fraction of price, zero disables trailing
	HighWaterMark  float64
}

// Trigger is a crossed protection level.
type Trigger struct {
	Handle     string
	Symbol     string
	Price      float64
	TakeProfit bool
	Reason     string
}

// NewProtectionTracker creates an empty tracker.
func NewProtectionTracker() *ProtectionTracker {
	return &ProtectionTracker{positions: make(map[string]*Protected)}
}

// Add starts tracking a position. Positions without SL, TP or trailing
// offset are ignored.
func (t *ProtectionTracker) Add(p Protected) {
	if p.StopLoss <= 0 && p.TakeProfit <= 0 && p.TrailingOffset <= 0 {
		return
	}
	p.HighWaterMark = p.EntryPrice
	p.CurrentPrice = p.EntryPrice
	t.mu.Lock()
	t.positions[p.Handle] = &p
	t.mu.Unlock()
}

// Remove stops tracking a position.
func (t *ProtectionTracker) Remove(handle string) {
	t.mu.Lock()
	delete(t.positions, handle)
	t.mu.Unlock()
}

// Get returns a copy of a tracked position.
func (t *ProtectionTracker) Get(handle string) (Protected, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[handle]
	if !ok {
		return Protected{}, false
	}
	return *p, true
}

// OnPrice updates every position on symbol and returns the triggered ones.
// Triggered positions stay tracked until Remove.
func (t *ProtectionTracker) OnPrice(symbol string, price float64) []Trigger {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Trigger
	for _, p := range t.positions {
		if p.Symbol != symbol {
			continue
		}
		p.CurrentPrice = price
		if p.TrailingOffset > 0 {
			updateTrailingStop(p)
		}
		switch {
		case stopLossHit(p):
			out = append(out, Trigger{Handle: p.Handle, Symbol: symbol, Price: price,
				Reason: fmt.Sprintf("stop loss triggered at %.5f", price)})
		case takeProfitHit(p):
			out = append(out, Trigger{Handle: p.Handle, Symbol: symbol, Price: price, TakeProfit: true,
				Reason: fmt.Sprintf("take profit triggered at %.5f", price)})
		}
	}
	return out
}

// updateTrailingStop ratchets the stop behind the best price seen.
func updateTrailingStop(p *Protected) {
	if p.Long {
		if p.CurrentPrice > p.HighWaterMark {
			p.HighWaterMark = p.CurrentPrice
			p.StopLoss = p.HighWaterMark * (1 - p.TrailingOffset)
		}
		return
	}
	if p.CurrentPrice < p.HighWaterMark {
		p.HighWaterMark = p.CurrentPrice
		p.StopLoss = p.HighWaterMark * (1 + p.TrailingOffset)
	}
}

func stopLossHit(p *Protected) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Long {
		return p.CurrentPrice <= p.StopLoss
	}
	return p.CurrentPrice >= p.StopLoss
}

func takeProfitHit(p *Protected) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Long {
		return p.CurrentPrice >= p.TakeProfit
	}
	return p.CurrentPrice <= p.TakeProfit
}
