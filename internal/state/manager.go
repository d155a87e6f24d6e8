// Package state keeps a bot's in-memory view of its open trades.
package state

import (
	"errors"
	"sort"
	"sync"

	"github.com/Theogama/signalist-sub003/internal/ledger"
)

var (
	ErrSymbolBusy   = errors.New("symbol already has an open or in-flight trade")
	ErrNotReserved  = errors.New("symbol is not reserved")
	ErrTradeUnknown = errors.New("trade not in active set")
)

// ActiveSet holds the OPEN trades of one bot, indexed by trade id, broker
// handle and symbol. A symbol is either free, reserved for an in-flight
// placement, or owned by exactly one open trade.
type ActiveSet struct {
	mu       sync.RWMutex
	trades   map[string]ledger.Trade // trade id -> trade
	byHandle map[string]string       // broker handle -> trade id
	bySymbol map[string]string       // symbol -> trade id
	inFlight map[string]string       // symbol -> intent id
}

// NewActiveSet creates an empty set.
func NewActiveSet() *ActiveSet {
	return &ActiveSet{
		trades:   make(map[string]ledger.Trade),
		byHandle: make(map[string]string),
		bySymbol: make(map[string]string),
		inFlight: make(map[string]string),
	}
}

// Load seeds the set from trades already OPEN in the ledger.
func (s *ActiveSet) Load(trades []ledger.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range trades {
		if t.Status != ledger.StatusOpen {
			continue
		}
		s.putLocked(t)
	}
}

func (s *ActiveSet) putLocked(t ledger.Trade) {
	s.trades[t.ID] = t
	if t.BrokerHandle != "" {
		s.byHandle[t.BrokerHandle] = t.ID
	}
	s.bySymbol[t.Symbol] = t.ID
}

// Reserve claims symbol for an in-flight placement.
func (s *ActiveSet) Reserve(symbol, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySymbol[symbol]; ok {
		return ErrSymbolBusy
	}
	if _, ok := s.inFlight[symbol]; ok {
		return ErrSymbolBusy
	}
	s.inFlight[symbol] = intentID
	return nil
}

// Cancel releases a reservation after a failed placement.
func (s *ActiveSet) Cancel(symbol, intentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[symbol] == intentID {
		delete(s.inFlight, symbol)
	}
}

// Commit turns the reservation into an open trade.
func (s *ActiveSet) Commit(t ledger.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[t.Symbol] != t.ID {
		return ErrNotReserved
	}
	delete(s.inFlight, t.Symbol)
	s.putLocked(t)
	return nil
}

// Adopt adds an open trade discovered at the broker without a reservation.
func (s *ActiveSet) Adopt(t ledger.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySymbol[t.Symbol]; ok && id != t.ID {
		return ErrSymbolBusy
	}
	s.putLocked(t)
	return nil
}

// Close removes a trade and returns it. ok is false when the trade already
// left the set, so a trade is closed at most once.
func (s *ActiveSet) Close(tradeID string) (ledger.Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	if !ok {
		return ledger.Trade{}, false
	}
	delete(s.trades, tradeID)
	delete(s.byHandle, t.BrokerHandle)
	if s.bySymbol[t.Symbol] == tradeID {
		delete(s.bySymbol, t.Symbol)
	}
	return t, true
}

// SetUnrealized records the latest mark of an open trade.
func (s *ActiveSet) SetUnrealized(tradeID string, pnl float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	if !ok {
		return false
	}
	t.UnrealizedPnL = pnl
	s.trades[tradeID] = t
	return true
}

// ByHandle looks a trade up by broker handle.
func (s *ActiveSet) ByHandle(handle string) (ledger.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHandle[handle]
	if !ok {
		return ledger.Trade{}, false
	}
	t, ok := s.trades[id]
	return t, ok
}

// Get looks a trade up by id.
func (s *ActiveSet) Get(tradeID string) (ledger.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[tradeID]
	return t, ok
}

// Has reports whether symbol has an open trade.
func (s *ActiveSet) Has(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bySymbol[symbol]
	return ok
}

// InFlight reports whether symbol has a placement in progress.
func (s *ActiveSet) InFlight(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inFlight[symbol]
	return ok
}

// Symbols returns the symbols with an open trade, for the risk duplicate check.
func (s *ActiveSet) Symbols() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.bySymbol))
	for sym := range s.bySymbol {
		out[sym] = true
	}
	return out
}

// Trades returns a snapshot of open trades ordered by entry time.
func (s *ActiveSet) Trades() []ledger.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]ledger.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].EntryAt.Before(res[j].EntryAt) })
	return res
}

// Len returns the number of open trades.
func (s *ActiveSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades)
}
