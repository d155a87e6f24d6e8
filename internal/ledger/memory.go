package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var (
	_ Ledger        = (*Memory)(nil)
	_ SettingsStore = (*Memory)(nil)
	_ History       = (*Memory)(nil)
)

// Memory is an in-process Ledger and SettingsStore. SetFailure makes writes
// fail, to exercise the retry path.
type Memory struct {
	mu       sync.Mutex
	trades   map[string]Trade
	order    []string
	sessions map[string]Session
	daily    map[string]Daily
	failure  error
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		trades:   make(map[string]Trade),
		sessions: make(map[string]Session),
		daily:    make(map[string]Daily),
	}
}

// SetFailure makes every write return err until called with nil.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func key(userID, id string) string { return userID + "/" + id }

func (m *Memory) RecordTrade(_ context.Context, t Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	k := key(t.UserID, t.ID)
	if _, ok := m.trades[k]; ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrExists)
	}
	m.trades[k] = t
	m.order = append(m.order, k)
	return nil
}

func (m *Memory) UpdateTrade(_ context.Context, userID, tradeID string, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	t, ok := m.trades[key(userID, tradeID)]
	if !ok {
		return fmt.Errorf("settle trade %s: %w", tradeID, ErrNotOpen)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("settle trade %s: %w", tradeID, ErrNotOpen)
	}
	m.trades[key(userID, tradeID)] = s.Apply(t)
	return nil
}

func (m *Memory) RecordSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	m.sessions[key(s.UserID, s.ID)] = s
	return nil
}

func (m *Memory) UpdateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	if _, ok := m.sessions[key(s.UserID, s.ID)]; !ok {
		return ErrNotFound
	}
	m.sessions[key(s.UserID, s.ID)] = s
	return nil
}

func (m *Memory) OpenTrades(_ context.Context, userID string) ([]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Trade
	for _, k := range m.order {
		t := m.trades[k]
		if t.UserID == userID && t.Status == StatusOpen {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) MarkUnrealized(userID, tradeID string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(userID, tradeID)
	if t, ok := m.trades[k]; ok && t.Status == StatusOpen {
		t.UnrealizedPnL = pnl
		m.trades[k] = t
	}
}

// Trade returns one trade.
func (m *Memory) Trade(_ context.Context, userID, tradeID string) (Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[key(userID, tradeID)]
	if !ok {
		return Trade{}, ErrNotFound
	}
	return t, nil
}

// Trades returns the newest trades of a user first.
func (m *Memory) Trades(_ context.Context, userID string, limit int) ([]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Trade
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.trades[m.order[i]]
		if t.UserID != userID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Sessions returns the newest sessions of a user first.
func (m *Memory) Sessions(_ context.Context, userID string, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LoadDaily(_ context.Context, userID string) (Daily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.daily[userID]
	if !ok {
		return Daily{UserID: userID}, nil
	}
	return d, nil
}

func (m *Memory) SaveDaily(_ context.Context, d Daily) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	m.daily[d.UserID] = d
	return nil
}
