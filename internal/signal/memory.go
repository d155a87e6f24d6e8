package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	_ Source    = (*Memory)(nil)
	_ Publisher = (*Memory)(nil)
)

// Memory is an in-process signal source.
type Memory struct {
	mu      sync.Mutex
	signals []Signal
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, s Signal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.Status = StatusActive
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, s)
	return nil
}

func (m *Memory) Active(_ context.Context, f Filter) ([]Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Signal
	for _, s := range m.signals {
		if s.Status == StatusActive && f.matches(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) MarkExecuted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.signals {
		if m.signals[i].ID != id {
			continue
		}
		if m.signals[i].Status != StatusActive {
			break
		}
		now := time.Now()
		m.signals[i].Status = StatusExecuted
		m.signals[i].ExecutedAt = &now
		return nil
	}
	return fmt.Errorf("signal %s: %w", id, ErrNotActive)
}

func (m *Memory) Latest(_ context.Context, f Filter, symbol string) (Signal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.signals) - 1; i >= 0; i-- {
		s := m.signals[i]
		if s.Symbol == symbol && s.Status != StatusExpired && f.matches(s) {
			return s, true, nil
		}
	}
	return Signal{}, false, nil
}

// Get returns a copy of one signal.
func (m *Memory) Get(id string) (Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.signals {
		if s.ID == id {
			return s, true
		}
	}
	return Signal{}, false
}

func (f Filter) matches(s Signal) bool {
	if s.UserID != "" && s.UserID != f.UserID {
		return false
	}
	return contains(f.Symbols, s.Symbol) && contains(f.Sources, s.Source)
}

func contains(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
