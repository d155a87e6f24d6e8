package market

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
)

// MockFeed generates synthetic random-walk ticks for the paper trader.
type MockFeed struct {
	Interval time.Duration
	Step     float64 // relative step per tick, e.g. 0.001 = 0.1%

	mu     sync.Mutex
	prices map[string]float64
	subs   map[string]map[int]func(broker.Tick)
	nextID int
	rng    *rand.Rand
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMockFeed seeds the feed with start prices. A zero seed uses the clock.
func NewMockFeed(start map[string]float64, step float64, interval time.Duration, seed int64) *MockFeed {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if step <= 0 {
		step = 0.001
	}
	if interval <= 0 {
		interval = time.Second
	}
	prices := make(map[string]float64, len(start))
	for sym, p := range start {
		prices[sym] = p
	}
	return &MockFeed{
		Interval: interval,
		Step:     step,
		prices:   prices,
		subs:     make(map[string]map[int]func(broker.Tick)),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Start runs the walk until Stop or ctx is done.
func (m *MockFeed) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.step()
			}
		}
	}()
}

// Stop halts the walk and waits for the goroutine.
func (m *MockFeed) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *MockFeed) step() {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.prices))
	for sym := range m.prices {
		symbols = append(symbols, sym)
	}
	moves := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		// simple random walk
		moves[sym] = m.prices[sym] * (1 + (m.rng.Float64()*2-1)*m.Step)
	}
	m.mu.Unlock()

	for sym, p := range moves {
		m.Push(sym, p)
	}
}

// Push sets the price of symbol and notifies subscribers.
func (m *MockFeed) Push(symbol string, price float64) {
	now := time.Now()
	m.mu.Lock()
	m.prices[symbol] = price
	fns := make([]func(broker.Tick), 0, len(m.subs[symbol]))
	for _, fn := range m.subs[symbol] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	tick := broker.Tick{Symbol: symbol, Bid: price, Ask: price, Quote: price, Time: now}
	for _, fn := range fns {
		fn(tick)
	}
}

// Price returns the last price of symbol.
func (m *MockFeed) Price(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	return p, ok
}

// Subscribe registers fn for ticks of symbol.
func (m *MockFeed) Subscribe(symbol string, fn func(broker.Tick)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	if m.subs[symbol] == nil {
		m.subs[symbol] = make(map[int]func(broker.Tick))
	}
	m.subs[symbol][id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs[symbol], id)
		m.mu.Unlock()
	}
}
