// Package cache holds the latest market quote per symbol.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Quotes is a sharded cache of the latest quote per symbol. Ticks of
// different symbols land on different shards, so stream callbacks rarely
// contend with the readers sizing a trade.
type Quotes struct {
	shards [numShards]*quoteShard
	now    func() time.Time
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	price     float64
	updatedAt time.Time
}

// NewQuotes creates an empty cache. A nil clock uses time.Now.
func NewQuotes(now func() time.Time) *Quotes {
	if now == nil {
		now = time.Now
	}
	c := &Quotes{now: now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{items: make(map[string]quoteEntry)}
	}
	return c
}

func (c *Quotes) shard(symbol string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the quote for symbol. Non-positive prices are ignored.
func (c *Quotes) Set(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s := c.shard(symbol)
	s.mu.Lock()
	s.items[symbol] = quoteEntry{price: price, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the quote for symbol and its age.
func (c *Quotes) Get(symbol string) (float64, time.Duration, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return e.price, c.now().Sub(e.updatedAt), true
}

// Fresh returns the quote for symbol when it is no older than maxAge.
// A zero maxAge accepts any age.
func (c *Quotes) Fresh(symbol string, maxAge time.Duration) (float64, bool) {
	price, age, ok := c.Get(symbol)
	if !ok || (maxAge > 0 && age > maxAge) {
		return 0, false
	}
	return price, true
}

// Len returns total items across all shards.
func (c *Quotes) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and returns how many went.
func (c *Quotes) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot returns every cached price, or nil when empty.
func (c *Quotes) Snapshot() map[string]float64 {
	var out map[string]float64
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, e := range s.items {
			if out == nil {
				out = make(map[string]float64)
			}
			out[sym] = e.price
		}
		s.mu.RUnlock()
	}
	return out
}
