package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
)

var ErrAdapterNotFound = errors.New("adapter not registered")

// Tracked holds an adapter with health metadata.
type Tracked struct {
	Adapter   broker.Adapter
	UserID    string
	Kind      broker.Kind
	CreatedAt time.Time
	HealthyAt time.Time
	Failures  int
	LastError string
}

// Config holds configuration for the Pool.
type Config struct {
	HealthInterval   time.Duration // Interval between health checks
	HealthTimeout    time.Duration
	FailureThreshold int // Consecutive failures before an adapter counts as unhealthy
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		HealthInterval:   time.Minute,
		HealthTimeout:    10 * time.Second,
		FailureThreshold: 3,
	}
}

// Pool tracks the running bots' adapters and health-checks them in the
// background. It does not own adapter lifecycles; bots register on start
// and remove on stop.
type Pool struct {
	mu       sync.RWMutex
	adapters map[string]*Tracked // userID -> adapter

	config Config

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPool creates an empty pool.
func NewPool(cfg Config) *Pool {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultConfig().HealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultConfig().HealthTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Pool{
		adapters: make(map[string]*Tracked),
		config:   cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background health check goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.CheckAll(ctx)
			}
		}
	}()
}

// Stop ends health checking.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Register tracks the adapter of a user's bot, replacing any previous one.
func (p *Pool) Register(userID string, a broker.Adapter) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adapters[userID] = &Tracked{
		Adapter:   a,
		UserID:    userID,
		Kind:      a.Kind(),
		CreatedAt: now,
		HealthyAt: now,
	}
}

// Remove stops tracking a user's adapter.
func (p *Pool) Remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.adapters, userID)
}

// Release stops tracking a user's adapter only if a is still the one
// registered.
func (p *Pool) Release(userID string, a broker.Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.adapters[userID]; ok && t.Adapter == a {
		delete(p.adapters, userID)
	}
}

// Get returns the adapter for userID.
func (p *Pool) Get(userID string) (broker.Adapter, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.adapters[userID]
	if !ok {
		return nil, ErrAdapterNotFound
	}
	return t.Adapter, nil
}

// RecordFailure records a failure for a user's adapter.
func (p *Pool) RecordFailure(userID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.adapters[userID]; ok {
		t.Failures++
		if err != nil {
			t.LastError = err.Error()
		}
	}
}

// RecordSuccess resets the failure counter.
func (p *Pool) RecordSuccess(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.adapters[userID]; ok {
		t.Failures = 0
		t.LastError = ""
		t.HealthyAt = time.Now()
	}
}

// Healthy reports whether the user's adapter is below the failure threshold.
func (p *Pool) Healthy(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.adapters[userID]
	return ok && t.Failures < p.config.FailureThreshold
}

// CheckAll runs HealthCheck on every tracked adapter.
func (p *Pool) CheckAll(ctx context.Context) {
	p.mu.RLock()
	targets := make(map[string]broker.Adapter, len(p.adapters))
	for id, t := range p.adapters {
		targets[id] = t.Adapter
	}
	p.mu.RUnlock()

	for id, a := range targets {
		cctx, cancel := context.WithTimeout(ctx, p.config.HealthTimeout)
		err := a.HealthCheck(cctx)
		cancel()

		if err != nil {
			p.RecordFailure(id, err)
		} else {
			p.RecordSuccess(id)
		}
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Total:  len(p.adapters),
		ByKind: make(map[string]int),
	}
	for _, t := range p.adapters {
		stats.ByKind[string(t.Kind)]++
		if t.Failures >= p.config.FailureThreshold {
			stats.Unhealthy++
			stats.UnhealthyUsers = append(stats.UnhealthyUsers, t.UserID)
		}
	}
	return stats
}

// PoolStats contains adapter pool statistics.
type PoolStats struct {
	Total          int            `json:"total"`
	ByKind         map[string]int `json:"by_kind"`
	Unhealthy      int            `json:"unhealthy"`
	UnhealthyUsers []string       `json:"unhealthy_users,omitempty"`
}
