package risk

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Manager is the admission gate for new trades. It holds no session state;
// every call evaluates the snapshot it is given.
type Manager struct {
	checks     atomic.Uint64
	rejections atomic.Uint64
	latency    atomic.Uint64

	mu           sync.Mutex
	rejectionsBy map[Reason]uint64
}

// NewManager creates a risk manager.
func NewManager() *Manager {
	return &Manager{rejectionsBy: make(map[Reason]uint64)}
}

// CanExecuteTrade runs the checks in order; the first failure wins.
func (m *Manager) CanExecuteTrade(s Snapshot, c Candidate, balance float64) Decision {
	start := time.Now()
	d := Evaluate(s, c, balance)
	m.checks.Add(1)
	m.latency.Add(uint64(time.Since(start).Nanoseconds()))
	if !d.Allowed {
		m.rejections.Add(1)
		m.mu.Lock()
		m.rejectionsBy[d.Reason]++
		m.mu.Unlock()
	}
	return d
}

// Evaluate runs the admission checks without recording stats. Read-only
// callers use it to report which limit, if any, is currently reached.
func Evaluate(s Snapshot, c Candidate, balance float64) Decision {
	p := s.Policy
	metrics := buildMetrics(s, balance)

	// 1. Daily trade limit
	if s.Counters.DailyTradeCount >= p.MaxTradesPerDay {
		return deny(ReasonDailyTradeLimit, false, metrics,
			fmt.Sprintf("daily trade limit reached: %d/%d", s.Counters.DailyTradeCount, p.MaxTradesPerDay))
	}

	// 2. Drawdown from peak; stops the bot
	if metrics.DrawdownPercent >= p.AutoStopDrawdown {
		return deny(ReasonDrawdownLimit, true, metrics,
			fmt.Sprintf("drawdown %.2f%% reached auto-stop threshold %.2f%%", metrics.DrawdownPercent, p.AutoStopDrawdown))
	}

	// 3. Consecutive losses
	if s.Counters.ConsecutiveLosses >= p.MaxConsecutiveLosses {
		return deny(ReasonConsecutiveLosses, false, metrics,
			fmt.Sprintf("consecutive losses reached: %d/%d", s.Counters.ConsecutiveLosses, p.MaxConsecutiveLosses))
	}

	// 4. Daily loss limit
	if s.Counters.DailyRealizedLoss >= p.DailyLossLimit {
		return deny(ReasonDailyLossLimit, false, metrics,
			fmt.Sprintf("daily loss limit reached: %.2f/%.2f", s.Counters.DailyRealizedLoss, p.DailyLossLimit))
	}

	// 5. One open trade per symbol
	if s.OpenSymbols[c.Symbol] {
		return deny(ReasonDuplicatePosition, false, metrics,
			fmt.Sprintf("position already open for %s", c.Symbol))
	}

	return Decision{Allowed: true, Metrics: metrics}
}

func deny(reason Reason, stop bool, metrics Metrics, msg string) Decision {
	return Decision{Allowed: false, Reason: reason, Message: msg, StopBot: stop, Metrics: metrics}
}

// Stats returns the monitoring counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	by := make(map[Reason]uint64, len(m.rejectionsBy))
	for k, v := range m.rejectionsBy {
		by[k] = v
	}
	m.mu.Unlock()
	return Stats{
		ChecksTotal:       m.checks.Load(),
		RejectionsTotal:   m.rejections.Load(),
		RejectionsBy:      by,
		CheckLatencyNanos: m.latency.Load(),
	}
}

func buildMetrics(s Snapshot, balance float64) Metrics {
	peak := math.Max(s.Counters.PeakBalance, balance)
	return Metrics{
		DailyTrades:          s.Counters.DailyTradeCount,
		MaxTradesPerDay:      s.Policy.MaxTradesPerDay,
		DailyLoss:            s.Counters.DailyRealizedLoss,
		DailyLossLimit:       s.Policy.DailyLossLimit,
		ConsecutiveLosses:    s.Counters.ConsecutiveLosses,
		MaxConsecutiveLosses: s.Policy.MaxConsecutiveLosses,
		PeakBalance:          peak,
		CurrentBalance:       balance,
		DrawdownPercent:      DrawdownPercent(peak, balance),
		OpenPositions:        len(s.OpenSymbols),
	}
}

// DrawdownPercent is (peak - balance) / peak * 100, zero without a peak.
func DrawdownPercent(peak, balance float64) float64 {
	if peak <= 0 || balance >= peak {
		return 0
	}
	return (peak - balance) / peak * 100
}
