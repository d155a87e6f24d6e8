package monitor

import (
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Theogama/signalist-sub003/internal/events"
	"github.com/Theogama/signalist-sub003/internal/gateway"
)

// Metrics holds the Prometheus collectors for the bot engine. It also
// implements events.Sink so every bot's bus can feed it directly.
type Metrics struct {
	TradesExecuted   *prometheus.CounterVec
	TradesClosed     *prometheus.CounterVec
	RiskRejections   *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	Errors           prometheus.Counter
	ActiveBots       prometheus.Gauge
	BrokerLatency    *prometheus.HistogramVec
	LedgerRetries    prometheus.Counter
	APIRequests      *prometheus.CounterVec

	// In-process windows for the JSON snapshot.
	BrokerCalls *LatencyHistogram
	APICalls    *LatencyHistogram

	mu        sync.RWMutex
	poolStats gateway.PoolStats
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_trades_executed_total",
			Help: "Trades placed at the broker",
		}, []string{"broker"}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_trades_closed_total",
			Help: "Trades settled, by final status",
		}, []string{"status"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_risk_rejections_total",
			Help: "Signals refused by the risk manager",
		}, []string{"reason"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_state_transitions_total",
			Help: "Bot lifecycle transitions",
		}, []string{"from", "to"}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_errors_total",
			Help: "Error events emitted by bots",
		}),
		ActiveBots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_active",
			Help: "Bots currently running",
		}),
		BrokerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bot_broker_call_seconds",
			Help:    "Broker call latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		LedgerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_ledger_retries_total",
			Help: "Deferred ledger writes retried",
		}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_api_requests_total",
			Help: "HTTP API requests, by method and status code",
		}, []string{"method", "code"}),
		BrokerCalls: NewLatencyHistogram(1000),
		APICalls:    NewLatencyHistogram(1000),
	}
	if reg != nil {
		reg.MustRegister(
			m.TradesExecuted, m.TradesClosed, m.RiskRejections, m.StateTransitions,
			m.Errors, m.ActiveBots, m.BrokerLatency, m.LedgerRetries, m.APIRequests,
		)
	}
	return m
}

// Emit implements events.Sink.
func (m *Metrics) Emit(e events.Event) {
	switch p := e.Payload.(type) {
	case events.TradeExecutedPayload:
		m.TradesExecuted.WithLabelValues(p.Broker).Inc()
	case events.TradeClosedPayload:
		m.TradesClosed.WithLabelValues(p.Status).Inc()
	case events.RiskLimitPayload:
		m.RiskRejections.WithLabelValues(string(p.Reason)).Inc()
	case events.StateChangedPayload:
		m.StateTransitions.WithLabelValues(p.From, p.To).Inc()
	case events.ErrorPayload:
		m.Errors.Inc()
	}
}

// ObserveBroker records one broker call.
func (m *Metrics) ObserveBroker(op string, d time.Duration) {
	m.BrokerLatency.WithLabelValues(op).Observe(d.Seconds())
	m.BrokerCalls.RecordDuration(d)
}

// ObserveAPI records one HTTP request.
func (m *Metrics) ObserveAPI(method string, code int, d time.Duration) {
	m.APIRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.APICalls.RecordDuration(d)
}

// SetPoolStats updates adapter pool statistics.
func (m *Metrics) SetPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolStats = stats
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Snapshot is the JSON view served next to /metrics.
type Snapshot struct {
	BrokerLatency  LatencyStats      `json:"broker_latency"`
	APILatency     LatencyStats      `json:"api_latency"`
	AdapterPool    gateway.PoolStats `json:"adapter_pool"`
	GoroutineCount int               `json:"goroutine_count"`
	HeapAlloc      uint64            `json:"heap_alloc_bytes"`
	HeapSys        uint64            `json:"heap_sys_bytes"`
	Timestamp      time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	pool := m.poolStats
	m.mu.RUnlock()

	return Snapshot{
		BrokerLatency:  m.BrokerCalls.Stats(),
		APILatency:     m.APICalls.Stats(),
		AdapterPool:    pool,
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		HeapSys:        memStats.HeapSys,
		Timestamp:      time.Now(),
	}
}

// Timer helps measure a broker call.
type Timer struct {
	start time.Time
	op    string
	m     *Metrics
}

// StartTimer begins timing op. A nil receiver yields a no-op timer.
func (m *Metrics) StartTimer(op string) *Timer {
	return &Timer{start: time.Now(), op: op, m: m}
}

// Stop records the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.m != nil {
		t.m.ObserveBroker(t.op, elapsed)
	}
	return elapsed
}
