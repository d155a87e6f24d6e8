package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Theogama/signalist-sub003/internal/events"
	"github.com/Theogama/signalist-sub003/internal/risk"
)

func TestMetricsCountEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Emit(events.Event{Type: events.TradeExecuted, Payload: events.TradeExecutedPayload{TradeID: "t1", Broker: "paper"}})
	m.Emit(events.Event{Type: events.TradeExecuted, Payload: events.TradeExecutedPayload{TradeID: "t2", Broker: "paper"}})
	m.Emit(events.Event{Type: events.TradeClosed, Payload: events.TradeClosedPayload{TradeID: "t1", Status: "TP_HIT"}})
	m.Emit(events.Event{Type: events.RiskLimitReached, Payload: events.RiskLimitPayload{Reason: risk.ReasonDailyTradeLimit}})
	m.Emit(events.Event{Type: events.StateChanged, Payload: events.StateChangedPayload{From: "RUNNING", To: "IN_TRADE"}})
	m.Emit(events.Event{Type: events.Error, Payload: events.ErrorPayload{Message: "boom"}})

	if got := testutil.ToFloat64(m.TradesExecuted.WithLabelValues("paper")); got != 2 {
		t.Fatalf("expected 2 executed trades, got %v", got)
	}
	if got := testutil.ToFloat64(m.TradesClosed.WithLabelValues("TP_HIT")); got != 1 {
		t.Fatalf("expected 1 closed trade, got %v", got)
	}
	if got := testutil.ToFloat64(m.RiskRejections.WithLabelValues(string(risk.ReasonDailyTradeLimit))); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
	if got := testutil.ToFloat64(m.StateTransitions.WithLabelValues("RUNNING", "IN_TRADE")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.Errors); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected registered collectors to be gathered")
	}
}

func TestMetricsBrokerTimer(t *testing.T) {
	m := NewMetrics(nil)
	timer := m.StartTimer("place_trade")
	time.Sleep(time.Millisecond)
	if d := timer.Stop(); d <= 0 {
		t.Fatalf("expected positive duration, got %v", d)
	}
	if stats := m.GetSnapshot().BrokerLatency; stats.Count != 1 {
		t.Fatalf("expected one broker sample, got %+v", stats)
	}
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{10, 20, 30, 40} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 || s.Min != 20 || s.Max != 40 || s.Avg != 30 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestMonitorForwardsAlerts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	sink := AlertFunc(func(msg string) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	})

	bus := events.NewBus()
	mon := NewMonitor(ctx, sink)
	mon.Watch(bus)

	bus.Emit(events.Event{Type: events.TradeExecuted, UserID: "u1", Payload: events.TradeExecutedPayload{TradeID: "t1"}})
	bus.Emit(events.Event{Type: events.RiskLimitReached, UserID: "u1", Payload: events.RiskLimitPayload{
		Reason: risk.ReasonDrawdownLimit, Message: "drawdown 25%", StopBot: true,
	}})
	bus.Emit(events.Event{Type: events.StateChanged, UserID: "u1", Payload: events.StateChangedPayload{From: "RUNNING", To: "IN_TRADE"}})
	bus.Emit(events.Event{Type: events.Error, UserID: "u1", Payload: events.ErrorPayload{Message: "broker gone", Fatal: true}})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Close()
	mon.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts, got %v", got)
	}
	if !strings.Contains(got[0], "stopped by risk") || !strings.Contains(got[0], "bot[u1]") {
		t.Fatalf("unexpected risk alert: %s", got[0])
	}
	if !strings.Contains(got[1], "fatal: broker gone") {
		t.Fatalf("unexpected error alert: %s", got[1])
	}
}
