package market

import (
	"testing"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
)

func TestMockFeedPushAndSubscribe(t *testing.T) {
	f := NewMockFeed(map[string]float64{"R_100": 1000}, 0.001, time.Second, 1)

	var got []broker.Tick
	unsub := f.Subscribe("R_100", func(tk broker.Tick) { got = append(got, tk) })
	f.Push("R_100", 1001)
	f.Push("R_50", 50)
	unsub()
	f.Push("R_100", 1002)

	if len(got) != 1 || got[0].Quote != 1001 {
		t.Fatalf("expected one tick at 1001, got %+v", got)
	}
	if p, ok := f.Price("R_100"); !ok || p != 1002 {
		t.Fatalf("expected last price 1002, got %v %v", p, ok)
	}
}

func TestCandleBuilder(t *testing.T) {
	var closed []broker.Candle
	b := &CandleBuilder{Symbol: "R_100", Granularity: time.Minute, OnClose: func(c broker.Candle) { closed = append(closed, c) }}

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, p := range []float64{10, 12, 9, 11} {
		b.Add(broker.Tick{Symbol: "R_100", Quote: p, Time: base.Add(time.Duration(i) * 10 * time.Second)})
	}
	b.Add(broker.Tick{Symbol: "R_100", Quote: 20, Time: base.Add(time.Minute)})

	if len(closed) != 1 {
		t.Fatalf("expected one closed candle, got %d", len(closed))
	}
	c := closed[0]
	if c.Open != 10 || c.High != 12 || c.Low != 9 || c.Close != 11 {
		t.Fatalf("unexpected candle %+v", c)
	}
}
