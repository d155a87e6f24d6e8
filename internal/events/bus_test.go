package events

import (
	"testing"
	"time"
)

func TestBusFiltersByType(t *testing.T) {
	b := NewBus()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	closed, unsubClosed := b.Subscribe(4, TradeClosed)
	defer unsubClosed()

	b.Emit(Event{Type: TradeExecuted, UserID: "u1"})
	b.Emit(Event{Type: TradeClosed, UserID: "u1", Payload: TradeClosedPayload{TradeID: "t1", PnL: 5}})

	if len(all) != 2 {
		t.Fatalf("expected 2 events for catch-all subscriber, got %d", len(all))
	}
	if len(closed) != 1 {
		t.Fatalf("expected 1 event for filtered subscriber, got %d", len(closed))
	}
	e := <-closed
	p, ok := e.Payload.(TradeClosedPayload)
	if !ok || p.TradeID != "t1" {
		t.Fatalf("unexpected payload %#v", e.Payload)
	}
	if e.Timestamp.IsZero() {
		t.Fatalf("timestamp must be filled in")
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Emit(Event{Type: StateChanged})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("expected buffer of 1, got %d", len(ch))
	}
}

func TestBusCloseAndUnsubscribe(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}

	ch2, _ := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch2; ok {
		t.Fatal("channel must be closed after Close")
	}
	b.Emit(Event{Type: Error})

	ch3, _ := b.Subscribe(1)
	if _, ok := <-ch3; ok {
		t.Fatal("subscribing to a closed bus yields a closed channel")
	}
}

func TestTee(t *testing.T) {
	var got []Type
	sink := SinkFunc(func(e Event) { got = append(got, e.Type) })
	Tee{sink, nil, sink}.Emit(Event{Type: TradeExecuted})
	if len(got) != 2 {
		t.Fatalf("expected two deliveries, got %v", got)
	}
}
