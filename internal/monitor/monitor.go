// Package monitor exports bot metrics to Prometheus and forwards alert-worthy
// bot events to alert sinks.
package monitor

import (
	"context"
	"log"
	"sync"

	"github.com/Theogama/signalist-sub003/internal/events"
)

// Monitor watches bot buses and emits alerts.
type Monitor struct {
	Sinks []AlertSink

	ctx context.Context
	wg  sync.WaitGroup
}

// NewMonitor creates a monitor bound to ctx. Watching stops when ctx ends or
// the watched bus closes.
func NewMonitor(ctx context.Context, sinks ...AlertSink) *Monitor {
	if len(sinks) == 0 {
		sinks = []AlertSink{LogSink{}}
	}
	return &Monitor{Sinks: sinks, ctx: ctx}
}

// Watch subscribes to the alert-worthy events of one bot bus.
func (m *Monitor) Watch(bus *events.Bus) {
	if bus == nil {
		log.Println("monitor: nil bus; skipping")
		return
	}
	stream, unsub := bus.Subscribe(50, events.RiskLimitReached, events.Error, events.StateChanged)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsub()
		for {
			select {
			case <-m.ctx.Done():
				return
			case e, ok := <-stream:
				if !ok {
					return
				}
				m.alert(e)
			}
		}
	}()
}

func (m *Monitor) alert(e events.Event) {
	msg, ok := formatAlert(e)
	if !ok {
		return
	}
	for _, s := range m.Sinks {
		if err := s.Send(msg); err != nil {
			log.Printf("monitor: alert delivery failed: %v", err)
		}
	}
}

// Wait blocks until every watcher has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
