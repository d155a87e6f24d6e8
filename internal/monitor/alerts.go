package monitor

import (
	"fmt"
	"log"
	"time"

	"github.com/Theogama/signalist-sub003/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// AlertFunc adapts a function to AlertSink.
type AlertFunc func(string) error

func (f AlertFunc) Send(message string) error { return f(message) }

// LogSink writes alerts to the standard logger.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("🚨 %s", message)
	return nil
}

// formatAlert renders the events worth alerting on. It returns false for
// events that are not alerts.
func formatAlert(e events.Event) (string, bool) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := "[" + ts.UTC().Format(time.RFC3339) + "] bot[" + e.UserID + "] "

	switch p := e.Payload.(type) {
	case events.RiskLimitPayload:
		if p.StopBot {
			return prefix + fmt.Sprintf("stopped by risk: %s (%s), drawdown %.2f%%", p.Reason, p.Message, p.Metrics.DrawdownPercent), true
		}
		return prefix + fmt.Sprintf("risk limit %s: %s", p.Reason, p.Message), true
	case events.ErrorPayload:
		if p.Fatal {
			return prefix + "fatal: " + p.Message, true
		}
		return prefix + "error: " + p.Message, true
	case events.StateChangedPayload:
		if p.Forced {
			return prefix + fmt.Sprintf("forced %s -> %s: %s", p.From, p.To, p.Reason), true
		}
	}
	return "", false
}
