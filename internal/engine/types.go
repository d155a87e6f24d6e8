package engine

import (
	"time"

	"github.com/Theogama/signalist-sub003/internal/gateway"
	"github.com/Theogama/signalist-sub003/internal/risk"
)

// RiskMetrics is the risk picture of one bot as the next admission would
// see it.
type RiskMetrics struct {
	UserID       string       `json:"user_id"`
	Date         string       `json:"date"`
	State        string       `json:"state"`
	DailyPnL     float64      `json:"daily_pnl"`
	Metrics      risk.Metrics `json:"metrics"`
	Policy       risk.Policy  `json:"policy"`
	LimitReached risk.Reason  `json:"limit_reached,omitempty"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	NodeID     string            `json:"node_id"`
	Version    string            `json:"version"`
	Profiles   []string          `json:"profiles"`
	Bots       map[string]int    `json:"bots"` // by state
	Risk       risk.Stats        `json:"risk"`
	Pool       gateway.PoolStats `json:"adapter_pool"`
	ServerTime time.Time         `json:"server_time"`
}
