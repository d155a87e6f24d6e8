package risk

import (
	"errors"
	"fmt"
)

// Reason identifies the check that refused a trade.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDailyTradeLimit   Reason = "daily_trade_limit"
	ReasonDrawdownLimit     Reason = "drawdown_limit"
	ReasonConsecutiveLosses Reason = "consecutive_losses"
	ReasonDailyLossLimit    Reason = "daily_loss_limit"
	ReasonDuplicatePosition Reason = "duplicate_position"
	ReasonStakeBelowMinimum Reason = "stake_below_minimum"
)

// MinStake is the smallest stake ever placed.
const MinStake = 1.0

// Policy is the per-session risk configuration. It is copied into the
// session at start and never mutated afterwards.
type Policy struct {
	MaxTradesPerDay      int     `yaml:"max_trades_per_day" json:"max_trades_per_day"`
	DailyLossLimit       float64 `yaml:"daily_loss_limit" json:"daily_loss_limit"`
	MaxStakeSize         float64 `yaml:"max_stake_size" json:"max_stake_size"`
	RiskPerTrade         float64 `yaml:"risk_per_trade" json:"risk_per_trade"`         // percent of balance
	AutoStopDrawdown     float64 `yaml:"auto_stop_drawdown" json:"auto_stop_drawdown"` // percent from peak
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" json:"max_consecutive_losses"`
}

// DefaultPolicy returns conservative defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxTradesPerDay:      20,
		DailyLossLimit:       500,
		MaxStakeSize:         100,
		RiskPerTrade:         1,
		AutoStopDrawdown:     20,
		MaxConsecutiveLosses: 5,
	}
}

// Validate rejects policies that would make every check meaningless.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxTradesPerDay <= 0 {
		errs = append(errs, fmt.Errorf("max_trades_per_day must be positive, got %d", p.MaxTradesPerDay))
	}
	if p.DailyLossLimit <= 0 {
		errs = append(errs, fmt.Errorf("daily_loss_limit must be positive, got %.2f", p.DailyLossLimit))
	}
	if p.MaxStakeSize < MinStake {
		errs = append(errs, fmt.Errorf("max_stake_size must be at least %.0f, got %.2f", MinStake, p.MaxStakeSize))
	}
	if p.RiskPerTrade <= 0 || p.RiskPerTrade > 100 {
		errs = append(errs, fmt.Errorf("risk_per_trade must be within (0,100], got %.2f", p.RiskPerTrade))
	}
	if p.AutoStopDrawdown <= 0 || p.AutoStopDrawdown > 100 {
		errs = append(errs, fmt.Errorf("auto_stop_drawdown must be within (0,100], got %.2f", p.AutoStopDrawdown))
	}
	if p.MaxConsecutiveLosses <= 0 {
		errs = append(errs, fmt.Errorf("max_consecutive_losses must be positive, got %d", p.MaxConsecutiveLosses))
	}
	return errors.Join(errs...)
}

// Counters are the session values the checks read.
type Counters struct {
	DailyTradeCount   int     `json:"daily_trade_count"`
	DailyRealizedLoss float64 `json:"daily_realized_loss"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	PeakBalance       float64 `json:"peak_balance"`
}

// Snapshot is everything CanExecuteTrade needs about a session.
type Snapshot struct {
	Policy      Policy
	Counters    Counters
	OpenSymbols map[string]bool
}

// Candidate is the trade being admitted.
type Candidate struct {
	Symbol string
}

// Metrics is the risk picture attached to every decision.
type Metrics struct {
	DailyTrades          int     `json:"daily_trades"`
	MaxTradesPerDay      int     `json:"max_trades_per_day"`
	DailyLoss            float64 `json:"daily_loss"`
	DailyLossLimit       float64 `json:"daily_loss_limit"`
	ConsecutiveLosses    int     `json:"consecutive_losses"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	PeakBalance          float64 `json:"peak_balance"`
	CurrentBalance       float64 `json:"current_balance"`
	DrawdownPercent      float64 `json:"drawdown_percent"`
	OpenPositions        int     `json:"open_positions"`
}

// Decision is the result of CanExecuteTrade.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  Reason  `json:"reason,omitempty"`
	Message string  `json:"message,omitempty"`
	StopBot bool    `json:"stop_bot,omitempty"`
	Metrics Metrics `json:"metrics"`
}

// Stats are monitoring counters kept by the Manager.
type Stats struct {
	ChecksTotal       uint64            `json:"checks_total"`
	RejectionsTotal   uint64            `json:"rejections_total"`
	RejectionsBy      map[Reason]uint64 `json:"rejections_by"`
	CheckLatencyNanos uint64            `json:"check_latency_nanos"`
}
