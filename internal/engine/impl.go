package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Theogama/signalist-sub003/internal/bot"
	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/gateway"
	"github.com/Theogama/signalist-sub003/internal/ledger"
	"github.com/Theogama/signalist-sub003/internal/risk"
	"github.com/Theogama/signalist-sub003/internal/signal"
	"github.com/Theogama/signalist-sub003/pkg/config"
)

// ErrNoProfile is returned when a profile start names an unknown user.
var ErrNoProfile = errors.New("no bot profile for user")

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	bots     *bot.Manager
	history  ledger.History
	signals  signal.Publisher
	riskMgr  *risk.Manager
	pool     *gateway.Pool
	profiles config.Profiles

	defaultPoll time.Duration
	now         func() time.Time

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Bots     *bot.Manager
	History  ledger.History
	Signals  signal.Publisher
	RiskMgr  *risk.Manager
	Pool     *gateway.Pool // optional
	Profiles config.Profiles

	// DefaultPoll replaces a zero poll interval in started configs.
	DefaultPoll time.Duration
	Version     string
	Now         func() time.Time
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Profiles == nil {
		cfg.Profiles = config.Profiles{}
	}
	return &Impl{
		bots:        cfg.Bots,
		history:     cfg.History,
		signals:     cfg.Signals,
		riskMgr:     cfg.RiskMgr,
		pool:        cfg.Pool,
		profiles:    cfg.Profiles,
		defaultPoll: cfg.DefaultPoll,
		now:         cfg.Now,
		meta: SystemStatus{
			NodeID:   NodeID(),
			Version:  cfg.Version,
			Profiles: cfg.Profiles.Users(),
		},
	}
}

// ProfileConfig converts a stored profile into a start config.
func ProfileConfig(p config.Profile) (bot.Config, error) {
	spec, err := p.Spec()
	if err != nil {
		return bot.Config{}, err
	}
	return bot.Config{
		UserID:        p.UserID,
		Broker:        spec,
		Symbols:       p.Symbols,
		Sources:       p.Sources,
		Policy:        p.Policy,
		Class:         broker.Class(p.Class),
		Duration:      p.Duration,
		CloseOnStop:   p.CloseOnStop,
		MinHoldTime:   p.MinHoldTime,
		MultiPosition: p.MultiPosition,
		PollInterval:  p.PollInterval,
	}, nil
}

// --- Bot Commands ---

func (e *Impl) StartBot(ctx context.Context, cfg bot.Config) bot.Result {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = e.defaultPoll
	}
	return e.bots.Start(ctx, cfg)
}

func (e *Impl) StartProfile(ctx context.Context, userID string) bot.Result {
	p, ok := e.profiles[userID]
	if !ok {
		return bot.Result{Reason: fmt.Sprintf("%v: %s", ErrNoProfile, userID)}
	}
	cfg, err := ProfileConfig(p)
	if err != nil {
		return bot.Result{Reason: err.Error()}
	}
	return e.StartBot(ctx, cfg)
}

func (e *Impl) StopBot(ctx context.Context, userID, reason string) bot.Result {
	if reason == "" {
		reason = "requested"
	}
	return e.bots.Stop(ctx, userID, reason)
}

func (e *Impl) PauseBot(ctx context.Context, userID string) bot.Result {
	return e.bots.Pause(ctx, userID)
}

func (e *Impl) ResumeBot(ctx context.Context, userID string) bot.Result {
	return e.bots.Resume(ctx, userID)
}

func (e *Impl) CloseTrade(ctx context.Context, userID, tradeID string) bot.Result {
	return e.bots.CloseTrade(ctx, userID, tradeID)
}

// --- Bot Queries ---

func (e *Impl) BotStatus(ctx context.Context, userID string) (bot.Status, error) {
	return e.bots.Status(userID)
}

func (e *Impl) ListBots(ctx context.Context) []bot.Status {
	return e.bots.List()
}

// RiskMetrics evaluates the admission checks against the bot's current
// counters without recording a check.
func (e *Impl) RiskMetrics(ctx context.Context, userID string) (*RiskMetrics, error) {
	st, err := e.bots.Status(userID)
	if err != nil {
		return nil, err
	}
	out := &RiskMetrics{
		UserID:   userID,
		Date:     st.Daily.TradingDay,
		State:    string(st.State),
		DailyPnL: st.Daily.PnL,
	}
	if out.Date == "" {
		out.Date = ledger.TradingDay(e.now())
	}
	if st.Session == nil {
		return out, nil
	}

	open := make(map[string]bool, len(st.OpenTrades))
	for _, t := range st.OpenTrades {
		open[t.Symbol] = true
	}
	snap := risk.Snapshot{
		Policy: st.Session.Policy,
		Counters: risk.Counters{
			DailyTradeCount:   st.Daily.TradeCount,
			DailyRealizedLoss: st.Daily.RealizedLoss,
			ConsecutiveLosses: st.Daily.ConsecutiveLosses,
			PeakBalance:       st.Session.PeakBalance,
		},
		OpenSymbols: open,
	}
	d := risk.Evaluate(snap, risk.Candidate{}, st.Balance)
	out.Metrics = d.Metrics
	out.Policy = snap.Policy
	out.LimitReached = d.Reason
	return out, nil
}

// --- History ---

func (e *Impl) TradeHistory(ctx context.Context, userID string, limit int) ([]ledger.Trade, error) {
	trades, err := e.history.Trades(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("trade history: %w", err)
	}
	return trades, nil
}

func (e *Impl) SessionHistory(ctx context.Context, userID string, limit int) ([]ledger.Session, error) {
	sessions, err := e.history.Sessions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	return sessions, nil
}

// --- Signals ---

// PublishSignal stores an active signal and returns it with its id and
// creation time filled in.
func (e *Impl) PublishSignal(ctx context.Context, s signal.Signal) (signal.Signal, error) {
	if err := s.Validate(); err != nil {
		return signal.Signal{}, err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = e.now()
	}
	s.Status = signal.StatusActive
	s.ExecutedAt = nil
	if err := e.signals.Publish(ctx, s); err != nil {
		return signal.Signal{}, fmt.Errorf("publish signal: %w", err)
	}
	return s, nil
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := e.meta
	status.Profiles = append([]string(nil), e.meta.Profiles...)
	status.Bots = make(map[string]int)
	for _, st := range e.bots.List() {
		status.Bots[string(st.State)]++
	}
	if e.riskMgr != nil {
		status.Risk = e.riskMgr.Stats()
	}
	if e.pool != nil {
		status.Pool = e.pool.Stats()
	}
	status.ServerTime = e.now().UTC()
	return &status
}
