package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/broker/paper"
	"github.com/Theogama/signalist-sub003/internal/events"
	"github.com/Theogama/signalist-sub003/internal/ledger"
	"github.com/Theogama/signalist-sub003/internal/lifecycle"
	"github.com/Theogama/signalist-sub003/internal/monitor"
	"github.com/Theogama/signalist-sub003/internal/risk"
	"github.com/Theogama/signalist-sub003/internal/signal"
)

const (
	waitFor = 3 * time.Second
	poll    = 10 * time.Millisecond
)

type harness struct {
	mgr     *Manager
	ledger  *ledger.Memory
	signals *signal.Memory
	offset  atomic.Int64

	mu       sync.Mutex
	trader   *paper.Trader
	listener broker.Listener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{ledger: ledger.NewMemory(), signals: signal.NewMemory()}
	mgr, err := NewManager(Deps{
		Ledger:   h.ledger,
		Settings: h.ledger,
		Signals:  h.signals,
		Factory:  h.factory,
		Metrics:  monitor.NewMetrics(nil),
		Now:      h.now,
	})
	require.NoError(t, err)
	h.mgr = mgr
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	return h
}

func (h *harness) now() time.Time {
	return time.Now().Add(time.Duration(h.offset.Load()))
}

func (h *harness) factory(spec broker.Spec, l broker.Listener) (broker.Adapter, error) {
	tr := paper.New(spec.(broker.PaperSpec), l)
	h.mu.Lock()
	h.trader = tr
	h.listener = l
	h.mu.Unlock()
	return tr, nil
}

func (h *harness) paper() (*paper.Trader, broker.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trader, h.listener
}

func (h *harness) publish(t *testing.T, symbol string, action broker.Direction) string {
	t.Helper()
	id := "sig-" + symbol + "-" + string(action) + "-" + time.Now().Format("150405.000000000")
	require.NoError(t, h.signals.Publish(context.Background(), signal.Signal{
		ID:     id,
		Symbol: symbol,
		Action: action,
		Price:  100,
		Source: "test",
	}))
	return id
}

func (h *harness) state(t *testing.T, userID string) lifecycle.State {
	st, err := h.mgr.Status(userID)
	require.NoError(t, err)
	return st.State
}

func (h *harness) waitState(t *testing.T, userID string, want lifecycle.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.state(t, userID) == want }, waitFor, poll,
		"bot %s never reached %s", userID, want)
}

func (h *harness) openTrades(t *testing.T, userID string) []ledger.Trade {
	st, err := h.mgr.Status(userID)
	require.NoError(t, err)
	return st.OpenTrades
}

func (h *harness) waitOpen(t *testing.T, userID string, n int) []ledger.Trade {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.openTrades(t, userID)) == n }, waitFor, poll,
		"expected %d open trades", n)
	return h.openTrades(t, userID)
}

func paperSpec(win float64) broker.PaperSpec {
	s := broker.DefaultPaperSpec()
	s.WinProbability = win
	s.StartPrices = map[string]float64{"R_100": 100, "R_50": 50}
	s.TickInterval = 10 * time.Millisecond
	s.DefaultDuration = time.Hour
	s.Seed = 42
	return s
}

func testConfig(userID string, spec broker.PaperSpec) Config {
	return Config{
		UserID:       userID,
		Broker:       spec,
		Policy:       risk.DefaultPolicy(),
		PollInterval: 20 * time.Millisecond,
	}
}

func waitEvent(t *testing.T, ch <-chan events.Event, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "event channel closed while waiting for %s", typ)
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event within %s", typ, waitFor)
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5)))
	require.True(t, res.Success, res.Reason)
	require.NotEmpty(t, res.SessionID)
	h.waitState(t, "alice", lifecycle.Running)

	again := h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5)))
	assert.False(t, again.Success)
	assert.Contains(t, again.Reason, "already active")

	stop := h.mgr.Stop(ctx, "alice", "test over")
	require.True(t, stop.Success, stop.Reason)
	assert.Equal(t, res.SessionID, stop.SessionID)
	assert.Equal(t, lifecycle.Idle, h.state(t, "alice"))

	sessions, err := h.ledger.Sessions(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, ledger.SessionClosed, sessions[0].Status)
	assert.NotNil(t, sessions[0].StoppedAt)
	assert.Equal(t, 10000.0, sessions[0].EndBalance)

	// Stopping twice, or a bot that never ran, is harmless.
	assert.True(t, h.mgr.Stop(ctx, "alice", "again").Success)
	assert.True(t, h.mgr.Stop(ctx, "nobody", "never started").Success)

	_, err = h.mgr.Status("nobody")
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestExecutesSignalAndSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ch, cancel := h.mgr.Events("alice", 64, events.TradeExecuted, events.TradeClosed)
	defer cancel()

	cfg := testConfig("alice", paperSpec(1))
	cfg.Duration = 300 * time.Millisecond
	require.True(t, h.mgr.Start(ctx, cfg).Success)

	sigID := h.publish(t, "R_100", broker.Buy)

	opened := waitEvent(t, ch, events.TradeExecuted).Payload.(events.TradeExecutedPayload)
	assert.Equal(t, sigID, opened.SignalID)
	assert.Equal(t, "R_100", opened.Symbol)
	assert.Equal(t, string(broker.KindPaper), opened.Broker)
	assert.Equal(t, 100.0, opened.Stake)

	closed := waitEvent(t, ch, events.TradeClosed).Payload.(events.TradeClosedPayload)
	assert.Equal(t, opened.TradeID, closed.TradeID)
	assert.Equal(t, string(ledger.StatusTPHit), closed.Status)
	assert.Greater(t, closed.PnL, 0.0)

	h.waitState(t, "alice", lifecycle.Running)

	tr, err := h.ledger.Trade(ctx, "alice", opened.TradeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusTPHit, tr.Status)
	assert.Equal(t, opened.Handle, tr.BrokerHandle)

	sig, ok := h.signals.Get(sigID)
	require.True(t, ok)
	assert.Equal(t, signal.StatusExecuted, sig.Status)

	st, err := h.mgr.Status("alice")
	require.NoError(t, err)
	require.NotNil(t, st.Session)
	assert.Equal(t, 1, st.Session.TradeCount)
	assert.Equal(t, 1, st.Session.Wins)
	assert.Equal(t, 1, st.Daily.TradeCount)
	assert.InDelta(t, closed.PnL, st.Daily.PnL, 1e-9)

	var sawInTrade bool
	for _, tr := range st.History {
		if tr.To == lifecycle.InTrade {
			sawInTrade = true
		}
	}
	assert.True(t, sawInTrade, "bot never entered IN_TRADE")
}

func TestRiskRejectionReportedOncePerSignal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	policy := risk.DefaultPolicy()
	require.NoError(t, h.ledger.SaveDaily(ctx, ledger.Daily{
		UserID:     "alice",
		TradingDay: ledger.TradingDay(h.now()),
		TradeCount: policy.MaxTradesPerDay,
	}))
	ch, cancel := h.mgr.Events("alice", 64, events.RiskLimitReached, events.TradeExecuted)
	defer cancel()

	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)
	h.publish(t, "R_100", broker.Buy)

	e := waitEvent(t, ch, events.RiskLimitReached)
	p := e.Payload.(events.RiskLimitPayload)
	assert.Equal(t, risk.ReasonDailyTradeLimit, p.Reason)
	assert.False(t, p.StopBot)

	// Several more ticks run; the same refusal is not reported again.
	select {
	case e := <-ch:
		t.Fatalf("unexpected %s event", e.Type)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, lifecycle.Running, h.state(t, "alice"))
}

func TestDrawdownStopsBot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ch, cancel := h.mgr.Events("alice", 64, events.RiskLimitReached)
	defer cancel()

	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)
	trader, _ := h.paper()
	trader.Account().Realize(-3000)
	h.publish(t, "R_100", broker.Buy)

	p := waitEvent(t, ch, events.RiskLimitReached).Payload.(events.RiskLimitPayload)
	assert.Equal(t, risk.ReasonDrawdownLimit, p.Reason)
	assert.True(t, p.StopBot)
	assert.InDelta(t, 30.0, p.Metrics.DrawdownPercent, 1e-6)

	h.waitState(t, "alice", lifecycle.Idle)
	trades, err := h.ledger.Trades(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestCloseTradeManually(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)

	h.publish(t, "R_100", broker.Buy)
	open := h.waitOpen(t, "alice", 1)
	h.waitState(t, "alice", lifecycle.InTrade)

	res := h.mgr.CloseTrade(ctx, "alice", open[0].ID)
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, lifecycle.Running, h.state(t, "alice"))

	tr, err := h.ledger.Trade(ctx, "alice", open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusManualClose, tr.Status)
	require.NotNil(t, tr.ExitPrice)

	again := h.mgr.CloseTrade(ctx, "alice", open[0].ID)
	assert.False(t, again.Success)
	assert.Contains(t, again.Reason, ErrTradeNotFound.Error())

	assert.False(t, h.mgr.CloseTrade(ctx, "nobody", "x").Success)
}

func TestStopClosesPositionsWhenConfigured(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := testConfig("alice", paperSpec(0.5))
	cfg.CloseOnStop = true
	require.True(t, h.mgr.Start(ctx, cfg).Success)

	h.publish(t, "R_100", broker.Buy)
	open := h.waitOpen(t, "alice", 1)

	require.True(t, h.mgr.Stop(ctx, "alice", "user request").Success)
	tr, err := h.ledger.Trade(ctx, "alice", open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusForceStop, tr.Status)

	st, err := h.mgr.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Idle, st.State)
	assert.Empty(t, st.OpenTrades)
	require.NotNil(t, st.Session)
	assert.Equal(t, ledger.SessionClosed, st.Session.Status)
}

func TestStopLeavesPositionsOpenByDefault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)

	h.publish(t, "R_100", broker.Buy)
	open := h.waitOpen(t, "alice", 1)

	require.True(t, h.mgr.Stop(ctx, "alice", "user request").Success)
	tr, err := h.ledger.Trade(ctx, "alice", open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, tr.Status)
}

func TestReverseSignalClosesTradeAfterHoldTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := testConfig("alice", paperSpec(0.5))
	cfg.MinHoldTime = 150 * time.Millisecond
	require.True(t, h.mgr.Start(ctx, cfg).Success)

	h.publish(t, "R_100", broker.Buy)
	first := h.waitOpen(t, "alice", 1)[0]
	h.publish(t, "R_100", broker.Sell)

	require.Eventually(t, func() bool {
		tr, err := h.ledger.Trade(ctx, "alice", first.ID)
		return err == nil && tr.Status == ledger.StatusReverseSignal
	}, waitFor, poll)

	tr, err := h.ledger.Trade(ctx, "alice", first.ID)
	require.NoError(t, err)
	require.NotNil(t, tr.ExitAt)
	assert.GreaterOrEqual(t, tr.ExitAt.Sub(first.EntryAt), cfg.MinHoldTime)

	// The reverse signal is then traded on its own.
	require.Eventually(t, func() bool {
		open := h.openTrades(t, "alice")
		return len(open) == 1 && open[0].Direction == broker.Sell
	}, waitFor, poll)
}

func TestDisconnectPausesAndReconnectResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)

	h.publish(t, "R_100", broker.Buy)
	open := h.waitOpen(t, "alice", 1)
	h.waitState(t, "alice", lifecycle.InTrade)

	_, listener := h.paper()
	listener.OnDisconnect(errors.New("socket closed"))
	h.waitState(t, "alice", lifecycle.Paused)
	st, err := h.mgr.Status("alice")
	require.NoError(t, err)
	assert.False(t, st.Connected)

	listener.OnReconnect()
	h.waitState(t, "alice", lifecycle.InTrade)

	after := h.openTrades(t, "alice")
	require.Len(t, after, 1)
	assert.Equal(t, open[0].ID, after[0].ID)
	trades, err := h.ledger.Trades(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestManualPauseSurvivesReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)
	h.waitState(t, "alice", lifecycle.Running)

	require.True(t, h.mgr.Pause(ctx, "alice").Success)
	assert.Equal(t, lifecycle.Paused, h.state(t, "alice"))

	_, listener := h.paper()
	listener.OnDisconnect(errors.New("socket closed"))
	listener.OnReconnect()

	// A paused bot does not trade.
	h.publish(t, "R_100", broker.Buy)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, lifecycle.Paused, h.state(t, "alice"))
	assert.Empty(t, h.openTrades(t, "alice"))

	require.True(t, h.mgr.Resume(ctx, "alice").Success)
	h.waitOpen(t, "alice", 1)
	h.waitState(t, "alice", lifecycle.InTrade)

	assert.False(t, h.mgr.Resume(ctx, "alice").Success)
}

func TestLedgerFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)

	h.ledger.SetFailure(errors.New("database is locked"))
	sigID := h.publish(t, "R_100", broker.Buy)
	open := h.waitOpen(t, "alice", 1)

	st, err := h.mgr.Status("alice")
	require.NoError(t, err)
	assert.Greater(t, st.PendingWrites, 0)
	_, err = h.ledger.Trade(ctx, "alice", open[0].ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// The signal stays active in the store but is not traded twice.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.openTrades(t, "alice"), 1)

	h.ledger.SetFailure(nil)
	require.Eventually(t, func() bool {
		st, err := h.mgr.Status("alice")
		return err == nil && st.PendingWrites == 0
	}, waitFor, poll)

	tr, err := h.ledger.Trade(ctx, "alice", open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, tr.Status)
	sig, ok := h.signals.Get(sigID)
	require.True(t, ok)
	assert.Equal(t, signal.StatusExecuted, sig.Status)
}

func TestDailyRolloverResetsCounters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	policy := risk.DefaultPolicy()
	require.NoError(t, h.ledger.SaveDaily(ctx, ledger.Daily{
		UserID:     "alice",
		TradingDay: ledger.TradingDay(h.now()),
		TradeCount: policy.MaxTradesPerDay,
	}))
	ch, cancel := h.mgr.Events("alice", 64, events.RiskLimitReached)
	defer cancel()

	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)
	h.publish(t, "R_100", broker.Buy)
	waitEvent(t, ch, events.RiskLimitReached)
	assert.Empty(t, h.openTrades(t, "alice"))

	h.offset.Store(int64(24 * time.Hour))
	h.waitOpen(t, "alice", 1)

	st, err := h.mgr.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.TradingDay(h.now()), st.Daily.TradingDay)
	assert.Equal(t, 1, st.Daily.TradeCount)
}

func TestStartFailureEntersErrorAndRestarts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ch, cancel := h.mgr.Events("alice", 64, events.Error)
	defer cancel()

	bad := testConfig("alice", paperSpec(0.5))
	bad.Policy = risk.Policy{}
	res := h.mgr.Start(ctx, bad)
	require.False(t, res.Success)
	assert.Contains(t, res.Reason, "risk policy")
	assert.Equal(t, lifecycle.Error, h.state(t, "alice"))
	assert.True(t, waitEvent(t, ch, events.Error).Payload.(events.ErrorPayload).Fatal)

	res = h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5)))
	require.True(t, res.Success, res.Reason)
	h.waitState(t, "alice", lifecycle.Running)
}

func TestMultiPositionTradesOnePerSymbol(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ch, cancel := h.mgr.Events("alice", 64, events.RiskLimitReached)
	defer cancel()

	cfg := testConfig("alice", paperSpec(0.5))
	cfg.MultiPosition = true
	cfg.Symbols = []string{"R_100", "R_50"}
	require.True(t, h.mgr.Start(ctx, cfg).Success)

	h.publish(t, "R_100", broker.Buy)
	h.waitOpen(t, "alice", 1)
	h.publish(t, "R_50", broker.Sell)
	h.waitOpen(t, "alice", 2)

	h.publish(t, "R_100", broker.Buy)
	p := waitEvent(t, ch, events.RiskLimitReached).Payload.(events.RiskLimitPayload)
	assert.Equal(t, risk.ReasonDuplicatePosition, p.Reason)
	assert.Len(t, h.openTrades(t, "alice"), 2)

	require.Eventually(t, func() bool {
		st, err := h.mgr.Status("alice")
		return err == nil && st.Quotes["R_100"] > 0
	}, waitFor, poll)
}

func TestListOrdersByUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.mgr.Start(ctx, testConfig("bob", paperSpec(0.5))).Success)
	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)

	list := h.mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].UserID)
	assert.Equal(t, "bob", list[1].UserID)
	assert.Equal(t, broker.KindPaper, list[0].Broker)
}

func TestTransientErrorsDoNotHaltHealthyBot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)
	h.waitState(t, "alice", lifecycle.Running)

	_, listener := h.paper()
	for i := 0; i < 6; i++ {
		listener.OnDisconnect(errors.New("socket closed"))
		h.waitState(t, "alice", lifecycle.Paused)
		listener.OnReconnect()
		h.waitState(t, "alice", lifecycle.Running)
	}

	inst, ok := h.mgr.instance("alice", false)
	require.True(t, ok)
	assert.Zero(t, inst.fsm.ErrorCount(), "disconnects are not errors")

	// Placement failures while running are counted but never halt the bot.
	for i := 0; i < 6; i++ {
		inst.emitError("place BUY R_100: insufficient margin", false)
	}
	assert.Empty(t, h.mgr.RecoverStuck())
	assert.Equal(t, lifecycle.Running, h.state(t, "alice"))

	again := h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5)))
	assert.False(t, again.Success)
	assert.Contains(t, again.Reason, "already active")
	assert.Equal(t, lifecycle.Running, h.state(t, "alice"))
}

func TestLossSettledAfterMidnightCountsForNewDay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)

	h.publish(t, "R_100", broker.Buy)
	open := h.waitOpen(t, "alice", 1)
	today := ledger.TradingDay(h.now())

	y, m, d := h.now().UTC().Date()
	justAfterMidnight := time.Date(y, m, d+1, 0, 0, 1, 0, time.UTC)
	_, listener := h.paper()
	listener.OnContractUpdate(broker.ContractUpdate{
		Handle:      open[0].BrokerHandle,
		Symbol:      "R_100",
		Status:      broker.StatusSettledLoss,
		ExitPrice:   99,
		RealizedPnL: -40,
		Time:        justAfterMidnight,
	})
	h.waitOpen(t, "alice", 0)

	st, err := h.mgr.Status("alice")
	require.NoError(t, err)
	require.NotNil(t, st.Session)
	assert.Equal(t, 1, st.Session.Losses)
	assert.InDelta(t, -40.0, st.Session.RealizedPnL, 1e-9)

	assert.Equal(t, ledger.TradingDay(justAfterMidnight), st.Daily.TradingDay)
	assert.NotEqual(t, today, st.Daily.TradingDay)
	assert.InDelta(t, 40.0, st.Daily.RealizedLoss, 1e-9)
	assert.Equal(t, 1, st.Daily.ConsecutiveLosses)

	// Later ticks on the old wall-clock day keep the new day's totals.
	time.Sleep(100 * time.Millisecond)
	st, err = h.mgr.Status("alice")
	require.NoError(t, err)
	assert.InDelta(t, 40.0, st.Daily.RealizedLoss, 1e-9)
}

func TestOversizedStakeIsClampedAndAdmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ch, cancel := h.mgr.Events("alice", 64, events.TradeExecuted, events.RiskLimitReached)
	defer cancel()

	spec := paperSpec(0.5)
	spec.StartPrices = map[string]float64{"EURUSD": 1.10}
	cfg := testConfig("alice", spec)
	cfg.Policy.RiskPerTrade = 10
	require.True(t, h.mgr.Start(ctx, cfg).Success)

	// 10% of 10000 over a ~0.45% stop distance sizes far above the cap.
	require.NoError(t, h.signals.Publish(ctx, signal.Signal{
		ID:       "sig-eurusd",
		Symbol:   "EURUSD",
		Action:   broker.Buy,
		Price:    1.10,
		StopLoss: 1.095,
		Source:   "test",
	}))

	e := waitEvent(t, ch, events.TradeExecuted)
	opened := e.Payload.(events.TradeExecutedPayload)
	assert.Equal(t, "sig-eurusd", opened.SignalID)
	assert.Equal(t, cfg.Policy.MaxStakeSize, opened.Stake)

	tr, err := h.ledger.Trade(ctx, "alice", opened.TradeID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Policy.MaxStakeSize, tr.Stake)

	st, err := h.mgr.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Daily.TradeCount)
}

func TestDailyLossLimitDeniesNextSignal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ch, cancel := h.mgr.Events("alice", 64, events.RiskLimitReached)
	defer cancel()

	spec := paperSpec(0.5)
	spec.StartPrices = map[string]float64{"R_100": 100, "R_50": 50, "R_25": 25}
	cfg := testConfig("alice", spec)
	require.Equal(t, 500.0, cfg.Policy.DailyLossLimit)
	require.True(t, h.mgr.Start(ctx, cfg).Success)

	_, listener := h.paper()
	for i, symbol := range []string{"R_100", "R_50"} {
		h.publish(t, symbol, broker.Buy)
		open := h.waitOpen(t, "alice", 1)
		listener.OnContractUpdate(broker.ContractUpdate{
			Handle:      open[0].BrokerHandle,
			Symbol:      symbol,
			Status:      broker.StatusSettledLoss,
			ExitPrice:   open[0].EntryPrice * 0.9,
			RealizedPnL: -300,
			Time:        h.now(),
		})
		h.waitOpen(t, "alice", 0)

		st, err := h.mgr.Status("alice")
		require.NoError(t, err)
		require.InDelta(t, 300.0*float64(i+1), st.Daily.RealizedLoss, 1e-9)
	}

	h.publish(t, "R_25", broker.Buy)
	e := waitEvent(t, ch, events.RiskLimitReached)
	p := e.Payload.(events.RiskLimitPayload)
	assert.Equal(t, risk.ReasonDailyLossLimit, p.Reason)
	assert.InDelta(t, 600.0, p.Metrics.DailyLoss, 1e-9)

	st, err := h.mgr.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Daily.TradeCount)
	assert.Equal(t, 2, st.Daily.ConsecutiveLosses)
	assert.Empty(t, st.OpenTrades)
	assert.Equal(t, lifecycle.Running, st.State)
}

func TestStopDuringPlacementLeavesNoOrphans(t *testing.T) {
	for _, delay := range []time.Duration{0, 5 * time.Millisecond, 15 * time.Millisecond, 30 * time.Millisecond} {
		t.Run(delay.String(), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)
			h.waitState(t, "alice", lifecycle.Running)

			h.publish(t, "R_100", broker.Buy)
			h.publish(t, "R_50", broker.Sell)

			var wg sync.WaitGroup
			results := make([]Result, 2)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					time.Sleep(delay)
					results[i] = h.mgr.Stop(ctx, "alice", "user request")
				}(i)
			}
			wg.Wait()

			for _, res := range results {
				assert.True(t, res.Success, res.Reason)
			}
			st, err := h.mgr.Status("alice")
			require.NoError(t, err)
			assert.Equal(t, lifecycle.Idle, st.State)
			require.NotNil(t, st.Session)
			assert.Equal(t, ledger.SessionClosed, st.Session.Status)

			// Whatever reached the broker before the stop is in the ledger.
			trader, _ := h.paper()
			positions, err := trader.OpenTrades(ctx)
			require.NoError(t, err)
			recorded, err := h.ledger.OpenTrades(ctx, "alice")
			require.NoError(t, err)
			handles := make(map[string]bool, len(recorded))
			for _, tr := range recorded {
				handles[tr.BrokerHandle] = true
			}
			for _, p := range positions {
				assert.True(t, handles[p.Handle], "position %s has no ledger trade", p.Handle)
			}
			assert.Len(t, recorded, len(positions))

			// The user can start again straight away.
			require.True(t, h.mgr.Start(ctx, testConfig("alice", paperSpec(0.5))).Success)
		})
	}
}
