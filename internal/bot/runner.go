package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/events"
	"github.com/Theogama/signalist-sub003/internal/ledger"
	"github.com/Theogama/signalist-sub003/internal/lifecycle"
	"github.com/Theogama/signalist-sub003/internal/order"
	"github.com/Theogama/signalist-sub003/internal/reconciliation"
	"github.com/Theogama/signalist-sub003/internal/risk"
	"github.com/Theogama/signalist-sub003/internal/signal"
	"github.com/Theogama/signalist-sub003/internal/state"
	"github.com/Theogama/signalist-sub003/pkg/cache"
)

const (
	serialBuffer     = 1024
	ledgerTimeout    = 5 * time.Second
	earlyUpdateTTL   = time.Minute
	maxPlaceAttempts = 3
	reconcileWindow  = 24 * time.Hour
	quoteMaxAge      = 30 * time.Second
)

type pendingWrite struct {
	key  string // snapshot writes with the same key coalesce
	what string
	fn   func(context.Context) error
}

// earlyUpdate is a settlement pushed before the placement reply arrived.
type earlyUpdate struct {
	update broker.ContractUpdate
	at     time.Time
}

// view is the part of the status owned by the serial queue, republished
// after every change.
type view struct {
	session   ledger.Session
	daily     ledger.Daily
	balance   float64
	pending   int
	connected bool
}

// runner drives one session. Counters, pending writes and state machine
// moves are only touched from its serial queue.
type runner struct {
	inst   *Instance
	deps   *Deps
	cfg    Config
	userID string
	filter signal.Filter

	adapter    broker.Adapter
	journal    order.Journal
	ownJournal bool
	serial     *order.Serial
	active     *state.ActiveSet
	recon      *reconciliation.Service

	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	ticking atomic.Bool
	halting atomic.Bool

	stopOnce    sync.Once
	releaseOnce sync.Once

	subsMu sync.Mutex
	subs   []func()

	quotes *cache.Quotes

	published atomic.Pointer[view]

	// Serial queue state.
	session      ledger.Session
	daily        ledger.Daily
	balance      float64
	pending      []pendingWrite
	early        map[string]earlyUpdate
	rejected     map[string]risk.Reason
	attempts     map[string]int
	consumed     map[string]bool
	disconnected bool
	autoPaused   bool
	manualPause  bool
}

func newRunner(inst *Instance, cfg Config) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &runner{
		inst:     inst,
		deps:     inst.deps,
		cfg:      cfg,
		userID:   inst.userID,
		filter:   signal.Filter{UserID: inst.userID, Symbols: cfg.Symbols, Sources: cfg.Sources},
		serial:   order.NewSerial(serialBuffer),
		active:   state.NewActiveSet(),
		ctx:      ctx,
		cancel:   cancel,
		quotes:   cache.NewQuotes(inst.deps.Now),
		early:    make(map[string]earlyUpdate),
		rejected: make(map[string]risk.Reason),
		attempts: make(map[string]int),
		consumed: make(map[string]bool),
	}
}

func (r *runner) now() time.Time { return r.deps.Now() }

// do runs fn on the serial queue and waits for it.
func (r *runner) do(fn func()) bool {
	return r.serial.Do(context.Background(), fn) == nil
}

func ledgerCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ledgerTimeout)
}

// OnContractUpdate implements broker.Listener.
func (r *runner) OnContractUpdate(u broker.ContractUpdate) {
	r.serial.Submit(func() { r.handleUpdate(u) })
}

// OnDisconnect implements broker.Listener.
func (r *runner) OnDisconnect(err error) {
	r.serial.Submit(func() { r.onDisconnect(err) })
}

// OnReconnect implements broker.Listener.
func (r *runner) OnReconnect() {
	r.serial.Submit(r.onReconnect)
}

// setup connects the adapter, opens the session and reconciles what the
// previous run left behind.
func (r *runner) setup(ctx context.Context) error {
	timer := r.deps.Metrics.StartTimer("connect")
	err := r.adapter.Connect(ctx)
	timer.Stop()
	if err != nil {
		return fmt.Errorf("connect %s broker: %w", r.adapter.Kind(), err)
	}
	info, err := r.accountInfo(ctx)
	if err != nil {
		return fmt.Errorf("account info: %w", err)
	}

	var setupErr error
	if !r.do(func() { setupErr = r.restore(ctx, info.Balance) }) {
		return order.ErrQueueClosed
	}
	return setupErr
}

func (r *runner) restore(ctx context.Context, balance float64) error {
	now := r.now()
	r.balance = balance

	daily, err := r.deps.Settings.LoadDaily(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("load daily counters: %w", err)
	}
	if today := ledger.TradingDay(now); daily.TradingDay != today {
		if daily.TradingDay != "" {
			log.Printf("📅 bot[%s]: new trading day %s, daily counters reset", r.userID, today)
		}
		daily = ledger.Daily{TradingDay: today}
	}
	daily.UserID = r.userID
	r.daily = daily
	r.persistDaily()

	r.session = ledger.Session{
		ID:           uuid.NewString(),
		UserID:       r.userID,
		Broker:       r.adapter.Kind(),
		Status:       ledger.SessionActive,
		StartBalance: balance,
		PeakBalance:  balance,
		Policy:       r.cfg.Policy,
		StartedAt:    now,
	}
	if err := r.deps.Ledger.RecordSession(ctx, r.session); err != nil {
		return fmt.Errorf("record session: %w", err)
	}

	open, err := r.deps.Ledger.OpenTrades(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	r.active.Load(open)

	r.recon = reconciliation.NewService(r.adapter, r.deps.Ledger, r.journal)
	report, err := r.recon.Reconcile(ctx, r.scope(open))
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	r.applyReport(report)

	for _, t := range r.active.Trades() {
		if err := r.adapter.WatchContract(ctx, t.BrokerHandle); err != nil {
			log.Printf("⚠️ bot[%s]: watch %s (%s): %v", r.userID, t.ID, t.BrokerHandle, err)
		}
	}
	r.publish()
	return nil
}

// scope bounds the closed-trades query by the oldest trade or intent still
// unresolved.
func (r *runner) scope(open []ledger.Trade) reconciliation.Scope {
	since := r.now().Add(-reconcileWindow)
	for _, t := range open {
		if !t.EntryAt.IsZero() && t.EntryAt.Before(since) {
			since = t.EntryAt
		}
	}
	for _, in := range r.journal.Pending() {
		if !in.CreatedAt.IsZero() && in.CreatedAt.Before(since) {
			since = in.CreatedAt
		}
	}
	return reconciliation.Scope{
		UserID:    r.userID,
		SessionID: r.session.ID,
		Broker:    r.adapter.Kind(),
		Since:     since.Add(-time.Minute),
	}
}

func (r *runner) applyReport(report *reconciliation.Report) {
	for _, t := range report.Watch {
		r.active.SetUnrealized(t.ID, t.UnrealizedPnL)
	}
	for _, t := range report.Adopt {
		if err := r.active.Adopt(t); err != nil {
			log.Printf("⚠️ bot[%s]: adopted trade %s on %s not tracked: %v", r.userID, t.ID, t.Symbol, err)
			continue
		}
		log.Printf("📥 bot[%s]: adopted open trade %s %s %s", r.userID, t.ID, t.Direction, t.Symbol)
	}
	for _, c := range report.Settle {
		_, tracked := r.active.Close(c.Trade.ID)
		if !tracked && !(c.Record && c.Trade.SessionID != r.session.ID) {
			continue
		}
		r.account(c.Trade, c.Settlement)
		r.emitClosed(c.Settlement.Apply(c.Trade))
	}
	for _, t := range report.Missing {
		if _, ok := r.active.Close(t.ID); ok {
			r.inst.emitError(fmt.Sprintf("trade %s (%s) is open in the ledger but unknown to the broker", t.ID, t.BrokerHandle), false)
		}
	}
	for _, in := range report.Unresolved {
		log.Printf("⚠️ bot[%s]: intent %s (%s) placed but not reported by the broker, kept pending", r.userID, in.ID, in.Handle)
	}
	if len(report.Settle) > 0 || len(report.Adopt) > 0 {
		r.saveCounters()
	}
}

// begin moves the machine to RUNNING and starts the loop. It returns false
// when the machine left STARTING meanwhile.
func (r *runner) begin() bool {
	var ok bool
	r.do(func() {
		if !r.inst.fsm.Transition(lifecycle.Running, "session started") {
			return
		}
		if r.active.Len() > 0 {
			r.inst.fsm.Transition(lifecycle.InTrade, "open trades restored")
		}
		ok = true
	})
	if !ok {
		return false
	}

	for _, sym := range r.cfg.Symbols {
		unsub, err := r.adapter.SubscribeTicks(r.ctx, sym, r.onTick)
		if err != nil {
			log.Printf("⚠️ bot[%s]: tick subscription %s: %v", r.userID, sym, err)
			continue
		}
		r.subsMu.Lock()
		r.subs = append(r.subs, unsub)
		r.subsMu.Unlock()
	}
	if r.deps.Pool != nil {
		r.deps.Pool.Register(r.userID, r.adapter)
	}

	r.loopWG.Add(1)
	go r.loop()
	return true
}

func (r *runner) onTick(t broker.Tick) {
	r.quotes.Set(t.Symbol, t.Quote)
}

// quote returns the streamed price of symbol unless it has gone stale.
func (r *runner) quote(symbol string) (float64, bool) {
	return r.quotes.Fresh(symbol, quoteMaxAge)
}

func (r *runner) loop() {
	defer r.loopWG.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.tick()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick is one polling cycle. A cycle still running when the next is due
// makes the next one a no-op.
func (r *runner) tick() {
	if !r.ticking.CompareAndSwap(false, true) {
		return
	}
	defer r.ticking.Store(false)
	ctx := r.ctx

	r.do(func() {
		r.rollover()
		r.retryPending()
		r.pruneEarly()
		r.publish()
	})
	if r.halting.Load() || !r.inst.fsm.IsOperational() {
		return
	}

	info, err := r.accountInfo(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("⚠️ bot[%s]: account info: %v", r.userID, err)
		}
		return
	}
	r.do(func() { r.observeBalance(info.Balance) })

	r.scanReversals(ctx)
	r.admitSignals(ctx, info.Balance)
}

func (r *runner) accountInfo(ctx context.Context) (broker.AccountInfo, error) {
	timer := r.deps.Metrics.StartTimer("account_info")
	info, err := r.adapter.AccountInfo(ctx)
	timer.Stop()
	if r.deps.Pool != nil {
		if err != nil {
			r.deps.Pool.RecordFailure(r.userID, err)
		} else {
			r.deps.Pool.RecordSuccess(r.userID)
		}
	}
	return info, err
}

func (r *runner) rollover() {
	r.rolloverTo(ledger.TradingDay(r.now()))
}

// rolloverTo starts day when it is later than the current trading day.
// Trading days are YYYY-MM-DD, so they order as strings.
func (r *runner) rolloverTo(day string) {
	if day <= r.daily.TradingDay {
		return
	}
	log.Printf("📅 bot[%s]: new trading day %s, daily counters reset", r.userID, day)
	r.daily = ledger.Daily{UserID: r.userID, TradingDay: day}
	r.rejected = make(map[string]risk.Reason)
	r.persistDaily()
	r.publish()
}

func (r *runner) pruneEarly() {
	cutoff := r.now().Add(-earlyUpdateTTL)
	for handle, e := range r.early {
		if e.at.Before(cutoff) {
			delete(r.early, handle)
		}
	}
}

func (r *runner) observeBalance(balance float64) {
	r.balance = balance
	if balance > r.session.PeakBalance {
		r.session.PeakBalance = balance
		r.persistSession()
	}
	r.publish()
}

func (r *runner) canAdmit() bool {
	if r.cfg.MultiPosition {
		return r.inst.fsm.IsOperational()
	}
	return r.inst.fsm.CanExecuteTrades()
}

// scanReversals closes trades held at least MinHoldTime once a newer
// signal points the other way.
func (r *runner) scanReversals(ctx context.Context) {
	for _, t := range r.active.Trades() {
		if ctx.Err() != nil || r.halting.Load() {
			return
		}
		if r.now().Sub(t.EntryAt) < r.cfg.MinHoldTime {
			continue
		}
		sig, found, err := r.deps.Signals.Latest(ctx, r.filter, t.Symbol)
		if err != nil {
			log.Printf("⚠️ bot[%s]: latest signal for %s: %v", r.userID, t.Symbol, err)
			continue
		}
		if !found || sig.Action != t.Direction.Opposite() || !sig.CreatedAt.After(t.EntryAt) {
			continue
		}
		log.Printf("🔁 bot[%s]: %s signal %s reverses trade %s on %s", r.userID, sig.Action, sig.ID, t.ID, t.Symbol)
		if err := r.closePosition(ctx, t, ledger.StatusReverseSignal); err != nil && !errors.Is(err, ErrAlreadySettled) {
			r.inst.emitError(fmt.Sprintf("reverse close %s: %v", t.ID, err), false)
		}
	}
}

func (r *runner) admitSignals(ctx context.Context, balance float64) {
	if !r.canAdmit() {
		return
	}
	sigs, err := r.deps.Signals.Active(ctx, r.filter)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("⚠️ bot[%s]: active signals: %v", r.userID, err)
		}
		return
	}
	for _, sig := range sigs {
		if ctx.Err() != nil || r.halting.Load() || !r.canAdmit() {
			return
		}
		r.execute(ctx, sig, balance)
	}
}

func (r *runner) execute(ctx context.Context, sig signal.Signal, balance float64) {
	if err := sig.Validate(); err != nil {
		log.Printf("⚠️ bot[%s]: skipping signal %s: %v", r.userID, sig.ID, err)
		return
	}
	if r.active.InFlight(sig.Symbol) {
		return
	}

	var (
		in       order.Intent
		admitted bool
	)
	r.do(func() { in, admitted = r.admit(sig, balance) })
	if !admitted {
		return
	}

	log.Printf("📤 bot[%s]: placing %s %s stake %.2f (signal %s)", r.userID, in.Direction, in.Symbol, in.Stake, sig.ID)
	timer := r.deps.Metrics.StartTimer("place_trade")
	p, err := r.adapter.PlaceTrade(ctx, in.Request(r.cfg.Tag))
	timer.Stop()
	if err != nil {
		r.do(func() { r.placementFailed(in, err) })
		return
	}
	r.do(func() { r.commit(in, p) })
}

// admit runs the risk checks and sizing, then reserves the symbol and
// journals the intent.
func (r *runner) admit(sig signal.Signal, balance float64) (order.Intent, bool) {
	if r.consumed[sig.ID] || r.attempts[sig.ID] >= maxPlaceAttempts || !r.canAdmit() {
		return order.Intent{}, false
	}
	r.rollover()

	snap := risk.Snapshot{
		Policy: r.cfg.Policy,
		Counters: risk.Counters{
			DailyTradeCount:   r.daily.TradeCount,
			DailyRealizedLoss: r.daily.RealizedLoss,
			ConsecutiveLosses: r.daily.ConsecutiveLosses,
			PeakBalance:       r.session.PeakBalance,
		},
		OpenSymbols: r.active.Symbols(),
	}
	d := r.deps.Risk.CanExecuteTrade(snap, risk.Candidate{Symbol: sig.Symbol}, balance)
	if !d.Allowed {
		r.reject(sig, d)
		return order.Intent{}, false
	}

	entry := sig.Price
	if q, ok := r.quote(sig.Symbol); ok {
		entry = q
	}
	raw := r.adapter.ComputeStakeFromRisk(balance, r.cfg.Policy.RiskPerTrade, entry, sig.StopLoss)
	stake, ok := risk.ClampStake(raw, r.cfg.Policy)
	if !ok {
		d.Allowed = false
		d.Reason = risk.ReasonStakeBelowMinimum
		d.Message = fmt.Sprintf("stake %.2f below minimum %.2f", raw, risk.MinStake)
		r.reject(sig, d)
		return order.Intent{}, false
	}

	in := order.Intent{
		ID:         uuid.NewString(),
		UserID:     r.userID,
		SessionID:  r.session.ID,
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Direction:  sig.Action,
		Class:      r.cfg.Class,
		Stake:      stake,
		EntryPrice: entry,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Duration:   r.cfg.Duration,
		Stage:      order.StageBegin,
		CreatedAt:  r.now(),
	}
	if err := r.active.Reserve(in.Symbol, in.ID); err != nil {
		return order.Intent{}, false
	}
	if err := r.journal.Begin(in); err != nil {
		r.active.Cancel(in.Symbol, in.ID)
		r.inst.emitError(fmt.Sprintf("journal intent for %s: %v", sig.ID, err), false)
		return order.Intent{}, false
	}
	return in, true
}

func (r *runner) reject(sig signal.Signal, d risk.Decision) {
	if d.StopBot {
		log.Printf("🛑 bot[%s]: %s", r.userID, d.Message)
		r.inst.emit(events.RiskLimitReached, events.RiskLimitPayload{Reason: d.Reason, Message: d.Message, StopBot: true, Metrics: d.Metrics})
		r.requestStop(d.Message)
		return
	}
	if r.rejected[sig.ID] == d.Reason {
		return
	}
	r.rejected[sig.ID] = d.Reason
	log.Printf("⛔ bot[%s]: signal %s on %s refused: %s", r.userID, sig.ID, sig.Symbol, d.Message)
	r.inst.emit(events.RiskLimitReached, events.RiskLimitPayload{Reason: d.Reason, Message: d.Message, Metrics: d.Metrics})
}

// requestStop stops the session from outside the loop, once.
func (r *runner) requestStop(reason string) {
	if !r.halting.CompareAndSwap(false, true) {
		return
	}
	go r.inst.stop(context.Background(), reason)
}

func (r *runner) requestFail(cause error) {
	if !r.halting.CompareAndSwap(false, true) {
		return
	}
	go r.inst.fail(r, cause)
}

func (r *runner) placementFailed(in order.Intent, err error) {
	r.active.Cancel(in.Symbol, in.ID)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Printf("⚠️ bot[%s]: placement of %s interrupted, left for reconciliation: %v", r.userID, in.ID, err)
		return
	}
	if jerr := r.journal.Abort(in.ID, err.Error()); jerr != nil {
		log.Printf("⚠️ bot[%s]: abort intent %s: %v", r.userID, in.ID, jerr)
	}
	r.attempts[in.SignalID]++

	fatal := broker.IsFatal(err)
	log.Printf("❌ bot[%s]: place %s %s failed: %v", r.userID, in.Direction, in.Symbol, err)
	r.inst.emitError(fmt.Sprintf("place %s %s: %v", in.Direction, in.Symbol, err), fatal)
	if fatal {
		r.requestFail(err)
	}
}

func (r *runner) commit(in order.Intent, p broker.Placement) {
	if err := r.journal.Placed(in.ID, p); err != nil {
		log.Printf("⚠️ bot[%s]: journal placement %s: %v", r.userID, in.ID, err)
	}
	in.Apply(p)
	entryAt := p.OpenedAt
	if entryAt.IsZero() {
		entryAt = r.now()
	}
	t := ledger.Trade{
		ID:           in.ID,
		UserID:       r.userID,
		SessionID:    r.session.ID,
		SignalID:     in.SignalID,
		Symbol:       in.Symbol,
		Direction:    in.Direction,
		Class:        in.Class,
		EntryPrice:   in.EntryPrice,
		Stake:        in.Stake,
		Quantity:     in.Quantity,
		StopLoss:     in.StopLoss,
		TakeProfit:   in.TakeProfit,
		Status:       ledger.StatusOpen,
		Broker:       r.adapter.Kind(),
		BrokerHandle: p.Handle,
		EntryAt:      entryAt,
	}
	if err := r.active.Commit(t); err != nil {
		_ = r.active.Adopt(t)
	}
	if r.inst.fsm.Current() == lifecycle.Running {
		r.inst.fsm.Transition(lifecycle.InTrade, "trade "+t.ID+" opened")
	}

	r.persist("", "record trade "+t.ID, func(ctx context.Context) error {
		if err := r.deps.Ledger.RecordTrade(ctx, t); err != nil && !errors.Is(err, ledger.ErrExists) {
			return err
		}
		return r.journal.Commit(t.ID)
	})
	r.consumed[in.SignalID] = true
	if in.SignalID != "" {
		sigID := in.SignalID
		r.persist("", "mark signal "+sigID, func(ctx context.Context) error {
			if err := r.deps.Signals.MarkExecuted(ctx, sigID); err != nil && !errors.Is(err, signal.ErrNotActive) {
				return err
			}
			return nil
		})
	}

	r.session.TradeCount++
	r.daily.TradeCount++
	r.saveCounters()

	log.Printf("✅ bot[%s]: trade %s opened: %s %s stake %.2f @ %.5f (handle %s)",
		r.userID, t.ID, t.Direction, t.Symbol, t.Stake, t.EntryPrice, t.BrokerHandle)
	r.inst.emit(events.TradeExecuted, events.TradeExecutedPayload{
		TradeID:    t.ID,
		SignalID:   t.SignalID,
		Symbol:     t.Symbol,
		Direction:  string(t.Direction),
		Stake:      t.Stake,
		EntryPrice: t.EntryPrice,
		Handle:     t.BrokerHandle,
		Broker:     string(t.Broker),
	})

	if e, ok := r.early[p.Handle]; ok {
		delete(r.early, p.Handle)
		r.handleUpdate(e.update)
	}
	r.publish()
}

func (r *runner) handleUpdate(u broker.ContractUpdate) {
	t, ok := r.active.ByHandle(u.Handle)
	if !ok {
		if u.Status.Terminal() && r.active.InFlight(u.Symbol) {
			r.early[u.Handle] = earlyUpdate{update: u, at: r.now()}
		}
		return
	}
	if !u.Status.Terminal() {
		r.active.SetUnrealized(t.ID, u.UnrealizedPnL)
		r.deps.Ledger.MarkUnrealized(r.userID, t.ID, u.UnrealizedPnL)
		return
	}
	exitAt := u.Time
	if exitAt.IsZero() {
		exitAt = r.now()
	}
	r.settle(t.ID, ledger.Settlement{
		Status:      ledger.StatusFromContract(u.Status),
		ExitPrice:   u.ExitPrice,
		RealizedPnL: u.RealizedPnL,
		ExitAt:      exitAt,
	})
}

// settle closes a tracked trade exactly once. It reports false when the
// trade had already left the active set.
func (r *runner) settle(tradeID string, s ledger.Settlement) bool {
	t, ok := r.active.Close(tradeID)
	if !ok {
		return false
	}
	r.persist("", "settle trade "+tradeID, func(ctx context.Context) error {
		err := r.deps.Ledger.UpdateTrade(ctx, r.userID, tradeID, s)
		if errors.Is(err, ledger.ErrNotOpen) {
			return nil
		}
		return err
	})
	r.account(t, s)
	r.saveCounters()

	if r.active.Len() == 0 && r.inst.fsm.Current() == lifecycle.InTrade {
		r.inst.fsm.Transition(lifecycle.Running, "all trades closed")
	}
	closed := s.Apply(t)
	log.Printf("🏁 bot[%s]: trade %s %s closed %s, pnl %.2f", r.userID, t.ID, t.Symbol, s.Status, s.RealizedPnL)
	r.emitClosed(closed)
	r.publish()
	return true
}

// account applies a settlement to the session and daily counters. A zero
// result counts as neither a win nor a loss. A settlement dated after the
// current trading day opens that day first, so a loss just past midnight
// lands in the new day's totals.
func (r *runner) account(t ledger.Trade, s ledger.Settlement) {
	pnl := s.RealizedPnL
	r.rollover()
	r.rolloverTo(ledger.TradingDay(s.ExitAt))
	if t.SessionID == r.session.ID {
		r.session.RealizedPnL += pnl
		switch {
		case pnl < 0:
			r.session.Losses++
			r.session.ConsecutiveLosses++
		case pnl > 0:
			r.session.Wins++
			r.session.ConsecutiveLosses = 0
		}
	}
	if ledger.TradingDay(s.ExitAt) != r.daily.TradingDay {
		return
	}
	r.daily.PnL += pnl
	switch {
	case pnl < 0:
		r.daily.RealizedLoss += -pnl
		r.daily.ConsecutiveLosses++
	case pnl > 0:
		r.daily.ConsecutiveLosses = 0
	}
}

func (r *runner) emitClosed(t ledger.Trade) {
	var exit float64
	if t.ExitPrice != nil {
		exit = *t.ExitPrice
	}
	r.inst.emit(events.TradeClosed, events.TradeClosedPayload{
		TradeID:   t.ID,
		Symbol:    t.Symbol,
		Status:    string(t.Status),
		ExitPrice: exit,
		PnL:       t.RealizedPnL,
	})
}

// closePosition closes t at the broker and settles it with status.
func (r *runner) closePosition(ctx context.Context, t ledger.Trade, status ledger.Status) error {
	timer := r.deps.Metrics.StartTimer("close_trade")
	u, err := r.adapter.CloseTrade(ctx, t.BrokerHandle)
	timer.Stop()
	if err != nil {
		return fmt.Errorf("close %s: %w", t.ID, err)
	}
	exitAt := u.Time
	if exitAt.IsZero() {
		exitAt = r.now()
	}
	settled := false
	ran := r.do(func() {
		settled = r.settle(t.ID, ledger.Settlement{
			Status:      status,
			ExitPrice:   u.ExitPrice,
			RealizedPnL: u.RealizedPnL,
			ExitAt:      exitAt,
		})
	})
	if !ran {
		return order.ErrQueueClosed
	}
	if !settled {
		return ErrAlreadySettled
	}
	return nil
}

func (r *runner) onDisconnect(err error) {
	r.disconnected = true
	if r.deps.Pool != nil {
		r.deps.Pool.RecordFailure(r.userID, err)
	}
	reason := fmt.Sprintf("broker disconnected: %v", err)
	switch r.inst.fsm.Current() {
	case lifecycle.InTrade:
		r.inst.fsm.Transition(lifecycle.Running, reason)
		fallthrough
	case lifecycle.Running:
		if r.inst.fsm.Transition(lifecycle.Paused, reason) {
			r.autoPaused = true
		}
	}
	log.Printf("🔌 bot[%s]: %s", r.userID, reason)
	r.inst.emitTransient(reason)
	r.publish()
}

func (r *runner) onReconnect() {
	r.disconnected = false
	if r.deps.Pool != nil {
		r.deps.Pool.RecordSuccess(r.userID)
	}
	log.Printf("🔌 bot[%s]: broker reconnected, reconciling", r.userID)

	report, err := r.recon.Reconcile(r.ctx, r.scope(r.active.Trades()))
	if err != nil {
		if r.ctx.Err() == nil {
			r.inst.emitError(fmt.Sprintf("reconcile after reconnect: %v", err), false)
		}
	} else {
		r.applyReport(report)
	}

	if r.autoPaused && !r.manualPause && r.inst.fsm.Current() == lifecycle.Paused {
		if r.inst.fsm.Transition(lifecycle.Running, "broker reconnected") && r.active.Len() > 0 {
			r.inst.fsm.Transition(lifecycle.InTrade, "open trades")
		}
	}
	r.autoPaused = false
	r.publish()
}

// persist writes to the ledger now, or queues the write behind earlier
// failures so writes land in order.
func (r *runner) persist(key, what string, fn func(context.Context) error) {
	if len(r.pending) == 0 {
		ctx, cancel := ledgerCtx()
		err := fn(ctx)
		cancel()
		if err == nil {
			return
		}
		log.Printf("⚠️ bot[%s]: %s failed, will retry: %v", r.userID, what, err)
	}
	if key != "" {
		for i := range r.pending {
			if r.pending[i].key == key {
				r.pending[i].fn = fn
				return
			}
		}
	}
	r.pending = append(r.pending, pendingWrite{key: key, what: what, fn: fn})
}

func (r *runner) retryPending() {
	for len(r.pending) > 0 {
		w := r.pending[0]
		if r.deps.Metrics != nil {
			r.deps.Metrics.LedgerRetries.Inc()
		}
		ctx, cancel := ledgerCtx()
		err := w.fn(ctx)
		cancel()
		if err != nil {
			log.Printf("⚠️ bot[%s]: %d ledger writes pending, %s: %v", r.userID, len(r.pending), w.what, err)
			return
		}
		r.pending = r.pending[1:]
	}
}

func (r *runner) persistSession() {
	s := r.session
	r.persist("session", "update session", func(ctx context.Context) error {
		return r.deps.Ledger.UpdateSession(ctx, s)
	})
}

func (r *runner) persistDaily() {
	d := r.daily
	r.persist("daily", "save daily counters", func(ctx context.Context) error {
		return r.deps.Settings.SaveDaily(ctx, d)
	})
}

func (r *runner) saveCounters() {
	r.persistSession()
	r.persistDaily()
}

func (r *runner) publish() {
	r.published.Store(&view{
		session:   r.session,
		daily:     r.daily,
		balance:   r.balance,
		pending:   len(r.pending),
		connected: !r.disconnected,
	})
}

func (r *runner) status() Status {
	st := Status{OpenTrades: r.active.Trades()}
	if r.adapter != nil {
		st.Broker = r.adapter.Kind()
	}
	if v := r.published.Load(); v != nil {
		session := v.session
		st.Session = &session
		st.Daily = v.daily
		st.Balance = v.balance
		st.PendingWrites = v.pending
		st.Connected = v.connected
	}
	st.Quotes = r.quotes.Snapshot()
	return st
}

// shutdown ends the session once: the loop stops, positions are closed when
// configured and the session is finalized in the ledger.
func (r *runner) shutdown(ctx context.Context, closeOpen bool) {
	r.stopOnce.Do(func() {
		r.halting.Store(true)
		r.cancel()
		r.loopWG.Wait()

		if closeOpen && r.cfg.CloseOnStop {
			for _, t := range r.active.Trades() {
				if err := r.closePosition(ctx, t, ledger.StatusForceStop); err != nil && !errors.Is(err, ErrAlreadySettled) {
					log.Printf("⚠️ bot[%s]: force close %s: %v", r.userID, t.ID, err)
				}
			}
		}

		end := -1.0
		if info, err := r.accountInfo(ctx); err == nil {
			end = info.Balance
		}
		r.do(func() { r.finalize(end) })
		r.release()
	})
}

func (r *runner) finalize(end float64) {
	if end < 0 {
		end = r.balance
	}
	now := r.now()
	r.balance = end
	r.session.EndBalance = end
	r.session.Status = ledger.SessionClosed
	r.session.StoppedAt = &now
	r.saveCounters()
	r.retryPending()
	if n := len(r.pending); n > 0 {
		log.Printf("❌ bot[%s]: %d ledger writes could not be saved before stop", r.userID, n)
	}
	r.publish()
}

// release frees what the session holds. Safe to call more than once.
func (r *runner) release() {
	r.releaseOnce.Do(func() {
		r.halting.Store(true)
		r.cancel()
		r.loopWG.Wait()

		r.subsMu.Lock()
		for _, unsub := range r.subs {
			unsub()
		}
		r.subs = nil
		r.subsMu.Unlock()

		r.serial.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.adapter.Disconnect(ctx); err != nil {
			log.Printf("⚠️ bot[%s]: disconnect: %v", r.userID, err)
		}
		if r.ownJournal {
			if err := r.journal.Close(); err != nil {
				log.Printf("⚠️ bot[%s]: close journal: %v", r.userID, err)
			}
		}
		if r.deps.Pool != nil {
			r.deps.Pool.Release(r.userID, r.adapter)
		}
	})
}
