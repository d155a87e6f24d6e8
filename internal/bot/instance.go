package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/events"
	"github.com/Theogama/signalist-sub003/internal/ledger"
	"github.com/Theogama/signalist-sub003/internal/lifecycle"
	"github.com/Theogama/signalist-sub003/internal/order"
)

// Status is a point-in-time view of one bot.
type Status struct {
	UserID        string                 `json:"user_id"`
	State         lifecycle.State        `json:"state"`
	Previous      lifecycle.State        `json:"previous,omitempty"`
	Broker        broker.Kind            `json:"broker,omitempty"`
	Connected     bool                   `json:"connected"`
	Session       *ledger.Session        `json:"session,omitempty"`
	Daily         ledger.Daily           `json:"daily"`
	Balance       float64                `json:"balance"`
	OpenTrades    []ledger.Trade         `json:"open_trades"`
	Quotes        map[string]float64     `json:"quotes,omitempty"`
	PendingWrites int                    `json:"pending_writes"`
	History       []lifecycle.Transition `json:"history,omitempty"`
}

// Instance is the long-lived bot of one user. Sessions come and go; the
// state machine and event bus stay.
type Instance struct {
	userID string
	deps   *Deps
	fsm    *lifecycle.Machine
	bus    *events.Bus
	sink   events.Sink

	// life serializes start and stop.
	life sync.Mutex

	mu      sync.Mutex
	run     *runner
	last    Status
	journal order.Journal // in-memory journal reused across sessions
}

func newInstance(userID string, deps *Deps) *Instance {
	b := &Instance{
		userID: userID,
		deps:   deps,
		fsm:    lifecycle.New("bot["+userID+"]", deps.Lifecycle),
		bus:    events.NewBus(),
	}
	b.fsm.SetClock(deps.Now)
	sinks := events.Tee{b.bus}
	if deps.Metrics != nil {
		sinks = append(sinks, deps.Metrics)
	}
	b.sink = sinks
	b.fsm.Subscribe(b.onTransition)
	return b
}

func stopped(s lifecycle.State) bool {
	return s == lifecycle.Idle || s == lifecycle.Error
}

func (b *Instance) onTransition(tr lifecycle.Transition) {
	log.Printf("🔄 bot[%s]: %s -> %s (%s)", b.userID, tr.From, tr.To, tr.Reason)
	b.emit(events.StateChanged, events.StateChangedPayload{
		From:   string(tr.From),
		To:     string(tr.To),
		Reason: tr.Reason,
		Forced: tr.Forced,
	})
	if b.deps.Metrics == nil {
		return
	}
	switch {
	case stopped(tr.From) && !stopped(tr.To):
		b.deps.Metrics.ActiveBots.Inc()
	case !stopped(tr.From) && stopped(tr.To):
		b.deps.Metrics.ActiveBots.Dec()
	}
}

func (b *Instance) emit(t events.Type, payload any) {
	b.sink.Emit(events.Event{Type: t, UserID: b.userID, Timestamp: b.deps.Now(), Payload: payload})
}

func (b *Instance) emitError(msg string, fatal bool) {
	b.fsm.RecordError()
	b.emit(events.Error, events.ErrorPayload{Message: msg, Fatal: fatal})
}

// emitTransient reports a condition the bot recovers from on its own, such
// as a dropped broker connection. It does not count towards Recover.
func (b *Instance) emitTransient(msg string) {
	b.emit(events.Error, events.ErrorPayload{Message: msg})
}

func (b *Instance) current() *runner {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.run
}

func (b *Instance) retire(r *runner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run == r {
		b.last = r.status()
		b.run = nil
	}
}

func (b *Instance) start(ctx context.Context, cfg Config) Result {
	if !b.life.TryLock() {
		return failed(ErrBusy)
	}
	defer b.life.Unlock()

	if !b.fsm.IsStopped() {
		return failed(fmt.Errorf("bot already active (state %s)", b.fsm.Current()))
	}
	cfg.UserID = b.userID
	cfg.applyDefaults()
	if !b.fsm.Transition(lifecycle.Starting, "start requested") {
		return failed(fmt.Errorf("cannot start from %s", b.fsm.Current()))
	}

	r, err := b.open(ctx, cfg)
	if err != nil {
		log.Printf("❌ bot[%s]: start failed: %v", b.userID, err)
		b.fsm.Transition(lifecycle.Error, err.Error())
		b.emitError(fmt.Sprintf("start: %v", err), true)
		return failed(err)
	}

	b.mu.Lock()
	b.run = r
	b.mu.Unlock()

	if !r.begin() {
		err := fmt.Errorf("state changed to %s during start", b.fsm.Current())
		r.shutdown(context.Background(), false)
		b.retire(r)
		return failed(err)
	}
	log.Printf("🚀 bot[%s]: session %s started on %s broker, balance %.2f",
		b.userID, r.session.ID, r.adapter.Kind(), r.session.StartBalance)
	return succeeded(r.session.ID)
}

// open builds a runner and brings its session up to date with the broker
// and the ledger.
func (b *Instance) open(ctx context.Context, cfg Config) (*runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	r := newRunner(b, cfg)

	adapter, err := b.deps.Factory(cfg.Broker, r)
	if err != nil {
		return nil, fmt.Errorf("create broker adapter: %w", err)
	}
	r.adapter = adapter

	if b.deps.JournalDir != "" {
		j, err := order.OpenFileJournal(b.deps.JournalDir, b.userID)
		if err != nil {
			return nil, fmt.Errorf("open intent journal: %w", err)
		}
		r.journal = j
		r.ownJournal = true
	} else {
		b.mu.Lock()
		if b.journal == nil {
			b.journal = order.NewMemoryJournal()
		}
		r.journal = b.journal
		b.mu.Unlock()
	}

	if err := r.setup(ctx); err != nil {
		r.release()
		return nil, err
	}
	return r, nil
}

func (b *Instance) stop(ctx context.Context, reason string) Result {
	b.life.Lock()
	defer b.life.Unlock()

	r := b.current()
	if r == nil || b.fsm.IsStopped() {
		return Result{Success: true, Reason: "already stopped"}
	}
	if reason == "" {
		reason = "stop requested"
	}
	b.fsm.ForceTransition(lifecycle.Stopping, reason)
	r.shutdown(ctx, true)
	b.fsm.Transition(lifecycle.Idle, "stopped: "+reason)
	b.retire(r)
	log.Printf("🛑 bot[%s]: session %s stopped (%s)", b.userID, r.session.ID, reason)
	return succeeded(r.session.ID)
}

// fail tears the session down after a fatal error and leaves the bot in
// ERROR.
func (b *Instance) fail(r *runner, cause error) {
	b.life.Lock()
	defer b.life.Unlock()

	if b.current() != r {
		return
	}
	log.Printf("❌ bot[%s]: fatal error, stopping session %s: %v", b.userID, r.session.ID, cause)
	r.shutdown(context.Background(), false)
	b.fsm.ForceTransition(lifecycle.Error, cause.Error())
	b.retire(r)
}

// abandon releases the session of a recovered instance without touching
// the state machine.
func (b *Instance) abandon() {
	b.mu.Lock()
	r := b.run
	b.run = nil
	if r != nil {
		b.last = r.status()
	}
	b.mu.Unlock()
	if r == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.shutdown(ctx, false)
		log.Printf("⚠️ bot[%s]: abandoned session %s released", b.userID, r.session.ID)
	}()
}

func (b *Instance) pause(ctx context.Context) Result {
	r := b.current()
	if r == nil {
		return failed(ErrNotRunning)
	}
	var res Result
	err := r.serial.Do(ctx, func() {
		switch b.fsm.Current() {
		case lifecycle.Paused:
			r.manualPause = true
			res = Result{Success: true, Reason: "already paused", SessionID: r.session.ID}
			return
		case lifecycle.InTrade:
			b.fsm.Transition(lifecycle.Running, "pause requested")
		}
		if !b.fsm.Transition(lifecycle.Paused, "pause requested") {
			res = failed(fmt.Errorf("cannot pause from %s", b.fsm.Current()))
			return
		}
		r.manualPause = true
		res = succeeded(r.session.ID)
	})
	if err != nil {
		return failed(err)
	}
	return res
}

func (b *Instance) resume(ctx context.Context) Result {
	r := b.current()
	if r == nil {
		return failed(ErrNotRunning)
	}
	var res Result
	err := r.serial.Do(ctx, func() {
		if b.fsm.Current() != lifecycle.Paused {
			res = failed(fmt.Errorf("cannot resume from %s", b.fsm.Current()))
			return
		}
		if r.disconnected {
			res = failed(fmt.Errorf("broker disconnected: %w", broker.ErrNotConnected))
			return
		}
		if !b.fsm.Transition(lifecycle.Running, "resume requested") {
			res = failed(fmt.Errorf("cannot resume from %s", b.fsm.Current()))
			return
		}
		if r.active.Len() > 0 {
			b.fsm.Transition(lifecycle.InTrade, "open trades")
		}
		r.manualPause = false
		r.autoPaused = false
		res = succeeded(r.session.ID)
	})
	if err != nil {
		return failed(err)
	}
	return res
}

func (b *Instance) closeTrade(ctx context.Context, tradeID string) Result {
	r := b.current()
	if r == nil {
		return failed(ErrNotRunning)
	}
	t, ok := r.active.Get(tradeID)
	if !ok {
		return failed(fmt.Errorf("%s: %w", tradeID, ErrTradeNotFound))
	}
	if err := r.closePosition(ctx, t, ledger.StatusManualClose); err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			return failed(fmt.Errorf("%s: %w", tradeID, err))
		}
		b.emitError(fmt.Sprintf("close trade %s: %v", tradeID, err), broker.IsFatal(err))
		return failed(err)
	}
	return succeeded(r.session.ID)
}

func (b *Instance) status() Status {
	b.mu.Lock()
	r := b.run
	st := b.last
	b.mu.Unlock()
	if r != nil {
		st = r.status()
	}
	st.UserID = b.userID
	st.State = b.fsm.Current()
	st.Previous = b.fsm.Previous()
	st.History = b.fsm.History()
	if r == nil {
		st.Connected = false
		st.OpenTrades = nil
	}
	return st
}
