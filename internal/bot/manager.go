// Package bot runs one autonomous trading bot per user: it pulls signals,
// admits them through the risk manager, places trades through a broker
// adapter and tracks them to settlement.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Theogama/signalist-sub003/internal/events"
	"github.com/Theogama/signalist-sub003/internal/gateway"
	"github.com/Theogama/signalist-sub003/internal/ledger"
	"github.com/Theogama/signalist-sub003/internal/lifecycle"
	"github.com/Theogama/signalist-sub003/internal/monitor"
	"github.com/Theogama/signalist-sub003/internal/risk"
	"github.com/Theogama/signalist-sub003/internal/signal"
)

var (
	ErrBotNotFound    = errors.New("bot not found")
	ErrNotRunning     = errors.New("bot is not running")
	ErrTradeNotFound  = errors.New("trade is not open")
	ErrAlreadySettled = errors.New("trade already settled")
	ErrBusy           = errors.New("bot start or stop in progress")
)

// Result is returned by every mutating call.
type Result struct {
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func succeeded(sessionID string) Result { return Result{Success: true, SessionID: sessionID} }
func failed(err error) Result           { return Result{Success: false, Reason: err.Error()} }

// Deps are the collaborators shared by every bot.
type Deps struct {
	Ledger   ledger.Ledger
	Settings ledger.SettingsStore
	Signals  signal.Source
	Risk     *risk.Manager
	Factory  gateway.Factory
	Pool     *gateway.Pool    // optional
	Metrics  *monitor.Metrics // optional
	Monitor  *monitor.Monitor // optional

	Lifecycle lifecycle.Config

	// JournalDir holds the per-user intent journals. Empty keeps intents in
	// memory only.
	JournalDir string

	Now func() time.Time
}

// Manager is the registry of bot instances, keyed by user id.
type Manager struct {
	deps Deps

	mu   sync.Mutex
	bots map[string]*Instance
}

// NewManager creates an empty registry.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Ledger == nil || deps.Settings == nil || deps.Signals == nil {
		return nil, errors.New("bot manager requires a ledger, a settings store and a signal source")
	}
	if deps.Risk == nil {
		deps.Risk = risk.NewManager()
	}
	if deps.Factory == nil {
		deps.Factory = gateway.New
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{deps: deps, bots: make(map[string]*Instance)}, nil
}

// instance returns the user's instance, creating it when create is set.
func (m *Manager) instance(userID string, create bool) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, found := m.bots[userID]
	if !found && create {
		inst = newInstance(userID, &m.deps)
		m.bots[userID] = inst
		if m.deps.Monitor != nil {
			m.deps.Monitor.Watch(inst.bus)
		}
		found = true
	}
	return inst, found
}

// Start launches a bot session for cfg.UserID. A bot that is not stopped is
// rejected unless its state machine reports it stuck and recovers.
func (m *Manager) Start(ctx context.Context, cfg Config) Result {
	if cfg.UserID == "" {
		return failed(errors.New("user id is required"))
	}
	inst, _ := m.instance(cfg.UserID, true)
	if !inst.fsm.IsStopped() {
		if !inst.fsm.Recover() {
			return failed(fmt.Errorf("bot already active (state %s)", inst.fsm.Current()))
		}
		log.Printf("⚠️ bot[%s]: recovered stuck instance before start", cfg.UserID)
		inst.abandon()
	}
	return inst.start(ctx, cfg)
}

// Stop stops the user's bot. Stopping an idle or unknown bot succeeds.
func (m *Manager) Stop(ctx context.Context, userID, reason string) Result {
	inst, found := m.instance(userID, false)
	if !found {
		return Result{Success: true, Reason: "not running"}
	}
	return inst.stop(ctx, reason)
}

// Pause holds the bot without closing positions.
func (m *Manager) Pause(ctx context.Context, userID string) Result {
	inst, found := m.instance(userID, false)
	if !found {
		return failed(ErrBotNotFound)
	}
	return inst.pause(ctx)
}

// Resume continues a paused bot.
func (m *Manager) Resume(ctx context.Context, userID string) Result {
	inst, found := m.instance(userID, false)
	if !found {
		return failed(ErrBotNotFound)
	}
	return inst.resume(ctx)
}

// CloseTrade closes one open trade as MANUAL_CLOSE.
func (m *Manager) CloseTrade(ctx context.Context, userID, tradeID string) Result {
	inst, found := m.instance(userID, false)
	if !found {
		return failed(ErrBotNotFound)
	}
	return inst.closeTrade(ctx, tradeID)
}

// Status returns the user's bot status.
func (m *Manager) Status(userID string) (Status, error) {
	inst, found := m.instance(userID, false)
	if !found {
		return Status{}, ErrBotNotFound
	}
	return inst.status(), nil
}

// List returns the status of every known bot, ordered by user id.
func (m *Manager) List() []Status {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.bots))
	for _, inst := range m.bots {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Events subscribes to the user's bot events. The bot is registered on
// first use so subscribers can attach before Start.
func (m *Manager) Events(userID string, buffer int, types ...events.Type) (<-chan events.Event, func()) {
	inst, _ := m.instance(userID, true)
	return inst.bus.Subscribe(buffer, types...)
}

// RecoverStuck forces stuck bots back to IDLE and releases what they hold.
// It returns the recovered user ids.
func (m *Manager) RecoverStuck() []string {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.bots))
	for _, inst := range m.bots {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	var recovered []string
	for _, inst := range insts {
		if inst.fsm.Recover() {
			inst.abandon()
			recovered = append(recovered, inst.userID)
		}
	}
	sort.Strings(recovered)
	return recovered
}

// Shutdown stops every bot and closes their event buses.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.bots))
	for _, inst := range m.bots {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			if res := inst.stop(ctx, "shutdown"); !res.Success {
				log.Printf("⚠️ bot[%s]: shutdown stop failed: %s", inst.userID, res.Reason)
			}
			inst.bus.Close()
		}(inst)
	}
	wg.Wait()
	log.Printf("bot manager: %d bots shut down", len(insts))
}
