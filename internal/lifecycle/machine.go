// Package lifecycle implements the per-bot state machine.
package lifecycle

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// State is a bot lifecycle state.
type State string

const (
	Idle     State = "IDLE"
	Starting State = "STARTING"
	Running  State = "RUNNING"
	InTrade  State = "IN_TRADE"
	Paused   State = "PAUSED"
	Stopping State = "STOPPING"
	Error    State = "ERROR"
)

// validTransitions is the full edge table; anything absent is rejected.
var validTransitions = map[State][]State{
	Idle:     {Starting},
	Starting: {Running, Error, Idle},
	Running:  {InTrade, Paused, Stopping, Error},
	InTrade:  {Running, Stopping, Error},
	Paused:   {Running, Stopping, Idle},
	Stopping: {Idle},
	Error:    {Idle, Starting},
}

// forceTargets are the only states ForceTransition may enter.
var forceTargets = map[State]bool{Stopping: true, Error: true, Idle: true}

// CanTransition reports whether from->to is in the edge table.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Forced bool      `json:"forced,omitempty"`
}

// recoverable lists the states Recover may act on when the error threshold
// is reached.
var recoverable = map[State]bool{Starting: true, Stopping: true, Error: true}

// Guard vetoes an edge when it returns false. Guards run without the
// machine's lock held, so they may query the machine.
type Guard func(from, to State) bool

type edge struct{ from, to State }

// Config tunes history size and Recover thresholds.
type Config struct {
	HistorySize      int
	MaxStuckAttempts int
	StuckTimeout     time.Duration
	MaxErrors        int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		HistorySize:      50,
		MaxStuckAttempts: 5,
		StuckTimeout:     2 * time.Minute,
		MaxErrors:        5,
	}
}

// Machine is safe for concurrent use. Subscribers run synchronously after
// the state lock is released.
type Machine struct {
	mu        sync.Mutex
	name      string
	cfg       Config
	current   State
	previous  State
	enteredAt time.Time
	history   []Transition
	guards    map[edge][]Guard
	subs      map[int]func(Transition)
	nextSub   int

	rejectedInState int
	errorCount      int

	now func() time.Time
}

// New creates a machine in IDLE.
func New(name string, cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MaxStuckAttempts <= 0 {
		cfg.MaxStuckAttempts = def.MaxStuckAttempts
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = def.StuckTimeout
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = def.MaxErrors
	}
	m := &Machine{
		name:    name,
		cfg:     cfg,
		current: Idle,
		guards:  make(map[edge][]Guard),
		subs:    make(map[int]func(Transition)),
		now:     time.Now,
	}
	m.enteredAt = m.now()
	return m
}

// SetClock overrides the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.enteredAt = now()
	m.mu.Unlock()
}

// AddGuard registers a guard for the from->to edge.
func (m *Machine) AddGuard(from, to State, g Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := edge{from, to}
	m.guards[k] = append(m.guards[k], g)
}

// Subscribe registers fn for every successful transition.
func (m *Machine) Subscribe(fn func(Transition)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Transition moves to `to` when the edge is valid and every guard agrees.
func (m *Machine) Transition(to State, reason string) bool {
	m.mu.Lock()
	from := m.current
	if !CanTransition(from, to) {
		m.rejectedInState++
		m.mu.Unlock()
		log.Printf("lifecycle[%s]: rejected %s", m.name, fmt.Sprintf("transition from %s to %s is not allowed", from, to))
		return false
	}
	guards := m.guards[edge{from, to}]
	if len(guards) == 0 {
		tr, subs := m.applyLocked(to, reason, false)
		m.mu.Unlock()
		notify(subs, tr)
		return true
	}
	guards = append([]Guard(nil), guards...)
	m.mu.Unlock()

	for _, g := range guards {
		if !g(from, to) {
			m.mu.Lock()
			if m.current == from {
				m.rejectedInState++
			}
			m.mu.Unlock()
			log.Printf("lifecycle[%s]: guard refused %s -> %s", m.name, from, to)
			return false
		}
	}

	m.mu.Lock()
	if m.current != from {
		// Another transition won the race while the guards ran.
		now := m.current
		m.mu.Unlock()
		log.Printf("lifecycle[%s]: %s -> %s dropped, state is now %s", m.name, from, to, now)
		return false
	}
	tr, subs := m.applyLocked(to, reason, false)
	m.mu.Unlock()
	notify(subs, tr)
	return true
}

// ForceTransition skips the edge table. Only STOPPING, ERROR and IDLE are
// accepted targets.
func (m *Machine) ForceTransition(to State, reason string) bool {
	if !forceTargets[to] {
		log.Printf("lifecycle[%s]: force to %s refused", m.name, to)
		return false
	}
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return true
	}
	tr, subs := m.applyLocked(to, reason, true)
	m.mu.Unlock()
	notify(subs, tr)
	return true
}

// RecordError counts an error towards the Recover threshold. The count
// restarts whenever the machine reaches RUNNING.
func (m *Machine) RecordError() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount++
	return m.errorCount
}

// ErrorCount returns the errors recorded since the machine last reached
// RUNNING.
func (m *Machine) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// Recover forces IDLE when the machine is stuck in STARTING/STOPPING, or
// has accumulated too many errors while STARTING, STOPPING or ERROR. An
// operational or paused machine is never recovered. Returns true when it
// acted.
func (m *Machine) Recover() bool {
	m.mu.Lock()
	var issue string
	switch {
	case recoverable[m.current] && m.errorCount >= m.cfg.MaxErrors:
		issue = fmt.Sprintf("error count %d reached threshold %d", m.errorCount, m.cfg.MaxErrors)
	case (m.current == Starting || m.current == Stopping) && m.rejectedInState >= m.cfg.MaxStuckAttempts:
		issue = fmt.Sprintf("stuck in %s after %d rejected transitions", m.current, m.rejectedInState)
	case (m.current == Starting || m.current == Stopping) && m.now().Sub(m.enteredAt) >= m.cfg.StuckTimeout:
		issue = fmt.Sprintf("stuck in %s for %s", m.current, m.now().Sub(m.enteredAt).Round(time.Second))
	}
	if issue == "" {
		m.mu.Unlock()
		return false
	}
	log.Printf("⚠️ lifecycle[%s]: recovering: %s", m.name, issue)
	m.errorCount = 0
	if m.current == Idle {
		m.rejectedInState = 0
		m.mu.Unlock()
		return true
	}
	tr, subs := m.applyLocked(Idle, "recover: "+issue, true)
	m.mu.Unlock()
	notify(subs, tr)
	return true
}

func (m *Machine) applyLocked(to State, reason string, forced bool) (Transition, []func(Transition)) {
	tr := Transition{From: m.current, To: to, At: m.now(), Reason: reason, Forced: forced}
	m.previous = m.current
	m.current = to
	m.enteredAt = tr.At
	m.rejectedInState = 0
	if to == Running {
		m.errorCount = 0
	}
	m.history = append(m.history, tr)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append([]Transition(nil), m.history[over:]...)
	}
	subs := make([]func(Transition), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	return tr, subs
}

func notify(subs []func(Transition), tr Transition) {
	for _, fn := range subs {
		fn(tr)
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the state before the last transition.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// IsOperational is true while RUNNING or IN_TRADE.
func (m *Machine) IsOperational() bool {
	s := m.Current()
	return s == Running || s == InTrade
}

// CanExecuteTrades is true only while RUNNING.
func (m *Machine) CanExecuteTrades() bool {
	return m.Current() == Running
}

// IsStopped is true in IDLE or ERROR.
func (m *Machine) IsStopped() bool {
	s := m.Current()
	return s == Idle || s == Error
}
