package lifecycle

import (
	"fmt"
	"testing"
	"time"
)

var allStates = []State{Idle, Starting, Running, InTrade, Paused, Stopping, Error}

// drive walks the machine from IDLE into target through valid edges.
func drive(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:     nil,
		Starting: {Starting},
		Running:  {Starting, Running},
		InTrade:  {Starting, Running, InTrade},
		Paused:   {Starting, Running, Paused},
		Stopping: {Starting, Running, Stopping},
		Error:    {Starting, Error},
	}
	for _, s := range paths[target] {
		if !m.Transition(s, "setup") {
			t.Fatalf("setup transition to %s failed", s)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				m := New("test", DefaultConfig())
				drive(t, m, from)
				before := len(m.History())

				ok := m.Transition(to, "test")
				if ok != CanTransition(from, to) {
					t.Fatalf("expected %v, got %v", CanTransition(from, to), ok)
				}
				if !ok {
					if m.Current() != from {
						t.Fatalf("rejected transition changed state to %s", m.Current())
					}
					if len(m.History()) != before {
						t.Fatalf("rejected transition was recorded")
					}
					return
				}
				if m.Current() != to || m.Previous() != from {
					t.Fatalf("expected %s (prev %s), got %s (prev %s)", to, from, m.Current(), m.Previous())
				}
			})
		}
	}
}

func TestGuardBlocksEdge(t *testing.T) {
	m := New("test", DefaultConfig())
	allow := false
	m.AddGuard(Idle, Starting, func(from, to State) bool { return allow })

	if m.Transition(Starting, "blocked") {
		t.Fatal("guard should have refused the transition")
	}
	if m.Current() != Idle {
		t.Fatalf("expected IDLE, got %s", m.Current())
	}
	allow = true
	if !m.Transition(Starting, "allowed") {
		t.Fatal("guard should allow the transition")
	}
}

func TestGuardMayQueryMachine(t *testing.T) {
	m := New("test", DefaultConfig())
	m.AddGuard(Idle, Starting, func(from, to State) bool {
		return m.Current() == Idle && !m.IsOperational()
	})

	done := make(chan bool, 1)
	go func() { done <- m.Transition(Starting, "guarded") }()
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("guard should allow the transition")
		}
	case <-time.After(time.Second):
		t.Fatal("guard calling back into the machine deadlocked")
	}
	if m.Current() != Starting {
		t.Fatalf("expected STARTING, got %s", m.Current())
	}
}

func TestGuardLosesRaceToOtherTransition(t *testing.T) {
	m := New("test", DefaultConfig())
	drive(t, m, Running)
	m.AddGuard(Running, InTrade, func(from, to State) bool {
		// A stop lands while the guard is deciding.
		m.Transition(Stopping, "stop")
		return true
	})
	if m.Transition(InTrade, "open") {
		t.Fatal("transition must be dropped once the state moved on")
	}
	if m.Current() != Stopping {
		t.Fatalf("expected STOPPING, got %s", m.Current())
	}
}

func TestHistoryBounded(t *testing.T) {
	m := New("test", DefaultConfig())
	drive(t, m, Running)
	for i := 0; i < 60; i++ {
		m.Transition(InTrade, "open")
		m.Transition(Running, "close")
	}
	h := m.History()
	if len(h) != 50 {
		t.Fatalf("expected 50 history entries, got %d", len(h))
	}
	if last := h[len(h)-1]; last.From != InTrade || last.To != Running {
		t.Fatalf("unexpected newest entry %+v", last)
	}
}

func TestForceTransitionTargets(t *testing.T) {
	tests := []struct {
		to   State
		want bool
	}{
		{Stopping, true},
		{Error, true},
		{Idle, true},
		{Running, false},
		{InTrade, false},
		{Starting, false},
		{Paused, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.to), func(t *testing.T) {
			m := New("test", DefaultConfig())
			drive(t, m, InTrade)
			if got := m.ForceTransition(tt.to, "force"); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			if tt.want && m.Current() != tt.to {
				t.Fatalf("expected %s, got %s", tt.to, m.Current())
			}
			if !tt.want && m.Current() != InTrade {
				t.Fatalf("refused force changed state to %s", m.Current())
			}
		})
	}
}

func TestRecover(t *testing.T) {
	t.Run("stuck after rejected attempts", func(t *testing.T) {
		m := New("test", Config{MaxStuckAttempts: 3})
		drive(t, m, Starting)
		for i := 0; i < 3; i++ {
			m.Transition(InTrade, "bad")
		}
		if !m.Recover() {
			t.Fatal("expected recovery")
		}
		if m.Current() != Idle {
			t.Fatalf("expected IDLE, got %s", m.Current())
		}
	})

	t.Run("stuck by dwell time", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		m := New("test", Config{StuckTimeout: time.Minute})
		m.SetClock(func() time.Time { return now })
		drive(t, m, Stopping)
		if m.Recover() {
			t.Fatal("fresh STOPPING must not be recovered")
		}
		now = now.Add(2 * time.Minute)
		if !m.Recover() || m.Current() != Idle {
			t.Fatalf("expected recovery to IDLE, got %s", m.Current())
		}
	})

	t.Run("error threshold", func(t *testing.T) {
		m := New("test", Config{MaxErrors: 2})
		drive(t, m, Error)
		m.RecordError()
		if m.Recover() {
			t.Fatal("one error is below threshold")
		}
		m.RecordError()
		if !m.Recover() || m.Current() != Idle {
			t.Fatalf("expected recovery to IDLE, got %s", m.Current())
		}
	})

	t.Run("errors never halt a working machine", func(t *testing.T) {
		for _, s := range []State{Running, InTrade, Paused} {
			m := New("test", Config{MaxErrors: 2})
			drive(t, m, s)
			for i := 0; i < 5; i++ {
				m.RecordError()
			}
			if m.Recover() {
				t.Fatalf("%s: recovered a working machine", s)
			}
			if m.Current() != s {
				t.Fatalf("expected %s, got %s", s, m.Current())
			}
		}
	})

	t.Run("reaching RUNNING clears errors", func(t *testing.T) {
		m := New("test", Config{MaxErrors: 2})
		drive(t, m, Paused)
		m.RecordError()
		m.RecordError()
		if !m.Transition(Running, "resumed") {
			t.Fatal("resume failed")
		}
		if n := m.ErrorCount(); n != 0 {
			t.Fatalf("expected error count reset, got %d", n)
		}
		if !m.Transition(Stopping, "stop") {
			t.Fatal("stop failed")
		}
		m.RecordError()
		if m.Recover() {
			t.Fatal("earlier errors must not count after RUNNING")
		}
	})

	t.Run("healthy machine untouched", func(t *testing.T) {
		m := New("test", DefaultConfig())
		drive(t, m, Running)
		if m.Recover() || m.Current() != Running {
			t.Fatal("healthy machine must not be recovered")
		}
	})
}

func TestQueries(t *testing.T) {
	tests := []struct {
		state       State
		operational bool
		canTrade    bool
		stopped     bool
	}{
		{Idle, false, false, true},
		{Starting, false, false, false},
		{Running, true, true, false},
		{InTrade, true, false, false},
		{Paused, false, false, false},
		{Stopping, false, false, false},
		{Error, false, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			m := New("test", DefaultConfig())
			drive(t, m, tt.state)
			if m.IsOperational() != tt.operational || m.CanExecuteTrades() != tt.canTrade || m.IsStopped() != tt.stopped {
				t.Fatalf("operational=%v canTrade=%v stopped=%v", m.IsOperational(), m.CanExecuteTrades(), m.IsStopped())
			}
		})
	}
}

func TestSubscribersNotified(t *testing.T) {
	m := New("test", DefaultConfig())
	var got []Transition
	unsub := m.Subscribe(func(tr Transition) { got = append(got, tr) })

	m.Transition(Starting, "start")
	m.Transition(InTrade, "invalid")
	m.ForceTransition(Error, "boom")
	unsub()
	m.Transition(Idle, "reset")

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[1].To != Error || !got[1].Forced || got[1].Reason != "boom" {
		t.Fatalf("unexpected notification %+v", got[1])
	}
}
