// Package reconciliation aligns a bot's ledger and intent journal with what
// the broker reports after a restart or reconnect.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/ledger"
	"github.com/Theogama/signalist-sub003/internal/order"
)

// Inputs are the three views being reconciled.
type Inputs struct {
	Open    []broker.Position
	Closed  []broker.ClosedPosition
	Ledger  []ledger.Trade // OPEN in the ledger
	Pending []order.Intent
}

// Scope identifies whose state is reconciled.
type Scope struct {
	UserID    string
	SessionID string
	Broker    broker.Kind
	Since     time.Time // lower bound for the closed-trades query
}

// Closure is a trade that settled at the broker while the bot was not
// listening.
type Closure struct {
	Trade      ledger.Trade
	Settlement ledger.Settlement
	Record     bool // trade is not in the ledger yet
}

// Report contains reconciliation results.
type Report struct {
	Timestamp  time.Time
	Watch      []ledger.Trade // ledger OPEN and open at the broker
	Adopt      []ledger.Trade // open at the broker, missing from the ledger
	Settle     []Closure
	Commit     []string       // intents already in the ledger
	Drop       []order.Intent // intents the broker never saw
	Unresolved []order.Intent // placed intents the broker no longer reports
	Missing    []ledger.Trade // ledger OPEN, unknown to the broker
	Errors     []error
}

// HasDiffs reports whether anything disagreed.
func (r *Report) HasDiffs() bool {
	return len(r.Adopt)+len(r.Settle)+len(r.Commit)+len(r.Drop)+len(r.Unresolved)+len(r.Missing) > 0
}

// Compute decides what to do without side effects. Trades are matched by
// client id, which equals the intent and trade id, falling back to the
// broker handle.
func Compute(in Inputs, scope Scope, now time.Time) *Report {
	report := &Report{Timestamp: now}

	openByClient := make(map[string]broker.Position)
	openByHandle := make(map[string]broker.Position)
	for _, p := range in.Open {
		if p.ClientID != "" {
			openByClient[p.ClientID] = p
		}
		openByHandle[p.Handle] = p
	}
	closedByClient := make(map[string]broker.ClosedPosition)
	closedByHandle := make(map[string]broker.ClosedPosition)
	for _, c := range in.Closed {
		if c.ClientID != "" {
			closedByClient[c.ClientID] = c
		}
		closedByHandle[c.Handle] = c
	}

	claimed := make(map[string]bool) // broker handles accounted for
	inLedger := make(map[string]bool, len(in.Ledger))

	for _, t := range in.Ledger {
		inLedger[t.ID] = true
		if p, ok := lookupOpen(openByClient, openByHandle, t.ID, t.BrokerHandle); ok {
			claimed[p.Handle] = true
			if t.BrokerHandle == "" {
				t.BrokerHandle = p.Handle
			}
			t.UnrealizedPnL = p.UnrealizedPnL
			report.Watch = append(report.Watch, t)
			continue
		}
		if c, ok := lookupClosed(closedByClient, closedByHandle, t.ID, t.BrokerHandle); ok {
			claimed[c.Handle] = true
			report.Settle = append(report.Settle, Closure{Trade: t, Settlement: settlementOf(c)})
			continue
		}
		report.Missing = append(report.Missing, t)
	}

	for _, pi := range in.Pending {
		if inLedger[pi.ID] {
			report.Commit = append(report.Commit, pi.ID)
			continue
		}
		if p, ok := lookupOpen(openByClient, openByHandle, pi.ID, pi.Handle); ok {
			claimed[p.Handle] = true
			report.Adopt = append(report.Adopt, fromIntent(pi, p, scope))
			continue
		}
		if c, ok := lookupClosed(closedByClient, closedByHandle, pi.ID, pi.Handle); ok {
			claimed[c.Handle] = true
			report.Settle = append(report.Settle, Closure{
				Trade:      fromIntent(pi, c.Position, scope),
				Settlement: settlementOf(c),
				Record:     true,
			})
			continue
		}
		if pi.Stage == order.StagePlaced {
			report.Unresolved = append(report.Unresolved, pi)
			continue
		}
		report.Drop = append(report.Drop, pi)
	}

	// Tagged positions nobody here knows about, e.g. placed by a previous
	// process whose journal was lost.
	for _, p := range in.Open {
		if claimed[p.Handle] {
			continue
		}
		report.Adopt = append(report.Adopt, fromPosition(p, scope))
	}
	return report
}

func lookupOpen(byClient, byHandle map[string]broker.Position, id, handle string) (broker.Position, bool) {
	if p, ok := byClient[id]; ok {
		return p, true
	}
	if handle == "" {
		return broker.Position{}, false
	}
	p, ok := byHandle[handle]
	return p, ok
}

func lookupClosed(byClient, byHandle map[string]broker.ClosedPosition, id, handle string) (broker.ClosedPosition, bool) {
	if c, ok := byClient[id]; ok {
		return c, true
	}
	if handle == "" {
		return broker.ClosedPosition{}, false
	}
	c, ok := byHandle[handle]
	return c, ok
}

func settlementOf(c broker.ClosedPosition) ledger.Settlement {
	status := ledger.StatusFromContract(c.Status)
	if status == ledger.StatusOpen {
		status = ledger.StatusFromContract(broker.OutcomeOf(c.RealizedPnL))
	}
	return ledger.Settlement{Status: status, ExitPrice: c.ExitPrice, RealizedPnL: c.RealizedPnL, ExitAt: c.ClosedAt}
}

func fromIntent(in order.Intent, p broker.Position, scope Scope) ledger.Trade {
	t := ledger.Trade{
		ID:            in.ID,
		UserID:        scope.UserID,
		SessionID:     in.SessionID,
		SignalID:      in.SignalID,
		Symbol:        in.Symbol,
		Direction:     in.Direction,
		Class:         in.Class,
		EntryPrice:    in.EntryPrice,
		Stake:         in.Stake,
		Quantity:      in.Quantity,
		StopLoss:      in.StopLoss,
		TakeProfit:    in.TakeProfit,
		Status:        ledger.StatusOpen,
		UnrealizedPnL: p.UnrealizedPnL,
		Broker:        scope.Broker,
		BrokerHandle:  p.Handle,
		EntryAt:       p.OpenedAt,
	}
	if p.EntryPrice > 0 {
		t.EntryPrice = p.EntryPrice
	}
	if p.Stake > 0 {
		t.Stake = p.Stake
	}
	if t.EntryAt.IsZero() {
		t.EntryAt = in.CreatedAt
	}
	if t.SessionID == "" {
		t.SessionID = scope.SessionID
	}
	return t
}

func fromPosition(p broker.Position, scope Scope) ledger.Trade {
	id := p.ClientID
	if id == "" {
		id = "adopted-" + p.Handle
	}
	return ledger.Trade{
		ID:            id,
		UserID:        scope.UserID,
		SessionID:     scope.SessionID,
		Symbol:        p.Symbol,
		Direction:     p.Direction,
		Class:         p.Class,
		EntryPrice:    p.EntryPrice,
		Stake:         p.Stake,
		Quantity:      p.Quantity,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		Status:        ledger.StatusOpen,
		UnrealizedPnL: p.UnrealizedPnL,
		Broker:        scope.Broker,
		BrokerHandle:  p.Handle,
		EntryAt:       p.OpenedAt,
	}
}

// Service gathers the inputs, computes the report and applies it to the
// ledger and journal. The caller updates its in-memory state from the report.
type Service struct {
	adapter broker.Adapter
	ledger  ledger.Ledger
	journal order.Journal
}

// NewService creates a reconciliation service for one bot.
func NewService(adapter broker.Adapter, l ledger.Ledger, journal order.Journal) *Service {
	return &Service{adapter: adapter, ledger: l, journal: journal}
}

// Reconcile performs a reconciliation pass.
func (s *Service) Reconcile(ctx context.Context, scope Scope) (*Report, error) {
	open, err := s.adapter.OpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker open trades: %w", err)
	}
	closed, err := s.adapter.ClosedTrades(ctx, scope.Since)
	if err != nil {
		return nil, fmt.Errorf("broker closed trades: %w", err)
	}
	local, err := s.ledger.OpenTrades(ctx, scope.UserID)
	if err != nil {
		return nil, fmt.Errorf("ledger open trades: %w", err)
	}

	report := Compute(Inputs{Open: open, Closed: closed, Ledger: local, Pending: s.journal.Pending()}, scope, time.Now())
	s.apply(ctx, report)
	s.handleReport(scope.UserID, report)
	return report, nil
}

func (s *Service) apply(ctx context.Context, report *Report) {
	adopted := report.Adopt[:0]
	for _, t := range report.Adopt {
		if err := s.ledger.RecordTrade(ctx, t); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("adopt %s: %w", t.ID, err))
			continue
		}
		_ = s.journal.Commit(t.ID)
		adopted = append(adopted, t)
	}
	report.Adopt = adopted

	settled := report.Settle[:0]
	for _, c := range report.Settle {
		if c.Record {
			if err := s.ledger.RecordTrade(ctx, c.Trade); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("record %s: %w", c.Trade.ID, err))
				continue
			}
		}
		err := s.ledger.UpdateTrade(ctx, c.Trade.UserID, c.Trade.ID, c.Settlement)
		if err != nil && !errors.Is(err, ledger.ErrNotOpen) {
			report.Errors = append(report.Errors, fmt.Errorf("settle %s: %w", c.Trade.ID, err))
			continue
		}
		_ = s.journal.Commit(c.Trade.ID)
		settled = append(settled, c)
	}
	report.Settle = settled

	for _, id := range report.Commit {
		_ = s.journal.Commit(id)
	}
	for _, in := range report.Drop {
		_ = s.journal.Abort(in.ID, "no broker trace")
	}
}

// handleReport logs reconciliation results.
func (s *Service) handleReport(userID string, report *Report) {
	if !report.HasDiffs() {
		log.Printf("✅ bot[%s]: reconciliation OK, %d open trades match", userID, len(report.Watch))
		return
	}
	log.Printf("⚠️ bot[%s]: reconciliation differences: watch=%d adopt=%d settle=%d commit=%d drop=%d unresolved=%d missing=%d",
		userID, len(report.Watch), len(report.Adopt), len(report.Settle), len(report.Commit),
		len(report.Drop), len(report.Unresolved), len(report.Missing))
	for _, t := range report.Missing {
		log.Printf("  %s %s handle=%s: open in ledger, unknown to broker", t.ID, t.Symbol, t.BrokerHandle)
	}
	for _, err := range report.Errors {
		log.Printf("  ❌ %v", err)
	}
}
