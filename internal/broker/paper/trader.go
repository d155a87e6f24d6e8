// Package paper implements a broker.Adapter that simulates fills and
// settlements against a decimal margin account.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Theogama/signalist-sub003/internal/balance"
	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/market"
	"github.com/Theogama/signalist-sub003/internal/risk"
)

var _ broker.Adapter = (*Trader)(nil)

// maxMove caps a simulated move so exit prices stay positive.
const maxMove = 0.9

type position struct {
	broker.Position
	margin    float64
	exitPrice float64 // precomputed settlement price
	deadline  time.Time
	remaining time.Duration // set while disconnected
	timer     *time.Timer
}

// Trader is the paper-trading adapter.
type Trader struct {
	spec     broker.PaperSpec
	listener broker.Listener
	account  *balance.Account
	feed     *market.MockFeed
	protect  *risk.ProtectionTracker

	mu         sync.Mutex
	rng        *rand.Rand
	connected  bool
	seq        int64
	positions  map[string]*position
	closed     []broker.ClosedPosition
	symbolSubs map[string]func()
	now        func() time.Time
}

// New creates a paper trader. listener may be nil.
func New(spec broker.PaperSpec, listener broker.Listener) *Trader {
	def := broker.DefaultPaperSpec()
	if spec.Currency == "" {
		spec.Currency = def.Currency
	}
	if spec.Leverage <= 0 {
		spec.Leverage = def.Leverage
	}
	if spec.LinearMarginRate <= 0 {
		spec.LinearMarginRate = def.LinearMarginRate
	}
	if spec.MoveFraction <= 0 {
		spec.MoveFraction = def.MoveFraction
	}
	if spec.DefaultDuration <= 0 {
		spec.DefaultDuration = def.DefaultDuration
	}
	if spec.TickInterval <= 0 {
		spec.TickInterval = def.TickInterval
	}
	if listener == nil {
		listener = broker.NopListener{}
	}
	seed := spec.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Trader{
		spec:       spec,
		listener:   listener,
		account:    balance.NewAccount(spec.InitialBalance),
		feed:       market.NewMockFeed(spec.StartPrices, math.Max(spec.Volatility, 0.0005), spec.TickInterval, seed+1),
		protect:    risk.NewProtectionTracker(),
		rng:        rand.New(rand.NewSource(seed)),
		positions:  make(map[string]*position),
		symbolSubs: make(map[string]func()),
		now:        time.Now,
	}
}

// Kind implements broker.Adapter.
func (t *Trader) Kind() broker.Kind { return broker.KindPaper }

// Account exposes the margin account.
func (t *Trader) Account() *balance.Account { return t.account }

// Feed exposes the simulated price feed.
func (t *Trader) Feed() *market.MockFeed { return t.feed }

// Connect starts the price feed and resumes settlement timers.
func (t *Trader) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	now := t.now()
	for _, p := range t.positions {
		if p.timer == nil {
			p.deadline = now.Add(p.remaining)
			p.timer = t.scheduleLocked(p.Handle, p.remaining)
		}
	}
	resumed := len(t.positions)
	t.mu.Unlock()

	t.feed.Start(context.Background())
	log.Printf("paper: connected, balance %.2f %s, %d positions resumed", t.account.GetBalance().Total, t.spec.Currency, resumed)
	return nil
}

// Disconnect stops the feed and pauses settlement timers.
func (t *Trader) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	now := t.now()
	for _, p := range t.positions {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
			p.remaining = p.deadline.Sub(now)
			if p.remaining < 0 {
				p.remaining = 0
			}
		}
	}
	t.mu.Unlock()

	t.feed.Stop()
	log.Printf("paper: disconnected")
	return nil
}

// AccountInfo reports balance, margin and equity. Equity is floored at the
// locked margin and never negative.
func (t *Trader) AccountInfo(ctx context.Context) (broker.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return broker.AccountInfo{}, err
	}
	t.mu.Lock()
	unrealized := 0.0
	for _, p := range t.positions {
		unrealized += p.UnrealizedPnL
	}
	t.mu.Unlock()

	b := t.account.GetBalance()
	equity := math.Max(math.Max(b.Total+unrealized, b.Locked), 0)
	info := broker.AccountInfo{
		Balance:    b.Total,
		Equity:     equity,
		Margin:     b.Locked,
		FreeMargin: equity - b.Locked,
		Currency:   t.spec.Currency,
		Leverage:   t.spec.Leverage,
	}
	if b.Locked > 0 {
		info.MarginLevel = equity / b.Locked * 100
	}
	return info, nil
}

// SubscribeTicks implements broker.Adapter.
func (t *Trader) SubscribeTicks(ctx context.Context, symbol string, fn func(broker.Tick)) (func(), error) {
	if !t.isConnected() {
		return nil, broker.ErrNotConnected
	}
	return t.feed.Subscribe(symbol, fn), nil
}

// SubscribeCandles implements broker.Adapter.
func (t *Trader) SubscribeCandles(ctx context.Context, symbol string, granularity time.Duration, fn func(broker.Candle)) (func(), error) {
	if !t.isConnected() {
		return nil, broker.ErrNotConnected
	}
	if granularity <= 0 {
		granularity = time.Minute
	}
	b := &market.CandleBuilder{Symbol: symbol, Granularity: granularity, OnClose: fn}
	return t.feed.Subscribe(symbol, b.Add), nil
}

// PlaceTrade reserves margin, precomputes the outcome and schedules settlement.
func (t *Trader) PlaceTrade(ctx context.Context, req broker.TradeRequest) (broker.Placement, error) {
	if err := ctx.Err(); err != nil {
		return broker.Placement{}, err
	}
	if req.Stake <= 0 {
		return broker.Placement{}, &broker.RejectedError{Code: "InvalidStake", Message: fmt.Sprintf("stake %.2f", req.Stake)}
	}
	if req.Direction != broker.Buy && req.Direction != broker.Sell {
		return broker.Placement{}, &broker.RejectedError{Code: "InvalidDirection", Message: string(req.Direction)}
	}

	entry, ok := t.feed.Price(req.Symbol)
	if !ok {
		if req.EntryPrice <= 0 {
			return broker.Placement{}, fmt.Errorf("%w: %s", broker.ErrNoQuote, req.Symbol)
		}
		entry = req.EntryPrice
		t.feed.Push(req.Symbol, entry)
	}

	class := req.Class
	if class == "" {
		class = broker.Multiplier
	}
	qty := req.Quantity
	margin := req.Stake
	if class == broker.Linear {
		if qty <= 0 {
			qty = req.Stake / entry
		}
		margin = qty * entry * t.spec.LinearMarginRate
	}
	duration := req.Duration
	if duration <= 0 {
		duration = t.spec.DefaultDuration
	}
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return broker.Placement{}, broker.ErrNotConnected
	}
	if err := t.account.Lock(margin); err != nil {
		t.mu.Unlock()
		if errors.Is(err, balance.ErrInsufficient) {
			return broker.Placement{}, fmt.Errorf("%w: %v", broker.ErrInsufficientMargin, err)
		}
		return broker.Placement{}, err
	}

	t.seq++
	now := t.now()
	p := &position{
		Position: broker.Position{
			Handle:       fmt.Sprintf("P-%d", t.seq),
			ClientID:     req.ClientID,
			Symbol:       req.Symbol,
			Direction:    req.Direction,
			Class:        class,
			EntryPrice:   entry,
			CurrentPrice: entry,
			Stake:        req.Stake,
			Quantity:     qty,
			StopLoss:     req.StopLoss,
			TakeProfit:   req.TakeProfit,
			OpenedAt:     now,
		},
		margin:    margin,
		exitPrice: t.outcomeLocked(req.Direction, entry),
		deadline:  now.Add(duration),
	}
	p.timer = t.scheduleLocked(p.Handle, duration)
	t.positions[p.Handle] = p
	t.ensureSymbolSubLocked(req.Symbol)
	t.mu.Unlock()

	if class == broker.Linear {
		t.protect.Add(risk.Protected{
			Handle:     p.Handle,
			Symbol:     p.Symbol,
			Long:       p.Direction == broker.Buy,
			EntryPrice: entry,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
		})
	}

	log.Printf("paper: opened %s %s %s stake=%.2f entry=%.5f margin=%.2f settles in %s",
		p.Handle, p.Direction, p.Symbol, p.Stake, entry, margin, duration)

	return broker.Placement{
		Handle:     p.Handle,
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		EntryPrice: entry,
		Stake:      req.Stake,
		Quantity:   qty,
		OpenedAt:   now,
	}, nil
}

// outcomeLocked draws win/loss and the move size, returning the exit price.
func (t *Trader) outcomeLocked(dir broker.Direction, entry float64) float64 {
	win := t.rng.Float64() < t.spec.WinProbability
	move := t.spec.MoveFraction + math.Abs(t.rng.NormFloat64())*t.spec.Volatility
	if move > maxMove {
		move = maxMove
	}
	up := (dir == broker.Buy) == win
	if up {
		return entry * (1 + move)
	}
	return entry * (1 - move)
}

func (t *Trader) scheduleLocked(handle string, d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() {
		t.settle(handle, 0, true, true)
	})
}

func (t *Trader) ensureSymbolSubLocked(symbol string) {
	if _, ok := t.symbolSubs[symbol]; ok {
		return
	}
	t.symbolSubs[symbol] = t.feed.Subscribe(symbol, t.onTick)
}

// onTick refreshes marks and fires SL/TP for linear positions.
func (t *Trader) onTick(tick broker.Tick) {
	t.mu.Lock()
	var updates []broker.ContractUpdate
	for _, p := range t.positions {
		if p.Symbol != tick.Symbol {
			continue
		}
		p.CurrentPrice = tick.Quote
		p.UnrealizedPnL = broker.PnL(p.Class, p.Direction, p.EntryPrice, tick.Quote, p.Stake, p.Quantity)
		updates = append(updates, broker.ContractUpdate{
			Handle:        p.Handle,
			Symbol:        p.Symbol,
			Status:        broker.StatusOpen,
			CurrentPrice:  tick.Quote,
			CurrentValue:  p.Stake + p.UnrealizedPnL,
			UnrealizedPnL: p.UnrealizedPnL,
			Time:          tick.Time,
		})
	}
	t.mu.Unlock()

	for _, u := range updates {
		t.listener.OnContractUpdate(u)
	}
	for _, trig := range t.protect.OnPrice(tick.Symbol, tick.Quote) {
		log.Printf("paper: %s %s", trig.Handle, trig.Reason)
		t.settle(trig.Handle, trig.Price, false, true)
	}
}

// settle closes a position once. expiry uses the precomputed exit price.
func (t *Trader) settle(handle string, price float64, expiry, notify bool) (broker.ContractUpdate, bool) {
	t.mu.Lock()
	p, ok := t.positions[handle]
	if !ok {
		t.mu.Unlock()
		return broker.ContractUpdate{}, false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(t.positions, handle)
	exit := price
	if expiry || exit <= 0 {
		exit = p.exitPrice
	}
	pnl := broker.PnL(p.Class, p.Direction, p.EntryPrice, exit, p.Stake, p.Quantity)
	t.account.Settle(p.margin, pnl)
	now := t.now()
	status := broker.OutcomeOf(pnl)
	closed := broker.ClosedPosition{Position: p.Position, ExitPrice: exit, RealizedPnL: pnl, Status: status, ClosedAt: now}
	closed.CurrentPrice = exit
	closed.UnrealizedPnL = 0
	t.closed = append(t.closed, closed)
	t.mu.Unlock()

	t.protect.Remove(handle)
	u := broker.ContractUpdate{
		Handle:       handle,
		Symbol:       p.Symbol,
		Status:       status,
		CurrentPrice: exit,
		CurrentValue: p.Stake + pnl,
		ExitPrice:    exit,
		RealizedPnL:  pnl,
		Time:         now,
	}
	log.Printf("paper: settled %s %s exit=%.5f pnl=%.2f", handle, status, exit, pnl)
	if notify {
		t.listener.OnContractUpdate(u)
	}
	return u, true
}

// CloseTrade settles a position at the current price.
func (t *Trader) CloseTrade(ctx context.Context, handle string) (broker.ContractUpdate, error) {
	if err := ctx.Err(); err != nil {
		return broker.ContractUpdate{}, err
	}
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return broker.ContractUpdate{}, broker.ErrNotConnected
	}
	p, ok := t.positions[handle]
	if !ok {
		t.mu.Unlock()
		return broker.ContractUpdate{}, fmt.Errorf("%w: %s", broker.ErrUnknownContract, handle)
	}
	price := p.CurrentPrice
	t.mu.Unlock()

	if last, ok := t.feed.Price(p.Symbol); ok {
		price = last
	}
	u, ok := t.settle(handle, price, false, false)
	if !ok {
		return broker.ContractUpdate{}, fmt.Errorf("%w: %s already settled", broker.ErrUnknownContract, handle)
	}
	return u, nil
}

// WatchContract succeeds for any open position; pushes always flow.
func (t *Trader) WatchContract(ctx context.Context, handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.positions[handle]; !ok {
		return fmt.Errorf("%w: %s", broker.ErrUnknownContract, handle)
	}
	return nil
}

// OpenTrades lists open positions by open time.
func (t *Trader) OpenTrades(ctx context.Context) ([]broker.Position, error) {
	t.mu.Lock()
	out := make([]broker.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p.Position)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// ClosedTrades lists positions settled at or after since.
func (t *Trader) ClosedTrades(ctx context.Context, since time.Time) ([]broker.ClosedPosition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []broker.ClosedPosition
	for _, c := range t.closed {
		if !c.ClosedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ComputeStakeFromRisk implements broker.Adapter.
func (t *Trader) ComputeStakeFromRisk(balance, riskPercent, entry, stop float64) float64 {
	return risk.RawStake(balance, riskPercent, entry, stop)
}

// HealthCheck implements broker.Adapter.
func (t *Trader) HealthCheck(ctx context.Context) error {
	if !t.isConnected() {
		return broker.ErrNotConnected
	}
	return nil
}

func (t *Trader) isConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
