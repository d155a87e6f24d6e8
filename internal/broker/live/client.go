// Package live implements broker.Adapter over the broker's websocket API.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/risk"
	"github.com/Theogama/signalist-sub003/pkg/brokerwire"
)

var _ broker.Adapter = (*Client)(nil)

// errClosed reports a dial that finished after Disconnect.
var errClosed = fmt.Errorf("%w: client closed", broker.ErrNotConnected)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRate           = 5.0
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = time.Minute
	pingInterval          = 20 * time.Second
	writeTimeout          = 10 * time.Second
)

type result struct {
	resp brokerwire.Response
	err  error
}

// streamSub is a tick or candle subscription kept across reconnects.
type streamSub struct {
	msgType     string
	symbol      string
	granularity int64
	onTick      func(broker.Tick)
	onCandle    func(broker.Candle)
	remoteID    string
}

// Client is the live broker adapter. One connection per bot.
type Client struct {
	spec     broker.LiveSpec
	listener broker.Listener
	dialer   *websocket.Dialer
	limiter  *rate.Limiter

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	done      chan struct{}
	pending   map[int64]chan result
	streams   map[int]*streamSub
	byRemote  map[string]*streamSub
	nextSub   int
	watched   map[string]struct{}
	login     brokerwire.Authorize
}

// New creates an unconnected client. listener may be nil.
func New(spec broker.LiveSpec, listener broker.Listener) *Client {
	if spec.RequestTimeout <= 0 {
		spec.RequestTimeout = defaultRequestTimeout
	}
	if spec.RatePerSecond <= 0 {
		spec.RatePerSecond = defaultRate
	}
	if spec.Reconnect.Base <= 0 {
		spec.Reconnect.Base = defaultBackoffBase
	}
	if spec.Reconnect.Max <= 0 {
		spec.Reconnect.Max = defaultBackoffMax
	}
	if spec.Tag == "" {
		spec.Tag = broker.DefaultTag
	}
	if listener == nil {
		listener = broker.NopListener{}
	}
	return &Client{
		spec:     spec,
		listener: listener,
		dialer:   websocket.DefaultDialer,
		limiter:  rate.NewLimiter(rate.Limit(spec.RatePerSecond), int(spec.RatePerSecond)+1),
		pending:  make(map[int64]chan result),
		streams:  make(map[int]*streamSub),
		byRemote: make(map[string]*streamSub),
		watched:  make(map[string]struct{}),
	}
}

// Kind implements broker.Adapter.
func (c *Client) Kind() broker.Kind { return broker.KindLive }

// Connect dials, authorizes and re-subscribes to positions that are already
// open at the broker.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.spec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnauthorized, err)
	}
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	if err := c.establish(ctx, done); err != nil {
		c.mu.Lock()
		if c.done == done {
			c.closing = true
		}
		c.mu.Unlock()
		return err
	}

	open, err := c.OpenTrades(ctx)
	if err != nil {
		log.Printf("live: portfolio at connect failed: %v", err)
	}
	for _, p := range open {
		if err := c.WatchContract(ctx, p.Handle); err != nil {
			log.Printf("live: re-watch %s failed: %v", p.Handle, err)
		}
	}

	go c.keepAlive(done)
	c.mu.Lock()
	login := c.login.LoginID
	c.mu.Unlock()
	log.Printf("✅ live: connected as %s (%d open positions)", login, len(open))
	return nil
}

// current reports whether done still belongs to an open connection cycle.
// Disconnect, or a later Connect, retires it.
func (c *Client) current(done chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closing && c.done == done
}

// establish dials, starts the reader and authorizes. A connection that
// completes after done was retired is closed instead of installed.
func (c *Client) establish(ctx context.Context, done chan struct{}) error {
	endpoint := c.spec.Endpoint
	if c.spec.AppID != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "app_id=" + c.spec.AppID
	}
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial broker ws: %w", err)
	}

	c.mu.Lock()
	if c.closing || c.done != done {
		c.mu.Unlock()
		_ = conn.Close()
		return errClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	go c.readLoop(conn)

	resp, err := c.call(ctx, brokerwire.Request{MsgType: brokerwire.MsgAuthorize, Token: c.spec.Token})
	if err != nil {
		c.dropConn(conn)
		return err
	}
	if resp.Authorize != nil {
		c.mu.Lock()
		c.login = *resp.Authorize
		c.mu.Unlock()
	}
	return nil
}

// Disconnect closes the connection without reconnecting.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	if c.done != nil {
		close(c.done)
	}
	c.failPendingLocked(broker.ErrNotConnected)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	log.Printf("live: disconnected")
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		resp, err := brokerwire.Decode(msg)
		if err != nil {
			log.Printf("live: %v", err)
			continue
		}
		c.dispatch(resp)
	}
}

func (c *Client) dispatch(resp brokerwire.Response) {
	if resp.ReqID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[resp.ReqID]
		delete(c.pending, resp.ReqID)
		c.mu.Unlock()
		if ok {
			ch <- result{resp: resp}
		}
	}

	switch resp.MsgType {
	case brokerwire.MsgContract:
		if resp.Contract != nil && resp.Error == nil {
			c.onContract(*resp.Contract)
		}
	case brokerwire.MsgTick, brokerwire.MsgOHLC:
		if resp.ReqID != 0 || resp.Subscription == nil {
			return
		}
		c.mu.Lock()
		sub := c.byRemote[resp.Subscription.ID]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		if resp.Tick != nil && sub.onTick != nil {
			sub.onTick(toTick(*resp.Tick))
		}
		if resp.OHLC != nil && sub.onCandle != nil {
			sub.onCandle(toCandle(*resp.OHLC))
		}
	}
}

func (c *Client) onContract(ct brokerwire.Contract) {
	u := toUpdate(ct)
	if u.Status.Terminal() {
		c.mu.Lock()
		delete(c.watched, ct.ContractID)
		c.mu.Unlock()
	}
	c.listener.OnContractUpdate(u)
}

// handleDrop runs when a connection read fails.
func (c *Client) handleDrop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.failPendingLocked(broker.ErrNotConnected)
	c.byRemote = make(map[string]*streamSub)
	closing := c.closing
	done := c.done
	c.mu.Unlock()
	_ = conn.Close()

	if closing {
		return
	}
	log.Printf("⚠️ live: connection lost: %v", err)
	c.listener.OnDisconnect(err)
	go c.reconnectLoop(done)
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- result{err: err}
		delete(c.pending, id)
	}
}

// reconnectLoop redials with exponential backoff until it succeeds or the
// client is closed.
func (c *Client) reconnectLoop(done chan struct{}) {
	delay := c.spec.Reconnect.Base
	for attempt := 1; ; attempt++ {
		select {
		case <-done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.spec.RequestTimeout)
		go func() {
			select {
			case <-done:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := c.restore(ctx, done)
		cancel()
		if !c.current(done) {
			return
		}
		if err == nil {
			log.Printf("🔄 live: reconnected after %d attempt(s)", attempt)
			c.listener.OnReconnect()
			return
		}
		log.Printf("live: reconnect attempt %d failed: %v (next in %s)", attempt, err, delay*2)
		if broker.IsFatal(err) {
			return
		}
		delay *= 2
		if delay > c.spec.Reconnect.Max {
			delay = c.spec.Reconnect.Max
		}
	}
}

// restore re-establishes the session and every subscription.
func (c *Client) restore(ctx context.Context, done chan struct{}) error {
	if err := c.establish(ctx, done); err != nil {
		return err
	}

	c.mu.Lock()
	handles := make([]string, 0, len(c.watched))
	for h := range c.watched {
		handles = append(handles, h)
	}
	subs := make([]*streamSub, 0, len(c.streams))
	for _, s := range c.streams {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	if open, err := c.OpenTrades(ctx); err == nil {
		seen := make(map[string]bool, len(handles))
		for _, h := range handles {
			seen[h] = true
		}
		for _, p := range open {
			if !seen[p.Handle] {
				handles = append(handles, p.Handle)
			}
		}
	}
	for _, h := range handles {
		if err := c.WatchContract(ctx, h); err != nil {
			log.Printf("live: re-watch %s failed: %v", h, err)
		}
	}
	for _, s := range subs {
		if err := c.subscribeStream(ctx, s); err != nil {
			log.Printf("live: re-subscribe %s %s failed: %v", s.msgType, s.symbol, err)
		}
	}
	return nil
}

func (c *Client) keepAlive(done chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.spec.RequestTimeout)
			if _, err := c.call(ctx, brokerwire.Request{MsgType: brokerwire.MsgPing}); err != nil && !errors.Is(err, broker.ErrNotConnected) {
				log.Printf("live: ping failed: %v", err)
			}
			cancel()
		}
	}
}

// call sends req with a fresh req_id and waits for the matching reply.
func (c *Client) call(ctx context.Context, req brokerwire.Request) (brokerwire.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return brokerwire.Response{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.spec.RequestTimeout)
	defer cancel()

	req.ReqID = c.nextID.Add(1)
	ch := make(chan result, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return brokerwire.Response{}, broker.ErrNotConnected
	}
	c.pending[req.ReqID] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		c.forget(req.ReqID)
		return brokerwire.Response{}, fmt.Errorf("encode %s: %w", req.MsgType, err)
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ReqID)
		return brokerwire.Response{}, fmt.Errorf("%w: write %s: %v", broker.ErrNotConnected, req.MsgType, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return brokerwire.Response{}, r.err
		}
		if r.resp.Error != nil {
			return r.resp, mapError(r.resp.Error)
		}
		return r.resp, nil
	case <-ctx.Done():
		c.forget(req.ReqID)
		return brokerwire.Response{}, fmt.Errorf("%s request %d: %w", req.MsgType, req.ReqID, ctx.Err())
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func mapError(e *brokerwire.Error) error {
	switch e.Code {
	case brokerwire.CodeInvalidToken, brokerwire.CodeAuthRequired:
		return fmt.Errorf("%w: %s", broker.ErrUnauthorized, e.Message)
	case brokerwire.CodeInsufficientBalance:
		return fmt.Errorf("%w: %s", broker.ErrInsufficientBalance, e.Message)
	case brokerwire.CodeInsufficientMargin:
		return fmt.Errorf("%w: %s", broker.ErrInsufficientMargin, e.Message)
	case brokerwire.CodeContractNotFound:
		return fmt.Errorf("%w: %s", broker.ErrUnknownContract, e.Message)
	}
	return &broker.RejectedError{Code: e.Code, Message: e.Message}
}

// AccountInfo implements broker.Adapter.
func (c *Client) AccountInfo(ctx context.Context) (broker.AccountInfo, error) {
	resp, err := c.call(ctx, brokerwire.Request{MsgType: brokerwire.MsgAccount})
	if err != nil {
		return broker.AccountInfo{}, err
	}
	if resp.Account == nil {
		return broker.AccountInfo{}, &broker.RejectedError{Code: "EmptyReply", Message: "account reply without body"}
	}
	a := resp.Account
	return broker.AccountInfo{
		Balance:     a.Balance,
		Equity:      a.Equity,
		Margin:      a.Margin,
		FreeMargin:  a.FreeMargin,
		MarginLevel: a.MarginLevel,
		Currency:    a.Currency,
		Leverage:    a.Leverage,
	}, nil
}

// SubscribeTicks implements broker.Adapter.
func (c *Client) SubscribeTicks(ctx context.Context, symbol string, fn func(broker.Tick)) (func(), error) {
	return c.addStream(ctx, &streamSub{msgType: brokerwire.MsgTicks, symbol: symbol, onTick: fn})
}

// SubscribeCandles implements broker.Adapter.
func (c *Client) SubscribeCandles(ctx context.Context, symbol string, granularity time.Duration, fn func(broker.Candle)) (func(), error) {
	if granularity <= 0 {
		granularity = time.Minute
	}
	return c.addStream(ctx, &streamSub{msgType: brokerwire.MsgCandles, symbol: symbol, granularity: int64(granularity / time.Second), onCandle: fn})
}

func (c *Client) addStream(ctx context.Context, s *streamSub) (func(), error) {
	if err := c.subscribeStream(ctx, s); err != nil {
		return nil, err
	}
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.streams[id] = s
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.streams, id)
			remote := s.remoteID
			delete(c.byRemote, remote)
			c.mu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := c.call(ctx, brokerwire.Request{MsgType: brokerwire.MsgForget, SubscriptionID: remote}); err != nil && !errors.Is(err, broker.ErrNotConnected) {
				log.Printf("live: forget %s failed: %v", remote, err)
			}
		})
	}, nil
}

func (c *Client) subscribeStream(ctx context.Context, s *streamSub) error {
	resp, err := c.call(ctx, brokerwire.Request{MsgType: s.msgType, Symbol: s.symbol, Granularity: s.granularity, Subscribe: true})
	if err != nil {
		return err
	}
	if resp.Subscription == nil {
		return &broker.RejectedError{Code: "NoSubscription", Message: s.msgType + " " + s.symbol}
	}
	c.mu.Lock()
	s.remoteID = resp.Subscription.ID
	c.byRemote[s.remoteID] = s
	c.mu.Unlock()
	return nil
}

// PlaceTrade buys a contract and subscribes to its status pushes.
func (c *Client) PlaceTrade(ctx context.Context, req broker.TradeRequest) (broker.Placement, error) {
	tag := req.Tag
	if tag == "" {
		tag = c.spec.Tag
	}
	resp, err := c.call(ctx, brokerwire.Request{MsgType: brokerwire.MsgBuy, Buy: &brokerwire.BuyParams{
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Direction:  string(req.Direction),
		Class:      string(req.Class),
		Amount:     req.Stake,
		Quantity:   req.Quantity,
		Price:      req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Duration:   int64(req.Duration / time.Second),
		Tag:        tag,
	}})
	if err != nil {
		return broker.Placement{}, err
	}
	if resp.Buy == nil || resp.Buy.ContractID == "" {
		return broker.Placement{}, &broker.RejectedError{Code: "EmptyReply", Message: "buy reply without contract"}
	}
	b := resp.Buy
	p := broker.Placement{
		Handle:     b.ContractID,
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		EntryPrice: b.EntrySpot,
		Stake:      b.BuyPrice,
		Quantity:   b.Quantity,
		OpenedAt:   fromEpoch(b.StartTime),
	}
	if p.Stake == 0 {
		p.Stake = req.Stake
	}
	if err := c.WatchContract(ctx, p.Handle); err != nil {
		log.Printf("live: watch %s after buy failed: %v", p.Handle, err)
		c.mu.Lock()
		c.watched[p.Handle] = struct{}{}
		c.mu.Unlock()
	}
	return p, nil
}

// CloseTrade sells a contract at market.
func (c *Client) CloseTrade(ctx context.Context, handle string) (broker.ContractUpdate, error) {
	resp, err := c.call(ctx, brokerwire.Request{MsgType: brokerwire.MsgSell, ContractID: handle})
	if err != nil {
		return broker.ContractUpdate{}, err
	}
	if resp.Sell == nil {
		return broker.ContractUpdate{}, &broker.RejectedError{Code: "EmptyReply", Message: "sell reply without receipt"}
	}
	c.mu.Lock()
	delete(c.watched, handle)
	c.mu.Unlock()
	s := resp.Sell
	return broker.ContractUpdate{
		Handle:       handle,
		Status:       broker.OutcomeOf(s.Profit),
		CurrentPrice: s.ExitSpot,
		CurrentValue: s.SoldFor,
		ExitPrice:    s.ExitSpot,
		RealizedPnL:  s.Profit,
		Time:         fromEpoch(s.SellTime),
	}, nil
}

// WatchContract subscribes to status pushes for an open contract.
func (c *Client) WatchContract(ctx context.Context, handle string) error {
	resp, err := c.call(ctx, brokerwire.Request{MsgType: brokerwire.MsgContract, ContractID: handle, Subscribe: true})
	if err != nil {
		return err
	}
	if resp.Contract == nil || !toStatus(resp.Contract.Status).Terminal() {
		c.mu.Lock()
		c.watched[handle] = struct{}{}
		c.mu.Unlock()
	}
	return nil
}

// OpenTrades lists the bot's open contracts.
func (c *Client) OpenTrades(ctx context.Context) ([]broker.Position, error) {
	resp, err := c.call(ctx, brokerwire.Request{MsgType: brokerwire.MsgPortfolio, Tag: c.spec.Tag})
	if err != nil {
		return nil, err
	}
	if resp.Portfolio == nil {
		return nil, nil
	}
	out := make([]broker.Position, 0, len(resp.Portfolio.Contracts))
	for _, ct := range resp.Portfolio.Contracts {
		if ct.Tag != c.spec.Tag {
			continue
		}
		out = append(out, toPosition(ct))
	}
	return out, nil
}

// ClosedTrades lists the bot's settled contracts since the given time.
func (c *Client) ClosedTrades(ctx context.Context, since time.Time) ([]broker.ClosedPosition, error) {
	req := brokerwire.Request{MsgType: brokerwire.MsgProfitTable, Tag: c.spec.Tag}
	if !since.IsZero() {
		req.DateFrom = since.Unix()
	}
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.ProfitTable == nil {
		return nil, nil
	}
	var out []broker.ClosedPosition
	for _, ct := range resp.ProfitTable.Transactions {
		if ct.Tag != c.spec.Tag {
			continue
		}
		out = append(out, broker.ClosedPosition{
			Position:    toPosition(ct),
			ExitPrice:   ct.ExitSpot,
			RealizedPnL: ct.Profit,
			Status:      toStatus(ct.Status),
			ClosedAt:    fromEpoch(ct.SellTime),
		})
	}
	return out, nil
}

// ComputeStakeFromRisk implements broker.Adapter.
func (c *Client) ComputeStakeFromRisk(balance, riskPercent, entry, stop float64) float64 {
	return risk.RawStake(balance, riskPercent, entry, stop)
}

// HealthCheck pings the broker.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.call(ctx, brokerwire.Request{MsgType: brokerwire.MsgPing})
	return err
}
