package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Theogama/signalist-sub003/internal/bot"
	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/engine"
	"github.com/Theogama/signalist-sub003/internal/ledger"
	"github.com/Theogama/signalist-sub003/internal/lifecycle"
	"github.com/Theogama/signalist-sub003/internal/monitor"
	"github.com/Theogama/signalist-sub003/internal/signal"
)

const testSecret = "test-secret"

// fakeEngine records the calls the handlers make.
type fakeEngine struct {
	mu        sync.Mutex
	started   []bot.Config
	profiles  []string
	stops     []string
	published []signal.Signal
	bots      []bot.Status
}

func (f *fakeEngine) StartBot(_ context.Context, cfg bot.Config) bot.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cfg)
	return bot.Result{Success: true, SessionID: "sess-1"}
}

func (f *fakeEngine) StartProfile(_ context.Context, userID string) bot.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID == "ghost" {
		return bot.Result{Reason: fmt.Sprintf("%v: %s", engine.ErrNoProfile, userID)}
	}
	f.profiles = append(f.profiles, userID)
	return bot.Result{Success: true, SessionID: "sess-p"}
}

func (f *fakeEngine) StopBot(_ context.Context, userID, reason string) bot.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, userID+":"+reason)
	return bot.Result{Success: true}
}

func (f *fakeEngine) PauseBot(_ context.Context, userID string) bot.Result {
	return bot.Result{Reason: bot.ErrBotNotFound.Error()}
}

func (f *fakeEngine) ResumeBot(_ context.Context, userID string) bot.Result {
	return bot.Result{Reason: "bot is disconnected"}
}

func (f *fakeEngine) CloseTrade(_ context.Context, userID, tradeID string) bot.Result {
	return bot.Result{Reason: bot.ErrTradeNotFound.Error()}
}

func (f *fakeEngine) BotStatus(_ context.Context, userID string) (bot.Status, error) {
	for _, st := range f.bots {
		if st.UserID == userID {
			return st, nil
		}
	}
	return bot.Status{}, bot.ErrBotNotFound
}

func (f *fakeEngine) ListBots(context.Context) []bot.Status { return f.bots }

func (f *fakeEngine) RiskMetrics(_ context.Context, userID string) (*engine.RiskMetrics, error) {
	return &engine.RiskMetrics{UserID: userID, Date: "2024-01-01"}, nil
}

func (f *fakeEngine) TradeHistory(_ context.Context, userID string, limit int) ([]ledger.Trade, error) {
	return []ledger.Trade{{ID: "t1", UserID: userID, Stake: float64(limit)}}, nil
}

func (f *fakeEngine) SessionHistory(context.Context, string, int) ([]ledger.Session, error) {
	return nil, nil
}

func (f *fakeEngine) PublishSignal(_ context.Context, s signal.Signal) (signal.Signal, error) {
	if err := s.Validate(); err != nil {
		return signal.Signal{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = fmt.Sprintf("sig-%d", len(f.published)+1)
	s.Status = signal.StatusActive
	f.published = append(f.published, s)
	return s, nil
}

func (f *fakeEngine) GetSystemStatus(context.Context) *engine.SystemStatus {
	return &engine.SystemStatus{NodeID: "node", Version: "test"}
}

func newTestAPIServer(t *testing.T, secret string) (*httptest.Server, *fakeEngine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(reg)
	fake := &fakeEngine{bots: []bot.Status{
		{UserID: "alice", State: lifecycle.Running},
		{UserID: "bob", State: lifecycle.Idle},
	}}
	server := NewServer(fake, metrics, Options{
		JWTSecret: secret,
		Prom:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return httpServer, fake
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := IssueToken(userID, role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func doJSONRequest(t *testing.T, method, url, token string, payload any, out any) int {
	t.Helper()

	var body io.Reader
	if payload != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		body = &buf
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	ts, _ := newTestAPIServer(t, testSecret)

	if status := doJSONRequest(t, http.MethodGet, ts.URL+"/health", "", nil, nil); status != http.StatusOK {
		t.Fatalf("health status=%d", status)
	}

	var snap monitor.Snapshot
	if status := doJSONRequest(t, http.MethodGet, ts.URL+"/api/v1/metrics", "", nil, &snap); status != http.StatusOK {
		t.Fatalf("metrics snapshot status=%d", status)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(text), "bot_api_requests_total") {
		t.Fatalf("prometheus output missing api counter:\n%s", text)
	}
}

func TestAuthRequiredAndScoped(t *testing.T) {
	ts, _ := newTestAPIServer(t, testSecret)
	url := ts.URL + "/api/v1/bots/alice"

	if status := doJSONRequest(t, http.MethodGet, url, "", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d", status)
	}
	if status := doJSONRequest(t, http.MethodGet, url, "garbage", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d", status)
	}
	other, err := IssueToken("alice", "", "other-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if status := doJSONRequest(t, http.MethodGet, url, other, nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("foreign signature status=%d", status)
	}
	if status := doJSONRequest(t, http.MethodGet, url, token(t, "bob", ""), nil, nil); status != http.StatusForbidden {
		t.Fatalf("other user status=%d", status)
	}

	var st bot.Status
	if status := doJSONRequest(t, http.MethodGet, url, token(t, "alice", ""), nil, &st); status != http.StatusOK {
		t.Fatalf("owner status=%d", status)
	}
	if st.State != lifecycle.Running {
		t.Fatalf("state=%s", st.State)
	}
	if status := doJSONRequest(t, http.MethodGet, url, token(t, "ops", RoleAdmin), nil, nil); status != http.StatusOK {
		t.Fatalf("admin status=%d", status)
	}
}

func TestListBotsFiltersNonAdmin(t *testing.T) {
	ts, _ := newTestAPIServer(t, testSecret)

	var own []bot.Status
	doJSONRequest(t, http.MethodGet, ts.URL+"/api/v1/bots", token(t, "bob", ""), nil, &own)
	if len(own) != 1 || own[0].UserID != "bob" {
		t.Fatalf("own bots = %+v", own)
	}

	var all []bot.Status
	doJSONRequest(t, http.MethodGet, ts.URL+"/api/v1/bots", token(t, "ops", RoleAdmin), nil, &all)
	if len(all) != 2 {
		t.Fatalf("admin bots = %+v", all)
	}
}

func TestStartBotFromProfileOrBody(t *testing.T) {
	ts, fake := newTestAPIServer(t, testSecret)
	tok := token(t, "alice", "")
	url := ts.URL + "/api/v1/bots/alice/start"

	var res bot.Result
	if status := doJSONRequest(t, http.MethodPost, url, tok, nil, &res); status != http.StatusOK {
		t.Fatalf("profile start status=%d", status)
	}
	if res.SessionID != "sess-p" || len(fake.profiles) != 1 {
		t.Fatalf("profile start result=%+v profiles=%v", res, fake.profiles)
	}

	body := map[string]any{
		"symbols":       []string{"R_100"},
		"min_hold_time": "30s",
		"policy":        map[string]any{"max_trades_per_day": 3},
		"paper":         map[string]any{"initial_balance": 500},
	}
	if status := doJSONRequest(t, http.MethodPost, url, tok, body, &res); status != http.StatusOK {
		t.Fatalf("body start status=%d", status)
	}
	if len(fake.started) != 1 {
		t.Fatalf("started = %d", len(fake.started))
	}
	cfg := fake.started[0]
	paper, ok := cfg.Broker.(broker.PaperSpec)
	if !ok {
		t.Fatalf("broker spec = %T", cfg.Broker)
	}
	if paper.InitialBalance != 500 || paper.WinProbability != broker.DefaultPaperSpec().WinProbability {
		t.Fatalf("paper spec = %+v", paper)
	}
	if cfg.Policy.MaxTradesPerDay != 3 || cfg.Policy.DailyLossLimit == 0 {
		t.Fatalf("policy = %+v", cfg.Policy)
	}
	if cfg.MinHoldTime != 30*time.Second || cfg.UserID != "alice" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestStartBotValidation(t *testing.T) {
	ts, fake := newTestAPIServer(t, testSecret)
	tok := token(t, "alice", "")
	url := ts.URL + "/api/v1/bots/alice/start"

	cases := []map[string]any{
		{"broker": "live"},
		{"min_hold_time": "soon"},
		{"class": "spot"},
		{"policy": map[string]any{"max_trades_per_day": 0}},
	}
	for _, body := range cases {
		if status := doJSONRequest(t, http.MethodPost, url, tok, body, nil); status != http.StatusBadRequest {
			t.Errorf("body %v status=%d, want 400", body, status)
		}
	}
	if len(fake.started) != 0 {
		t.Fatalf("invalid requests started bots: %+v", fake.started)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, http.MethodPost, ts.URL+"/api/v1/bots/ghost/start", token(t, "ghost", ""), nil, &errResp)
	if status != http.StatusNotFound || errResp.Code != "PROFILE_NOT_FOUND" {
		t.Fatalf("ghost start status=%d code=%s", status, errResp.Code)
	}
}

func TestCommandResultMapping(t *testing.T) {
	ts, fake := newTestAPIServer(t, testSecret)
	tok := token(t, "alice", "")
	base := ts.URL + "/api/v1/bots/alice"

	if status := doJSONRequest(t, http.MethodPost, base+"/stop", tok, map[string]string{"reason": "manual"}, nil); status != http.StatusOK {
		t.Fatalf("stop status=%d", status)
	}
	if len(fake.stops) != 1 || fake.stops[0] != "alice:manual" {
		t.Fatalf("stops = %v", fake.stops)
	}
	if status := doJSONRequest(t, http.MethodPost, base+"/pause", tok, nil, nil); status != http.StatusNotFound {
		t.Fatalf("pause status=%d, want 404", status)
	}
	if status := doJSONRequest(t, http.MethodPost, base+"/resume", tok, nil, nil); status != http.StatusConflict {
		t.Fatalf("resume status=%d, want 409", status)
	}
	if status := doJSONRequest(t, http.MethodPost, base+"/trades/t9/close", tok, nil, nil); status != http.StatusNotFound {
		t.Fatalf("close status=%d, want 404", status)
	}
}

func TestTradeHistoryLimitClamped(t *testing.T) {
	ts, _ := newTestAPIServer(t, testSecret)

	var trades []ledger.Trade
	status := doJSONRequest(t, http.MethodGet, ts.URL+"/api/v1/bots/alice/trades?limit=9999", token(t, "alice", ""), nil, &trades)
	if status != http.StatusOK || len(trades) != 1 {
		t.Fatalf("status=%d trades=%+v", status, trades)
	}
	if trades[0].Stake != 500 {
		t.Fatalf("limit passed = %v, want 500", trades[0].Stake)
	}
}

func TestPublishSignalScope(t *testing.T) {
	ts, fake := newTestAPIServer(t, testSecret)
	url := ts.URL + "/api/v1/signals"
	sig := map[string]any{"symbol": "R_100", "action": "BUY", "price": 100}

	var out signal.Signal
	if status := doJSONRequest(t, http.MethodPost, url, token(t, "alice", ""), sig, &out); status != http.StatusCreated {
		t.Fatalf("publish status=%d", status)
	}
	if out.UserID != "alice" || out.Source != "api" || out.ID == "" {
		t.Fatalf("signal = %+v", out)
	}

	sig["user_id"] = "bob"
	if status := doJSONRequest(t, http.MethodPost, url, token(t, "alice", ""), sig, nil); status != http.StatusForbidden {
		t.Fatalf("cross-user publish status=%d", status)
	}
	if status := doJSONRequest(t, http.MethodPost, url, token(t, "ops", RoleAdmin), sig, nil); status != http.StatusCreated {
		t.Fatalf("admin publish status=%d", status)
	}

	bad := map[string]any{"symbol": "R_100", "action": "HOLD", "price": 100}
	if status := doJSONRequest(t, http.MethodPost, url, token(t, "ops", RoleAdmin), bad, nil); status != http.StatusBadRequest {
		t.Fatalf("invalid action status=%d", status)
	}
	if len(fake.published) != 2 {
		t.Fatalf("published = %d, want 2", len(fake.published))
	}
}

func TestNoSecretDisablesAuth(t *testing.T) {
	ts, _ := newTestAPIServer(t, "")

	var st engine.SystemStatus
	if status := doJSONRequest(t, http.MethodGet, ts.URL+"/api/v1/system/status", "", nil, &st); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if st.NodeID != "node" {
		t.Fatalf("system status = %+v", st)
	}
	var all []bot.Status
	doJSONRequest(t, http.MethodGet, ts.URL+"/api/v1/bots", "", nil, &all)
	if len(all) != 2 {
		t.Fatalf("bots = %+v", all)
	}
}
