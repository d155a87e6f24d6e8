package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Theogama/signalist-sub003/internal/bot"
	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/engine"
	"github.com/Theogama/signalist-sub003/internal/risk"
	"github.com/Theogama/signalist-sub003/internal/signal"
)

// startBotRequest starts a paper bot without a stored profile. Live bots
// start from profiles only, so broker tokens never cross the API.
type startBotRequest struct {
	Broker        string            `json:"broker" binding:"omitempty,oneof=paper"`
	Paper         *broker.PaperSpec `json:"paper"`
	Symbols       []string          `json:"symbols"`
	Sources       []string          `json:"sources"`
	Policy        *risk.Policy      `json:"policy"`
	Class         string            `json:"class" binding:"omitempty,oneof=multiplier linear"`
	Duration      string            `json:"duration"`
	CloseOnStop   bool              `json:"close_on_stop"`
	MinHoldTime   string            `json:"min_hold_time"`
	MultiPosition bool              `json:"multi_position"`
	PollInterval  string            `json:"poll_interval"`
}

func (r startBotRequest) config(userID string) (bot.Config, error) {
	cfg := bot.Config{
		UserID:        userID,
		Broker:        *r.Paper,
		Symbols:       r.Symbols,
		Sources:       r.Sources,
		Policy:        *r.Policy,
		Class:         broker.Class(r.Class),
		CloseOnStop:   r.CloseOnStop,
		MultiPosition: r.MultiPosition,
	}
	var err error
	if cfg.Duration, err = parseDuration("duration", r.Duration); err != nil {
		return cfg, err
	}
	if cfg.MinHoldTime, err = parseDuration("min_hold_time", r.MinHoldTime); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = parseDuration("poll_interval", r.PollInterval); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type stopBotRequest struct {
	Reason string `json:"reason"`
}

type publishSignalRequest struct {
	UserID     string  `json:"user_id"`
	Symbol     string  `json:"symbol" binding:"required,min=1"`
	Action     string  `json:"action" binding:"required,oneof=BUY SELL"`
	Price      float64 `json:"price" binding:"gt=0"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Source     string  `json:"source"`
}

type historyQuery struct {
	Limit int `form:"limit"`
}

func (q *historyQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondResult maps a bot command result onto an HTTP status.
func respondResult(c *gin.Context, res bot.Result) {
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}
	status, code := http.StatusConflict, "COMMAND_REJECTED"
	switch {
	case strings.Contains(res.Reason, bot.ErrBotNotFound.Error()):
		status, code = http.StatusNotFound, "BOT_NOT_FOUND"
	case strings.Contains(res.Reason, engine.ErrNoProfile.Error()):
		status, code = http.StatusNotFound, "PROFILE_NOT_FOUND"
	case strings.Contains(res.Reason, bot.ErrTradeNotFound.Error()):
		status, code = http.StatusNotFound, "TRADE_NOT_FOUND"
	}
	c.JSON(status, gin.H{
		"success": false,
		"code":    code,
		"error":   res.Reason,
	})
}

// listBots returns every bot for admins and the caller's own bot otherwise.
func (s *Server) listBots(c *gin.Context) {
	all := s.Engine.ListBots(c.Request.Context())
	if IsAdmin(c) {
		c.JSON(http.StatusOK, all)
		return
	}
	own := make([]bot.Status, 0, 1)
	for _, st := range all {
		if st.UserID == CurrentUserID(c) {
			own = append(own, st)
		}
	}
	c.JSON(http.StatusOK, own)
}

func (s *Server) getBotStatus(c *gin.Context) {
	userID := c.Param("user")
	if !canAccessUser(c, userID) {
		return
	}
	st, err := s.Engine.BotStatus(c.Request.Context(), userID)
	if errors.Is(err, bot.ErrBotNotFound) {
		respondError(c, http.StatusNotFound, "BOT_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, st)
}

// startBot starts the user's bot from its profile, or from the request
// body when one is sent.
func (s *Server) startBot(c *gin.Context) {
	userID := c.Param("user")
	if !canAccessUser(c, userID) {
		return
	}
	ctx := c.Request.Context()
	if c.Request.ContentLength == 0 {
		respondResult(c, s.Engine.StartProfile(ctx, userID))
		return
	}

	paper := broker.DefaultPaperSpec()
	policy := risk.DefaultPolicy()
	req := startBotRequest{Paper: &paper, Policy: &policy}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if req.Paper == nil || req.Policy == nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "paper and policy must not be null")
		return
	}
	cfg, err := req.config(userID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}
	respondResult(c, s.Engine.StartBot(ctx, cfg))
}

func (s *Server) stopBot(c *gin.Context) {
	userID := c.Param("user")
	if !canAccessUser(c, userID) {
		return
	}
	var req stopBotRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
			return
		}
	}
	respondResult(c, s.Engine.StopBot(c.Request.Context(), userID, req.Reason))
}

func (s *Server) pauseBot(c *gin.Context) {
	userID := c.Param("user")
	if !canAccessUser(c, userID) {
		return
	}
	respondResult(c, s.Engine.PauseBot(c.Request.Context(), userID))
}

func (s *Server) resumeBot(c *gin.Context) {
	userID := c.Param("user")
	if !canAccessUser(c, userID) {
		return
	}
	respondResult(c, s.Engine.ResumeBot(c.Request.Context(), userID))
}

func (s *Server) closeTrade(c *gin.Context) {
	userID := c.Param("user")
	if !canAccessUser(c, userID) {
		return
	}
	respondResult(c, s.Engine.CloseTrade(c.Request.Context(), userID, c.Param("trade")))
}

// getRiskMetrics returns the risk picture the next admission would see.
func (s *Server) getRiskMetrics(c *gin.Context) {
	userID := c.Param("user")
	if !canAccessUser(c, userID) {
		return
	}
	metrics, err := s.Engine.RiskMetrics(c.Request.Context(), userID)
	if errors.Is(err, bot.ErrBotNotFound) {
		respondError(c, http.StatusNotFound, "BOT_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) getTrades(c *gin.Context) {
	userID := c.Param("user")
	if !canAccessUser(c, userID) {
		return
	}
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	trades, err := s.Engine.TradeHistory(c.Request.Context(), userID, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getSessions(c *gin.Context) {
	userID := c.Param("user")
	if !canAccessUser(c, userID) {
		return
	}
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	sessions, err := s.Engine.SessionHistory(c.Request.Context(), userID, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// publishSignal stores a signal. Broadcast signals (no user) need an admin
// token; users may only target their own bot.
func (s *Server) publishSignal(c *gin.Context) {
	var req publishSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if !IsAdmin(c) {
		if req.UserID == "" {
			req.UserID = CurrentUserID(c)
		}
		if req.UserID != CurrentUserID(c) {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "signals may only target your own bot")
			return
		}
	}
	if req.Source == "" {
		req.Source = "api"
	}
	sig, err := s.Engine.PublishSignal(c.Request.Context(), signal.Signal{
		UserID:     req.UserID,
		Symbol:     req.Symbol,
		Action:     broker.Direction(req.Action),
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Source:     req.Source,
	})
	if errors.Is(err, signal.ErrInvalid) {
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusCreated, sig)
}

// getSystemStatus exposes node identity and bot counts for the dashboard.
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

// getMetrics returns the in-process metrics snapshot.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}
