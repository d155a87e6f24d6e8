// Package engine provides a unified interface for the bot engine core.
// The API layer talks to bots, history and signals only through Service.
package engine

import (
	"context"

	"github.com/Theogama/signalist-sub003/internal/bot"
	"github.com/Theogama/signalist-sub003/internal/ledger"
	"github.com/Theogama/signalist-sub003/internal/signal"
)

// Service defines the interface for bot engine operations.
type Service interface {
	// Bot commands
	StartBot(ctx context.Context, cfg bot.Config) bot.Result
	StartProfile(ctx context.Context, userID string) bot.Result
	StopBot(ctx context.Context, userID, reason string) bot.Result
	PauseBot(ctx context.Context, userID string) bot.Result
	ResumeBot(ctx context.Context, userID string) bot.Result
	CloseTrade(ctx context.Context, userID, tradeID string) bot.Result

	// Bot queries
	BotStatus(ctx context.Context, userID string) (bot.Status, error)
	ListBots(ctx context.Context) []bot.Status
	RiskMetrics(ctx context.Context, userID string) (*RiskMetrics, error)

	// History
	TradeHistory(ctx context.Context, userID string, limit int) ([]ledger.Trade, error)
	SessionHistory(ctx context.Context, userID string, limit int) ([]ledger.Session, error)

	// Signals
	PublishSignal(ctx context.Context, s signal.Signal) (signal.Signal, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
