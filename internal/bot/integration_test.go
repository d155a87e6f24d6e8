package bot_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Theogama/signalist-sub003/internal/bot"
	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/internal/ledger"
	"github.com/Theogama/signalist-sub003/internal/persistence"
	"github.com/Theogama/signalist-sub003/internal/risk"
	"github.com/Theogama/signalist-sub003/internal/signal"
	"github.com/Theogama/signalist-sub003/pkg/db"
)

// TestMultiUserSQLWorkflow runs several paper bots against one SQLite
// ledger and checks every user's trades settle into their own rows.
func TestMultiUserSQLWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	marks := persistence.NewMarkWriter(database.DB, db.UpdateUnrealizedQuery, 10, 50*time.Millisecond)
	t.Cleanup(func() { _ = marks.Close() })
	store := ledger.NewSQLStore(database, marks)
	signals := signal.NewSQLSource(database)

	mgr, err := bot.NewManager(bot.Deps{
		Ledger:   store,
		Settings: store,
		Signals:  signals,
		Risk:     risk.NewManager(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	ctx := context.Background()
	const numUsers = 5
	users := make([]string, numUsers)
	for i := range users {
		users[i] = fmt.Sprintf("user-%d", i)

		spec := broker.DefaultPaperSpec()
		spec.WinProbability = 1
		spec.TickInterval = 10 * time.Millisecond
		spec.StartPrices = map[string]float64{"R_100": 100}
		spec.Seed = int64(i + 1)
		res := mgr.Start(ctx, bot.Config{
			UserID:       users[i],
			Broker:       spec,
			Policy:       risk.DefaultPolicy(),
			Duration:     200 * time.Millisecond,
			PollInterval: 20 * time.Millisecond,
		})
		require.True(t, res.Success, res.Reason)
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			assert.NoError(t, signals.Publish(ctx, signal.Signal{
				UserID:    userID,
				Symbol:    "R_100",
				Action:    broker.Buy,
				Price:     100,
				Source:    "integration",
				CreatedAt: time.Now(),
			}))
		}(u)
	}
	wg.Wait()

	for _, u := range users {
		var trades []ledger.Trade
		require.Eventually(t, func() bool {
			trades, err = store.Trades(ctx, u, 10)
			return err == nil && len(trades) == 1 && trades[0].Status.Terminal()
		}, 5*time.Second, 20*time.Millisecond, "trade for %s never settled", u)

		tr := trades[0]
		assert.Equal(t, u, tr.UserID)
		assert.Equal(t, ledger.StatusTPHit, tr.Status)
		assert.Greater(t, tr.RealizedPnL, 0.0)
		require.NotNil(t, tr.ExitAt)
	}

	for _, u := range users {
		res := mgr.Stop(ctx, u, "integration done")
		require.True(t, res.Success, res.Reason)

		sessions, err := store.Sessions(ctx, u, 10)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, ledger.SessionClosed, sessions[0].Status)
		assert.Equal(t, 1, sessions[0].TradeCount)
		assert.Equal(t, 1, sessions[0].Wins)

		daily, err := store.LoadDaily(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, 1, daily.TradeCount)
		assert.Zero(t, daily.ConsecutiveLosses)
	}
}
