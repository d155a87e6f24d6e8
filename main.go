package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Theogama/signalist-sub003/internal/api"
	"github.com/Theogama/signalist-sub003/internal/bot"
	"github.com/Theogama/signalist-sub003/internal/engine"
	"github.com/Theogama/signalist-sub003/internal/gateway"
	"github.com/Theogama/signalist-sub003/internal/ledger"
	"github.com/Theogama/signalist-sub003/internal/lifecycle"
	"github.com/Theogama/signalist-sub003/internal/monitor"
	"github.com/Theogama/signalist-sub003/internal/persistence"
	"github.com/Theogama/signalist-sub003/internal/risk"
	botsignal "github.com/Theogama/signalist-sub003/internal/signal"
	"github.com/Theogama/signalist-sub003/pkg/config"
	"github.com/Theogama/signalist-sub003/pkg/db"
	"github.com/Theogama/signalist-sub003/pkg/i18n"
)

const housekeepingInterval = time.Minute

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}

	// Unrealized marks are best effort and coalesce per trade.
	marks := persistence.NewMarkWriter(database.DB, db.UpdateUnrealizedQuery, 100, time.Second)
	defer marks.Close()
	store := ledger.NewSQLStore(database, marks)
	signals := botsignal.NewSQLSource(database)

	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)
	log.Println(i18n.Get("SystemMetricsInit"))
	alerts := monitor.NewMonitor(ctx, monitor.LogSink{})

	pool := gateway.NewPool(gateway.Config{HealthInterval: cfg.PoolHealthInterval})
	pool.Start(ctx)
	log.Printf(i18n.Get("AdapterPoolStarted"), cfg.PoolHealthInterval)

	if cfg.JournalDir != "" {
		log.Printf(i18n.Get("JournalDir"), cfg.JournalDir)
	} else {
		log.Println(i18n.Get("JournalMemory"))
	}

	riskMgr := risk.NewManager()
	bots, err := bot.NewManager(bot.Deps{
		Ledger:     store,
		Settings:   store,
		Signals:    signals,
		Risk:       riskMgr,
		Factory:    gateway.New,
		Pool:       pool,
		Metrics:    metrics,
		Monitor:    alerts,
		Lifecycle:  lifecycle.DefaultConfig(),
		JournalDir: cfg.JournalDir,
	})
	if err != nil {
		log.Fatalf("bot manager: %v", err)
	}

	profiles, err := config.LoadProfiles(cfg.ProfilesPath, cfg.PaperBalance)
	if err != nil {
		log.Fatalf(i18n.Get("ProfilesLoadFailed"), err)
	}
	log.Printf(i18n.Get("ProfilesLoaded"), len(profiles), cfg.ProfilesPath)

	engService := engine.NewImpl(engine.Config{
		Bots:        bots,
		History:     store,
		Signals:     signals,
		RiskMgr:     riskMgr,
		Pool:        pool,
		Profiles:    profiles,
		DefaultPoll: cfg.DefaultPoll,
		Version:     buildVersion,
	})
	log.Println(i18n.Get("EngineServiceInit"))

	autoStart(ctx, engService, profiles, cfg.AutoStart)
	go housekeeping(ctx, signals, cfg.SignalMaxAge, bots, pool, metrics)

	// API
	if cfg.JWTSecret == "" {
		log.Println(i18n.Get("AuthDisabled"))
	}
	server := api.NewServer(engService, metrics, api.Options{
		JWTSecret:   cfg.JWTSecret,
		RateLimit:   cfg.RateLimit,
		CORSOrigins: cfg.CORSOrigins,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf(i18n.Get("ServerListening"), cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println(i18n.Get("ShuttingDown"))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf(i18n.Get("APIServerError"), err)
	}
	bots.Shutdown(shutdownCtx)
	pool.Stop()
	cancel()
	alerts.Wait()
	log.Println(i18n.Get("ShutdownComplete"))
}

// autoStart starts the listed users and every profile marked autostart.
func autoStart(ctx context.Context, svc engine.Service, profiles config.Profiles, users []string) {
	seen := make(map[string]bool)
	for _, id := range profiles.Users() {
		if profiles[id].AutoStart {
			users = append(users, id)
		}
	}
	for _, id := range users {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := profiles[id]; !ok {
			log.Printf(i18n.Get("AutoStartUnknown"), id)
			continue
		}
		res := svc.StartProfile(ctx, id)
		if !res.Success {
			log.Printf(i18n.Get("AutoStartFailed"), id, res.Reason)
			continue
		}
		log.Printf(i18n.Get("AutoStartBot"), id, res.SessionID)
	}
}

// housekeeping expires stale signals, publishes pool stats and recovers
// stuck bots until ctx ends.
func housekeeping(ctx context.Context, signals *botsignal.SQLSource, maxAge time.Duration, bots *bot.Manager, pool *gateway.Pool, metrics *monitor.Metrics) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if maxAge > 0 {
			n, err := signals.Expire(ctx, maxAge)
			switch {
			case err != nil:
				log.Printf(i18n.Get("SignalExpireFailed"), err)
			case n > 0:
				log.Printf(i18n.Get("SignalsExpired"), n)
			}
		}
		metrics.SetPoolStats(pool.Stats())
		if recovered := bots.RecoverStuck(); len(recovered) > 0 {
			log.Printf(i18n.Get("BotsRecovered"), recovered)
		}
	}
}
