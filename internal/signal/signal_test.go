package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Theogama/signalist-sub003/internal/broker"
	"github.com/Theogama/signalist-sub003/pkg/db"
)

type store interface {
	Source
	Publisher
}

func stores(t *testing.T) map[string]store {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return map[string]store{"sql": NewSQLSource(database), "memory": NewMemory()}
}

func TestSourceLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Minute)
			publish := []Signal{
				{ID: "s1", Symbol: "R_100", Action: broker.Buy, Price: 100, Source: "alpha", CreatedAt: base},
				{ID: "s2", UserID: "user-b", Symbol: "R_100", Action: broker.Sell, Price: 100, Source: "alpha", CreatedAt: base.Add(time.Second)},
				{ID: "s3", UserID: "user-a", Symbol: "R_50", Action: broker.Sell, Price: 50, Source: "beta", CreatedAt: base.Add(2 * time.Second)},
			}
			for _, sig := range publish {
				if err := s.Publish(ctx, sig); err != nil {
					t.Fatalf("publish %s: %v", sig.ID, err)
				}
			}

			f := Filter{UserID: "user-a", Sources: []string{"alpha"}}
			active, err := s.Active(ctx, f)
			if err != nil {
				t.Fatalf("active: %v", err)
			}
			if len(active) != 1 || active[0].ID != "s1" || active[0].Action != broker.Buy {
				t.Fatalf("expected only broadcast s1, got %+v", active)
			}

			if err := s.MarkExecuted(ctx, "s1"); err != nil {
				t.Fatalf("mark executed: %v", err)
			}
			if err := s.MarkExecuted(ctx, "s1"); !errors.Is(err, ErrNotActive) {
				t.Fatalf("expected ErrNotActive, got %v", err)
			}

			latest, ok, err := s.Latest(ctx, Filter{UserID: "user-a"}, "R_100")
			if err != nil || !ok || latest.ID != "s1" || latest.Status != StatusExecuted {
				t.Fatalf("expected executed s1 as latest visible, got %+v ok=%v err=%v", latest, ok, err)
			}
			if _, ok, _ := s.Latest(ctx, f, "R_999"); ok {
				t.Fatalf("no signal expected for unknown symbol")
			}
		})
	}
}

func TestPublishValidates(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			bad := []Signal{
				{Action: broker.Buy, Price: 1},
				{Symbol: "R_100", Action: "HOLD", Price: 1},
				{Symbol: "R_100", Action: broker.Sell},
			}
			for _, sig := range bad {
				if err := s.Publish(context.Background(), sig); !errors.Is(err, ErrInvalid) {
					t.Errorf("expected ErrInvalid for %+v, got %v", sig, err)
				}
			}
		})
	}
}
