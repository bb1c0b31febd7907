package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/civicfleet/compliance-cli/internal/engine"
	"github.com/civicfleet/compliance-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "compliance.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initScheduler(st store.Store) *engine.Scheduler {
	eng := engine.New(cfg.Engine.Timezone)
	return engine.NewScheduler(eng, st, engine.SchedulerConfig{
		Workers:       cfg.Engine.Workers,
		PolicyTimeout: time.Duration(cfg.Engine.PolicyTimeoutSecs) * time.Second,
	})
}
