package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/hitlai/testops-cli/internal/dispute"
	"github.com/hitlai/testops-cli/internal/engine"
	"github.com/hitlai/testops-cli/internal/executor"
	"github.com/hitlai/testops-cli/internal/ledger"
	"github.com/hitlai/testops-cli/internal/payout"
	"github.com/hitlai/testops-cli/internal/ratelimit"
	"github.com/hitlai/testops-cli/internal/store"
	"github.com/hitlai/testops-cli/internal/training"
	"github.com/hitlai/testops-cli/pkg/anthropic"
)

// initStore opens the configured backend. Callers own Close.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "testops.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		pool := store.PoolConfig{
			MaxConns: cfg.Store.Pool.MaxConns,
			MinConns: cfg.Store.Pool.MinConns,
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initMigratedStore opens the store and applies migrations.
func initMigratedStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// appEnv bundles the wired services behind the lifecycle commands.
// Callers should defer env.Close().
type appEnv struct {
	Store    store.Store
	Ledger   *ledger.Service
	Limiter  *ratelimit.Limiter
	Engine   *engine.Engine
	Disputes *dispute.Manager
	Training *training.Collector
	Watchdog *engine.Watchdog
}

func (e *appEnv) Close() {
	_ = e.Store.Close()
}

// initDisputeManager wires just the settlement path. Dispute commands never
// touch the executor, so they work without an Anthropic key.
func initDisputeManager(ctx context.Context) (store.Store, *dispute.Manager, error) {
	st, err := initMigratedStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return st, dispute.NewManager(st, cfg.Dispute), nil
}

// initEnv wires the full engine stack. The Anthropic key is required up
// front: starting any ai-mode run dispatches the AI executor, so a
// half-wired engine would only fail at dispatch time, later and messier.
// Human and hybrid runs never touch the executor — they wait for the
// tester's evidence submission instead.
func initEnv(ctx context.Context) (*appEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (TESTOPS_ANTHROPIC_KEY)")
	}

	st, err := initMigratedStore(ctx)
	if err != nil {
		return nil, err
	}

	led := ledger.NewService(st)
	lim := ratelimit.NewLimiter(st, cfg.RateLimit)
	calc := payout.NewCalculator(cfg.Payout)
	col := training.NewCollector(st, "")

	var exec executor.Executor = executor.NewAnthropicExecutor(
		anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic)

	eng := engine.New(st, led, lim, calc, col, exec, cfg.Engine, cfg.Pricing)

	return &appEnv{
		Store:    st,
		Ledger:   led,
		Limiter:  lim,
		Engine:   eng,
		Disputes: dispute.NewManager(st, cfg.Dispute),
		Training: col,
		Watchdog: engine.NewWatchdog(st, cfg.Engine),
	}, nil
}
