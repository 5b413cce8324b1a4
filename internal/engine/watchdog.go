package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hitlai/testops-cli/internal/config"
	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/store"
)

// sweepConcurrency bounds parallel force-fail transitions in one sweep.
const sweepConcurrency = 4

// Watchdog force-fails runs stuck in execution. A crashed executor or a
// tester who walked away would otherwise leave a run in running or
// processing_human_evidence forever. Quota is not refunded for swept runs.
type Watchdog struct {
	store    store.Store
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewWatchdog creates a watchdog from engine config.
func NewWatchdog(st store.Store, cfg config.EngineConfig) *Watchdog {
	maxAge := time.Duration(cfg.MaxRunAgeMins) * time.Minute
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	interval := time.Duration(cfg.WatchdogIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Watchdog{
		store:    st,
		maxAge:   maxAge,
		interval: interval,
		logger:   zap.L().With(zap.String("component", "watchdog")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep fails every run stuck past the age ceiling and returns how many it
// moved. A transition that loses to a concurrent late result report is
// skipped, not an error: the run reached a terminal state either way.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.maxAge)
	stale, err := w.store.ListStaleRuns(ctx,
		[]model.RunStatus{model.RunStatusRunning, model.RunStatusProcessingHuman}, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "engine: list stale runs")
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var swept atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, run := range stale {
		g.Go(func() error {
			if err := w.store.TransitionRun(ctx, run.ID, run.Status, model.RunStatusFailed); err != nil {
				if eris.Is(err, store.ErrStateConflict) || eris.Is(err, store.ErrNotFound) {
					return nil
				}
				return eris.Wrapf(err, "engine: sweep run %s", run.ID)
			}
			swept.Add(1)
			w.logger.Warn("stale run force-failed",
				zap.String("run_id", run.ID),
				zap.String("was_status", string(run.Status)),
				zap.Duration("age", w.now().Sub(run.UpdatedAt)))
			return nil
		})
	}
	err = g.Wait()
	return int(swept.Load()), err
}

// Run sweeps on the configured interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("watchdog sweep failed", zap.Error(err))
			}
		}
	}
}
