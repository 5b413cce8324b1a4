// Package ratelimit implements a store-backed fixed-window rate limiter.
// Windows are persisted so limits hold across restarts and across replicas
// sharing one database.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hitlai/testops-cli/internal/config"
	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/store"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces per-(principal, operation) request ceilings.
//
// The limiter fails open: if the store is unreachable the request is
// admitted and a warning is logged. Protecting capacity is not worth
// turning a database blip into a full outage.
type Limiter struct {
	store  store.Store
	cfg    config.RateLimitConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(st store.Store, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		store:  st,
		cfg:    cfg,
		logger: zap.L().With(zap.String("component", "ratelimit")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// limitFor resolves the ceiling for an operation, falling back to the
// default limit for operations with no explicit entry.
func (l *Limiter) limitFor(operation string) config.OpLimit {
	if lim, ok := l.cfg.Operations[operation]; ok {
		return lim
	}
	return l.cfg.Default
}

// Allow checks and consumes one request for the principal/operation pair.
// The first request in a period opens a fresh window; subsequent requests
// increment it until the ceiling, after which requests are denied until the
// window ends. Expired windows are never resurrected. The whole check is a
// single atomic store operation, so concurrent callers cannot slip past the
// ceiling together.
func (l *Limiter) Allow(ctx context.Context, principal, operation string) Decision {
	lim := l.limitFor(operation)
	now := l.now()

	fresh := &model.RateWindow{
		Principal:   principal,
		Operation:   operation,
		WindowStart: now,
		WindowEnd:   now.Add(time.Duration(lim.WindowMinutes) * time.Minute),
	}
	w, admitted, err := l.store.ConsumeWindow(ctx, fresh, lim.MaxRequests)
	if err != nil {
		return l.failOpen(operation, err)
	}

	if !admitted {
		l.logger.Info("rate limit exceeded",
			zap.String("principal", principal),
			zap.String("operation", operation),
			zap.Int("count", w.Count),
			zap.Int("max", lim.MaxRequests),
			zap.Time("reset_at", w.WindowEnd))
		return Decision{Allowed: false, Remaining: 0, ResetAt: w.WindowEnd}
	}

	remaining := lim.MaxRequests - w.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: w.WindowEnd}
}

func (l *Limiter) failOpen(operation string, err error) Decision {
	l.logger.Warn("rate limiter degraded, admitting request",
		zap.String("operation", operation),
		zap.Error(err))
	return Decision{Allowed: true}
}

// Cleanup deletes expired windows and returns how many were removed. Expired
// windows are already inert; this only reclaims storage.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	n, err := l.store.DeleteExpiredWindows(ctx, l.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Debug("expired rate windows removed", zap.Int64("count", n))
	}
	return n, nil
}

// RunCleanup periodically reclaims expired windows until ctx is cancelled.
func (l *Limiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Cleanup(ctx); err != nil {
				l.logger.Warn("rate window cleanup failed", zap.Error(err))
			}
		}
	}
}
