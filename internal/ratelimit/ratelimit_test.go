package ratelimit

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitlai/testops-cli/internal/config"
	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/store"
)

var testCfg = config.RateLimitConfig{
	Operations: map[string]config.OpLimit{
		"start_execution": {MaxRequests: 10, WindowMinutes: 60},
		"generate_image":  {MaxRequests: 5, WindowMinutes: 60},
	},
	Default: config.OpLimit{MaxRequests: 100, WindowMinutes: 60},
}

func newTestLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "rl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	l := NewLimiter(st, testCfg)
	now := time.Now().UTC()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_AllowsUpToCeiling(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := l.Allow(ctx, "co-1", "start_execution")
		assert.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 9-i, d.Remaining)
	}

	// The 11th request in the same window is denied.
	d := l.Allow(ctx, "co-1", "start_execution")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.False(t, d.ResetAt.IsZero())
}

func TestLimiter_ConcurrentRequestsRespectCeiling(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	// All requests race on the same window; exactly the ceiling gets through,
	// even when several arrive before the first window row exists.
	const requests = 20
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, "co-1", "generate_image").Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, admitted.Load())

	// And the window itself holds the ceiling, not more.
	d := l.Allow(ctx, "co-1", "generate_image")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestLimiter_FreshWindowAfterExpiry(t *testing.T) {
	l, now := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(ctx, "co-1", "generate_image").Allowed)
	}
	require.False(t, l.Allow(ctx, "co-1", "generate_image").Allowed)

	// Advance past the window end: the next request opens a fresh window
	// rather than resurrecting the expired one.
	*now = now.Add(61 * time.Minute)
	d := l.Allow(ctx, "co-1", "generate_image")
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestLimiter_PrincipalsAndOperationsIsolated(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(ctx, "co-1", "generate_image").Allowed)
	}
	require.False(t, l.Allow(ctx, "co-1", "generate_image").Allowed)

	// Another company is unaffected.
	assert.True(t, l.Allow(ctx, "co-2", "generate_image").Allowed)
	// Another operation for the same company is unaffected.
	assert.True(t, l.Allow(ctx, "co-1", "start_execution").Allowed)
}

func TestLimiter_UnknownOperationUsesDefault(t *testing.T) {
	l, _ := newTestLimiter(t)

	d := l.Allow(context.Background(), "co-1", "export_report")
	assert.True(t, d.Allowed)
	assert.Equal(t, 99, d.Remaining)
}

func TestLimiter_FailOpenOnStoreError(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "rl.db"))
	require.NoError(t, err)
	// No Migrate: every store call fails with "no such table".
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	l := NewLimiter(st, testCfg)
	d := l.Allow(context.Background(), "co-1", "start_execution")
	assert.True(t, d.Allowed)
}

func TestLimiter_Cleanup(t *testing.T) {
	l, now := newTestLimiter(t)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "co-1", "start_execution").Allowed)
	require.True(t, l.Allow(ctx, "co-2", "generate_image").Allowed)

	*now = now.Add(2 * time.Hour)
	n, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// A denied-then-expired principal starts clean.
	d := l.Allow(ctx, "co-1", "start_execution")
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestLimiter_WindowBoundsRecorded(t *testing.T) {
	l, now := newTestLimiter(t)
	d := l.Allow(context.Background(), "co-1", "start_execution")
	require.True(t, d.Allowed)
	assert.Equal(t, now.Add(time.Hour), d.ResetAt)

	w := model.RateWindow{WindowEnd: d.ResetAt}
	assert.False(t, w.Expired(*now))
	assert.True(t, w.Expired(now.Add(time.Hour)))
}
