package dispute

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitlai/testops-cli/internal/config"
	"github.com/hitlai/testops-cli/internal/ledger"
	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/store"
)

var testCfg = config.DisputeConfig{
	CreditMultiplier: 10,
	PenaltyFee:       5,
	CreditRate:       1.5,
}

type fixture struct {
	store   *store.SQLiteStore
	ledger  *ledger.Service
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dispute.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	_, err = st.DB().Exec(
		`INSERT INTO companies (id, name, monthly_test_quota) VALUES ('co-1', 'Acme', 100)`)
	require.NoError(t, err)

	led := ledger.NewService(st)
	return &fixture{store: st, ledger: led, manager: NewManager(st, testCfg)}
}

func (f *fixture) seedRun(t *testing.T, status model.RunStatus) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := f.store.DB().Exec(
		`INSERT INTO test_runs (id, company_id, url, mission, mode, status, cost, created_at, updated_at) VALUES (?, 'co-1', 'https://acme.test', 'sign up', 'ai', ?, 5.0, ?, ?)`,
		id, string(status), now, now)
	require.NoError(t, err)
	return id
}

func TestManager_Open(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.seedRun(t, model.RunStatusCompleted)

	d, err := f.manager.Open(ctx, runID, "the checkout flow clearly broke")
	require.NoError(t, err)
	assert.Equal(t, model.DisputeStatusPending, d.Status)
	assert.InDelta(t, 10.0, d.CreditsGranted, 0.001)

	// The run moved to disputed and the credits landed in the ledger.
	run, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDisputed, run.Status)

	balance, err := f.ledger.Balance(ctx, "co-1")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, balance, 0.001)

	history, err := f.ledger.History(ctx, "co-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.LedgerBonus, history[0].Reason)
	assert.Equal(t, d.ID, history[0].RefID)
}

func TestManager_Open_RequiresCompletedRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, status := range []model.RunStatus{
		model.RunStatusQueued, model.RunStatusRunning, model.RunStatusFailed,
	} {
		runID := f.seedRun(t, status)
		_, err := f.manager.Open(ctx, runID, "bad verdict")
		require.Error(t, err, "status %s", status)
	}
}

func TestManager_Open_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.seedRun(t, model.RunStatusCompleted)

	_, err := f.manager.Open(ctx, runID, "first challenge")
	require.NoError(t, err)

	_, err = f.manager.Open(ctx, runID, "second challenge")
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrDuplicateDispute))

	// The rejected open granted nothing.
	balance, err := f.ledger.Balance(ctx, "co-1")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, balance, 0.001)
}

func TestManager_Open_MissingRun(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Open(context.Background(), "no-such-run", "why")
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrNotFound))
}

func TestManager_Resolve_AICorrect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.seedRun(t, model.RunStatusCompleted)
	d, err := f.manager.Open(ctx, runID, "looks wrong to us")
	require.NoError(t, err)

	res, err := f.manager.Resolve(ctx, d.ID, true, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAICorrect, res.Outcome)
	assert.True(t, res.AIWasCorrect)
	assert.InDelta(t, 5.0, res.PenaltyFee, 0.001)
	assert.InDelta(t, 0.0, res.RefundAmount, 0.001)

	// +10 grant at open, then -ceil(5/1.5) = -4 penalty credits.
	balance, err := f.ledger.Balance(ctx, "co-1")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, balance, 0.001)

	history, err := f.ledger.History(ctx, "co-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.LedgerPenalty, history[1].Reason)
	assert.InDelta(t, -4.0, history[1].Amount, 0.001)

	run, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusResolved, run.Status)
}

func TestManager_Resolve_AIWrong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.seedRun(t, model.RunStatusCompleted)
	d, err := f.manager.Open(ctx, runID, "the AI missed a broken form")
	require.NoError(t, err)

	findings := []model.Finding{
		{Title: "Broken signup form", Description: "Submit button does nothing on mobile", Severity: "critical", Category: "functional"},
		{Title: "Misleading pricing copy", Severity: "medium", Category: "content"},
	}
	res, err := f.manager.Resolve(ctx, d.ID, false, findings)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAIWrong, res.Outcome)
	assert.False(t, res.AIWasCorrect)
	assert.InDelta(t, 10.0, res.RefundAmount, 0.001)
	assert.InDelta(t, 0.0, res.PenaltyFee, 0.001)

	// +10 grant, +10 refund.
	balance, err := f.ledger.Balance(ctx, "co-1")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, balance, 0.001)

	history, err := f.ledger.History(ctx, "co-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.LedgerRefund, history[1].Reason)

	// Human corrections were captured against the run.
	rows, err := f.store.DB().Query(
		`SELECT content, severity_score, evidence_type FROM human_insights WHERE test_run_id = ? ORDER BY content`, runID)
	require.NoError(t, err)
	defer rows.Close() //nolint:errcheck

	var insights []model.HumanInsight
	for rows.Next() {
		var ins model.HumanInsight
		require.NoError(t, rows.Scan(&ins.Content, &ins.SeverityScore, &ins.EvidenceType))
		insights = append(insights, ins)
	}
	require.NoError(t, rows.Err())
	require.Len(t, insights, 2)
	assert.Equal(t, "Misleading pricing copy", insights[0].Content) // description empty, falls back to title
	assert.Equal(t, "Submit button does nothing on mobile", insights[1].Content)
	for _, ins := range insights {
		assert.Equal(t, 5, ins.SeverityScore)
		assert.Equal(t, "ai_correction", ins.EvidenceType)
	}
}

func TestManager_Resolve_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.seedRun(t, model.RunStatusCompleted)
	d, err := f.manager.Open(ctx, runID, "challenge")
	require.NoError(t, err)

	first, err := f.manager.Resolve(ctx, d.ID, true, nil)
	require.NoError(t, err)

	second, err := f.manager.Resolve(ctx, d.ID, false, []model.Finding{{Title: "ignored"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Outcome, second.Outcome)
	assert.InDelta(t, first.PenaltyFee, second.PenaltyFee, 0.001)
	assert.InDelta(t, first.RefundAmount, second.RefundAmount, 0.001)

	// No second penalty was charged.
	balance, err := f.ledger.Balance(ctx, "co-1")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, balance, 0.001)

	// And the late findings were not stored.
	var count int
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT COUNT(*) FROM human_insights WHERE test_run_id = ?`, runID).Scan(&count))
	assert.Zero(t, count)
}

func TestManager_Resolve_FailureLeavesDisputePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.seedRun(t, model.RunStatusCompleted)
	d, err := f.manager.Open(ctx, runID, "the AI missed a broken form")
	require.NoError(t, err)

	// Sabotage the settlement mid-transaction: the insight insert will fail.
	_, err = f.store.DB().Exec(`DROP TABLE human_insights`)
	require.NoError(t, err)

	findings := []model.Finding{{Title: "Broken signup form", Severity: "critical", Category: "functional"}}
	_, err = f.manager.Resolve(ctx, d.ID, false, findings)
	require.Error(t, err)

	// Nothing moved: the dispute is still pending, the run still disputed,
	// and the ledger holds only the grant from open.
	got, err := f.manager.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DisputeStatusPending, got.Status)

	run, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDisputed, run.Status)

	balance, err := f.ledger.Balance(ctx, "co-1")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, balance, 0.001)

	history, err := f.ledger.History(ctx, "co-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.LedgerBonus, history[0].Reason)

	// With the table back, the same resolve goes through cleanly.
	require.NoError(t, f.store.Migrate(ctx))

	res, err := f.manager.Resolve(ctx, d.ID, false, findings)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAIWrong, res.Outcome)

	balance, err = f.ledger.Balance(ctx, "co-1")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, balance, 0.001)

	run, err = f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusResolved, run.Status)
}

func TestManager_Resolve_UnknownDispute(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Resolve(context.Background(), "no-such-dispute", true, nil)
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrNotFound))
}
