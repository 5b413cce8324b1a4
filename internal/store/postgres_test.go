package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitlai/testops-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, company_id, tester_id, .* FROM test_runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCompany(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, name, monthly_test_quota, tests_used_this_month, phase, created_at FROM companies`).
		WithArgs("co-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "monthly_test_quota", "tests_used_this_month", "phase", "created_at"}).
			AddRow("co-1", "Acme", 50, 12, "phase2", now))

	c, err := s.GetCompany(context.Background(), "co-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", c.Name)
	assert.Equal(t, 50, c.MonthlyTestQuota)
	assert.Equal(t, 12, c.TestsUsedThisMonth)
	assert.Equal(t, "phase2", c.Phase)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRunConsumingQuota_QuotaExceeded(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE companies SET tests_used_this_month = tests_used_this_month \+ 1`).
		WithArgs("co-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM companies WHERE id = \$1`).
		WithArgs("co-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	run := &model.TestRun{ID: "run-1", CompanyID: "co-1", URL: "https://acme.com", Mission: "checkout flow", Mode: model.ModeAI, Cost: 5, CreatedAt: time.Now().UTC()}
	err := s.CreateRunConsumingQuota(context.Background(), run, nil)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRunConsumingQuota_UnknownCompany(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE companies SET tests_used_this_month`).
		WithArgs("ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM companies WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	run := &model.TestRun{ID: "run-1", CompanyID: "ghost", Mode: model.ModeAI, CreatedAt: time.Now().UTC()}
	err := s.CreateRunConsumingQuota(context.Background(), run, nil)
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRunConsumingQuota_WithDebit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE companies SET tests_used_this_month`).
		WithArgs("co-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO test_runs`).
		WithArgs("run-1", "co-1", "", "https://acme.com", "checkout flow", "casual_user",
			"ai", "created", 5.0, pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE test_runs SET status = \$1`).
		WithArgs("queued", now, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs("le-1", "co-1", -5.0, "quota_debit", "run-1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	run := &model.TestRun{ID: "run-1", CompanyID: "co-1", URL: "https://acme.com", Mission: "checkout flow", Persona: "casual_user", Mode: model.ModeAI, Cost: 5, CreatedAt: now}
	debit := &model.LedgerEntry{ID: "le-1", CompanyID: "co-1", Amount: -5, Reason: model.LedgerQuotaDebit, RefID: "run-1", CreatedAt: now}

	require.NoError(t, s.CreateRunConsumingQuota(context.Background(), run, debit))
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionRun_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE test_runs SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("disputed", pgxmock.AnyArg(), "run-1", "completed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM test_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	err := s.TransitionRun(context.Background(), "run-1", model.RunStatusCompleted, model.RunStatusDisputed)
	require.ErrorIs(t, err, ErrStateConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionRun_MissingRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE test_runs SET status`).
		WithArgs("running", pgxmock.AnyArg(), "ghost", "queued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM test_runs WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	err := s.TransitionRun(context.Background(), "ghost", model.RunStatusQueued, model.RunStatusRunning)
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE test_runs SET status = \$1, sentiment_score = \$2, findings = \$3`).
		WithArgs("completed", 0.82, pgxmock.AnyArg(), now, "run-1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	findings := []model.Finding{{Title: "Broken checkout CTA", Severity: "high"}}
	require.NoError(t, s.CompleteRun(context.Background(), "run-1", model.RunStatusRunning, 0.82, findings, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendLedger_AdvisoryLock(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("co-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs("le-1", "co-1", 10.0, "bonus", "dispute-1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, err := s.AppendLedger(context.Background(), &model.LedgerEntry{
		ID: "le-1", CompanyID: "co-1", Amount: 10, Reason: model.LedgerBonus, RefID: "dispute-1", CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, "le-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LedgerBalance(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries`).
		WithArgs("co-1").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(37.5))

	balance, err := s.LedgerBalance(context.Background(), "co-1")
	require.NoError(t, err)
	assert.InDelta(t, 37.5, balance, 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConsumeWindow_OpensFresh(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	end := now.Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("co-1/start_execution").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT id, principal, operation, request_count, window_start, window_end FROM rate_windows`).
		WithArgs("co-1", "start_execution", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO rate_windows`).
		WithArgs(pgxmock.AnyArg(), "co-1", "start_execution", 1, now, end).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	fresh := &model.RateWindow{Principal: "co-1", Operation: "start_execution", WindowStart: now, WindowEnd: end}
	w, admitted, err := s.ConsumeWindow(context.Background(), fresh, 10)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 1, w.Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConsumeWindow_DeniesAtCeiling(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	end := now.Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("co-1/start_execution").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT id, principal, operation, request_count, window_start, window_end FROM rate_windows`).
		WithArgs("co-1", "start_execution", now).
		WillReturnRows(pgxmock.NewRows([]string{"id", "principal", "operation", "request_count", "window_start", "window_end"}).
			AddRow("w-1", "co-1", "start_execution", 10, now.Add(-time.Minute), end))
	// No increment: the window is full, so the commit writes nothing.
	mock.ExpectCommit()

	fresh := &model.RateWindow{Principal: "co-1", Operation: "start_execution", WindowStart: now, WindowEnd: end}
	w, admitted, err := s.ConsumeWindow(context.Background(), fresh, 10)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 10, w.Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OpenDispute(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE test_runs SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("disputed", now, "run-1", "completed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO disputes`).
		WithArgs("disp-1", "run-1", "co-1", "AI missed a broken flow", "pending", 10.0, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("co-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs("le-1", "co-1", 10.0, "bonus", "disp-1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	d := &model.Dispute{
		ID: "disp-1", TestRunID: "run-1", CompanyID: "co-1",
		Reason: "AI missed a broken flow", Status: model.DisputeStatusPending,
		CreditsGranted: 10, CreatedAt: now,
	}
	grant := &model.LedgerEntry{ID: "le-1", CompanyID: "co-1", Amount: 10, Reason: model.LedgerBonus, RefID: "disp-1", CreatedAt: now}
	require.NoError(t, s.OpenDispute(context.Background(), d, grant))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OpenDispute_AlreadyDisputed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE test_runs SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("disputed", now, "run-1", "completed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM test_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("disputed"))
	mock.ExpectRollback()

	d := &model.Dispute{ID: "disp-2", TestRunID: "run-1", CompanyID: "co-1", Reason: "again", Status: model.DisputeStatusPending, CreatedAt: now}
	err := s.OpenDispute(context.Background(), d, nil)
	require.ErrorIs(t, err, ErrDuplicateDispute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SettleDispute(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE disputes SET status = \$1, outcome = \$2`).
		WithArgs("resolved", "ai_wrong", 0.0, 10.0, now, "disp-1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO dispute_resolutions`).
		WithArgs("res-1", "disp-1", "ai_wrong", false, 0.0, 10.0, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("co-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs("le-1", "co-1", 10.0, "refund", "disp-1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO human_insights`).
		WithArgs("ins-1", "run-1", "checkout button dead on mobile", 5, "ai_correction", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE test_runs SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("resolved", now, "run-1", "disputed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	d := &model.Dispute{ID: "disp-1", TestRunID: "run-1", CompanyID: "co-1"}
	res := &model.DisputeResolution{ID: "res-1", DisputeID: "disp-1", Outcome: model.OutcomeAIWrong, AIWasCorrect: false, RefundAmount: 10, CreatedAt: now}
	refund := &model.LedgerEntry{ID: "le-1", CompanyID: "co-1", Amount: 10, Reason: model.LedgerRefund, RefID: "disp-1", CreatedAt: now}
	insights := []model.HumanInsight{{ID: "ins-1", TestRunID: "run-1", Content: "checkout button dead on mobile", SeverityScore: 5, EvidenceType: "ai_correction", CreatedAt: now}}
	require.NoError(t, s.SettleDispute(context.Background(), d, res, refund, insights))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SettleDispute_LostRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE disputes SET status = \$1, outcome = \$2`).
		WithArgs("resolved", "ai_correct", 5.0, 0.0, now, "disp-1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM disputes WHERE id = \$1`).
		WithArgs("disp-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	d := &model.Dispute{ID: "disp-1", TestRunID: "run-1"}
	res := &model.DisputeResolution{ID: "res-2", DisputeID: "disp-1", Outcome: model.OutcomeAICorrect, AIWasCorrect: true, PenaltyFee: 5, CreatedAt: now}
	err := s.SettleDispute(context.Background(), d, res, nil, nil)
	require.ErrorIs(t, err, ErrStateConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyTesterPayout_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE testers SET tests_completed = tests_completed \+ 1`).
		WithArgs(17.25, pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.ApplyTesterPayout(context.Background(), "ghost", 17.25)
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TrainingStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(\*\) FILTER`).
		WillReturnRows(pgxmock.NewRows([]string{"total", "high_quality", "human_verified", "ready"}).
			AddRow(120, 48, 30, 41))

	stats, err := s.TrainingStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, stats.Total)
	assert.Equal(t, 48, stats.HighQuality)
	assert.Equal(t, 30, stats.HumanVerified)
	assert.Equal(t, 41, stats.ReadyForTraining)
	assert.NoError(t, mock.ExpectationsWereMet())
}
