package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/hitlai/testops-cli/internal/db"
	"github.com/hitlai/testops-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig tunes the pgx connection pool. Zero values fall back to
// sensible defaults.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_run":           `SELECT id, company_id, tester_id, url, mission, persona, mode, status, cost, sentiment_score, findings, company_rating, company_feedback, created_at, started_at, completed_at, updated_at FROM test_runs WHERE id = $1`,
	"transition_run":    `UPDATE test_runs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
	"insert_ledger":     `INSERT INTO ledger_entries (id, company_id, amount, reason, ref_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"ledger_balance":    `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE company_id = $1`,
	"get_active_window": `SELECT id, principal, operation, request_count, window_start, window_end FROM rate_windows WHERE principal = $1 AND operation = $2 AND window_end > $3 ORDER BY window_end DESC LIMIT 1`,
	"increment_window":  `UPDATE rate_windows SET request_count = request_count + 1 WHERE id = $1 AND request_count < $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name                  TEXT NOT NULL,
	monthly_test_quota    INTEGER NOT NULL DEFAULT 0,
	tests_used_this_month INTEGER NOT NULL DEFAULT 0,
	phase                 TEXT NOT NULL DEFAULT 'phase1',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS test_runs (
	id               TEXT PRIMARY KEY,
	company_id       TEXT NOT NULL REFERENCES companies(id),
	tester_id        TEXT,
	url              TEXT NOT NULL,
	mission          TEXT NOT NULL,
	persona          TEXT NOT NULL DEFAULT 'casual_user',
	mode             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'created',
	cost             DOUBLE PRECISION NOT NULL,
	sentiment_score  DOUBLE PRECISION,
	findings         JSONB,
	company_rating   INTEGER,
	company_feedback TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL REFERENCES companies(id),
	amount     DOUBLE PRECISION NOT NULL,
	reason     TEXT NOT NULL,
	ref_id     TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_windows (
	id            TEXT PRIMARY KEY,
	principal     TEXT NOT NULL,
	operation     TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 1,
	window_start  TIMESTAMPTZ NOT NULL,
	window_end    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS disputes (
	id              TEXT PRIMARY KEY,
	test_run_id     TEXT NOT NULL REFERENCES test_runs(id),
	company_id      TEXT NOT NULL REFERENCES companies(id),
	reason          TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	credits_granted DOUBLE PRECISION NOT NULL DEFAULT 0,
	outcome         TEXT,
	penalty_fee     DOUBLE PRECISION NOT NULL DEFAULT 0,
	refund_amount   DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS dispute_resolutions (
	id             TEXT PRIMARY KEY,
	dispute_id     TEXT NOT NULL UNIQUE REFERENCES disputes(id),
	outcome        TEXT NOT NULL,
	ai_was_correct BOOLEAN NOT NULL,
	penalty_fee    DOUBLE PRECISION NOT NULL DEFAULT 0,
	refund_amount  DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS human_insights (
	id             TEXT PRIMARY KEY,
	test_run_id    TEXT NOT NULL REFERENCES test_runs(id),
	content        TEXT NOT NULL,
	severity_score INTEGER NOT NULL DEFAULT 5,
	evidence_type  TEXT NOT NULL DEFAULT 'ai_correction',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS testers (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	trust_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	agreement_rate    DOUBLE PRECISION NOT NULL DEFAULT 1,
	tests_completed   INTEGER NOT NULL DEFAULT 0,
	total_earnings    DOUBLE PRECISION NOT NULL DEFAULT 0,
	average_rating    DOUBLE PRECISION NOT NULL DEFAULT 0,
	founding_tier_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS training_examples (
	id                TEXT PRIMARY KEY,
	test_run_id       TEXT NOT NULL UNIQUE REFERENCES test_runs(id),
	tester_id         TEXT,
	company_id        TEXT NOT NULL,
	input             JSONB NOT NULL,
	ai_output         JSONB NOT NULL,
	human_labels      JSONB,
	company_rating    INTEGER,
	is_high_quality   BOOLEAN NOT NULL DEFAULT false,
	human_verified    BOOLEAN NOT NULL DEFAULT false,
	used_for_training BOOLEAN NOT NULL DEFAULT false,
	training_batch_id TEXT,
	model_version     TEXT NOT NULL DEFAULT 'v1',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_test_runs_status ON test_runs(status);
CREATE INDEX IF NOT EXISTS idx_test_runs_company ON test_runs(company_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_company ON ledger_entries(company_id);
CREATE INDEX IF NOT EXISTS idx_rate_windows_lookup ON rate_windows(principal, operation, window_end);
CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_active_run ON disputes(test_run_id) WHERE status != 'resolved';
CREATE INDEX IF NOT EXISTS idx_human_insights_run ON human_insights(test_run_id);
CREATE INDEX IF NOT EXISTS idx_training_examples_tester ON training_examples(tester_id);
CREATE INDEX IF NOT EXISTS idx_training_examples_unused ON training_examples(used_for_training) WHERE NOT used_for_training;
`

// Migrate applies the schema. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// -- test runs --

func (s *PostgresStore) CreateRunConsumingQuota(ctx context.Context, run *model.TestRun, debit *model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: create run: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The quota row update locks the company row, serializing concurrent
	// intake for the same company.
	tag, err := tx.Exec(ctx,
		`UPDATE companies SET tests_used_this_month = tests_used_this_month + 1 WHERE id = $1 AND tests_used_this_month < monthly_test_quota`,
		run.CompanyID)
	if err != nil {
		return eris.Wrap(err, "postgres: create run: consume quota")
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM companies WHERE id = $1`, run.CompanyID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return eris.Wrap(err, "postgres: create run: check company")
		}
		return ErrQuotaExceeded
	}

	findings, err := json.Marshal(run.Findings)
	if err != nil {
		return eris.Wrap(err, "postgres: create run: marshal findings")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO test_runs (id, company_id, tester_id, url, mission, persona, mode, status, cost, findings, created_at, updated_at) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		run.ID, run.CompanyID, run.TesterID, run.URL, run.Mission, run.Persona,
		string(run.Mode), string(model.RunStatusCreated), run.Cost, findings, run.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: create run: insert")
	}

	// Intake admits the run to the queue in the same transaction; the
	// persisted history is created -> queued.
	if _, err := tx.Exec(ctx,
		`UPDATE test_runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(model.RunStatusQueued), run.CreatedAt, run.ID); err != nil {
		return eris.Wrap(err, "postgres: create run: queue")
	}

	if debit != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, company_id, amount, reason, ref_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			debit.ID, debit.CompanyID, debit.Amount, string(debit.Reason), debit.RefID, debit.CreatedAt); err != nil {
			return eris.Wrap(err, "postgres: create run: debit")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: create run: commit")
	}
	run.Status = model.RunStatusQueued
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.TestRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, company_id, tester_id, url, mission, persona, mode, status, cost, sentiment_score, findings, company_rating, company_feedback, created_at, started_at, completed_at, updated_at FROM test_runs WHERE id = $1`,
		runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get run")
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.TestRun, error) {
	q := `SELECT id, company_id, tester_id, url, mission, persona, mode, status, cost, sentiment_score, findings, company_rating, company_feedback, created_at, started_at, completed_at, updated_at FROM test_runs WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		q += ` AND status = $` + itoa(len(args))
	}
	if filter.CompanyID != "" {
		args = append(args, filter.CompanyID)
		q += ` AND company_id = $` + itoa(len(args))
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += ` LIMIT $` + itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += ` OFFSET $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.TestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list runs: scan")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs: rows")
}

func (s *PostgresStore) TransitionRun(ctx context.Context, runID string, from, to model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE test_runs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), runID, string(from))
	if err != nil {
		return eris.Wrap(err, "postgres: transition run")
	}
	if tag.RowsAffected() == 0 {
		return s.runConflictOrMissing(ctx, runID)
	}
	return nil
}

func (s *PostgresStore) MarkRunStarted(ctx context.Context, runID string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE test_runs SET status = $1, started_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(model.RunStatusRunning), startedAt, runID, string(model.RunStatusQueued))
	if err != nil {
		return eris.Wrap(err, "postgres: mark run started")
	}
	if tag.RowsAffected() == 0 {
		return s.runConflictOrMissing(ctx, runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, from model.RunStatus, sentiment float64, findings []model.Finding, completedAt time.Time) error {
	data, err := json.Marshal(findings)
	if err != nil {
		return eris.Wrap(err, "postgres: complete run: marshal findings")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE test_runs SET status = $1, sentiment_score = $2, findings = $3, completed_at = $4, updated_at = $4 WHERE id = $5 AND status = $6`,
		string(model.RunStatusCompleted), sentiment, data, completedAt, runID, string(from))
	if err != nil {
		return eris.Wrap(err, "postgres: complete run")
	}
	if tag.RowsAffected() == 0 {
		return s.runConflictOrMissing(ctx, runID)
	}
	return nil
}

func (s *PostgresStore) SetRunRating(ctx context.Context, runID string, rating int, feedback string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE test_runs SET company_rating = $1, company_feedback = NULLIF($2, ''), updated_at = $3 WHERE id = $4`,
		rating, feedback, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrap(err, "postgres: set run rating")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListStaleRuns(ctx context.Context, statuses []model.RunStatus, olderThan time.Time) ([]model.TestRun, error) {
	ss := make([]string, len(statuses))
	for i, st := range statuses {
		ss[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, tester_id, url, mission, persona, mode, status, cost, sentiment_score, findings, company_rating, company_feedback, created_at, started_at, completed_at, updated_at FROM test_runs WHERE status = ANY($1) AND updated_at < $2`,
		ss, olderThan)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale runs")
	}
	defer rows.Close()

	var runs []model.TestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list stale runs: scan")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list stale runs: rows")
}

func (s *PostgresStore) runConflictOrMissing(ctx context.Context, runID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM test_runs WHERE id = $1`, runID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrap(err, "postgres: check run")
	}
	return ErrStateConflict
}

// -- companies --

func (s *PostgresStore) GetCompany(ctx context.Context, companyID string) (*model.Company, error) {
	var c model.Company
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, monthly_test_quota, tests_used_this_month, phase, created_at FROM companies WHERE id = $1`,
		companyID).Scan(&c.ID, &c.Name, &c.MonthlyTestQuota, &c.TestsUsedThisMonth, &c.Phase, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get company")
	}
	return &c, nil
}

// -- ledger --

func (s *PostgresStore) AppendLedger(ctx context.Context, entry *model.LedgerEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: append ledger: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Per-company serialization: two concurrent appends for the same
	// company queue behind the advisory lock, so neither sees a stale sum.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.CompanyID); err != nil {
		return "", eris.Wrap(err, "postgres: append ledger: lock")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, company_id, amount, reason, ref_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.CompanyID, entry.Amount, string(entry.Reason), entry.RefID, entry.CreatedAt); err != nil {
		return "", eris.Wrap(err, "postgres: append ledger: insert")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: append ledger: commit")
	}
	return entry.ID, nil
}

func (s *PostgresStore) LedgerBalance(ctx context.Context, companyID string) (float64, error) {
	var balance float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE company_id = $1`,
		companyID).Scan(&balance)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: ledger balance")
	}
	return balance, nil
}

func (s *PostgresStore) ListLedger(ctx context.Context, companyID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, amount, reason, ref_id, created_at FROM ledger_entries WHERE company_id = $1 ORDER BY created_at`,
		companyID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger")
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var reason string
		var refID *string
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.Amount, &reason, &refID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: list ledger: scan")
		}
		e.Reason = model.LedgerReason(reason)
		if refID != nil {
			e.RefID = *refID
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list ledger: rows")
}

// -- rate windows --

// ConsumeWindow serializes admission per (principal, operation) behind an
// advisory lock, the same discipline ledger appends use per company. Two
// concurrent requests therefore queue: one opens or increments the window,
// the other sees the updated count. The conditional increment is the final
// guard — it cannot push request_count past max.
func (s *PostgresStore) ConsumeWindow(ctx context.Context, fresh *model.RateWindow, max int) (*model.RateWindow, bool, error) {
	if fresh.ID == "" {
		fresh.ID = uuid.NewString()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: consume window: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		fresh.Principal+"/"+fresh.Operation); err != nil {
		return nil, false, eris.Wrap(err, "postgres: consume window: lock")
	}

	var current model.RateWindow
	var admitted bool
	err = tx.QueryRow(ctx,
		`SELECT id, principal, operation, request_count, window_start, window_end FROM rate_windows WHERE principal = $1 AND operation = $2 AND window_end > $3 ORDER BY window_end DESC LIMIT 1`,
		fresh.Principal, fresh.Operation, fresh.WindowStart).
		Scan(&current.ID, &current.Principal, &current.Operation, &current.Count, &current.WindowStart, &current.WindowEnd)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		fresh.Count = 1
		if _, err := tx.Exec(ctx,
			`INSERT INTO rate_windows (id, principal, operation, request_count, window_start, window_end) VALUES ($1, $2, $3, $4, $5, $6)`,
			fresh.ID, fresh.Principal, fresh.Operation, fresh.Count, fresh.WindowStart, fresh.WindowEnd); err != nil {
			return nil, false, eris.Wrap(err, "postgres: consume window: insert")
		}
		current = *fresh
		admitted = true
	case err != nil:
		return nil, false, eris.Wrap(err, "postgres: consume window: lookup")
	case current.Count < max:
		tag, err := tx.Exec(ctx,
			`UPDATE rate_windows SET request_count = request_count + 1 WHERE id = $1 AND request_count < $2`,
			current.ID, max)
		if err != nil {
			return nil, false, eris.Wrap(err, "postgres: consume window: increment")
		}
		if tag.RowsAffected() > 0 {
			current.Count++
			admitted = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, eris.Wrap(err, "postgres: consume window: commit")
	}
	return &current, admitted, nil
}

func (s *PostgresStore) DeleteExpiredWindows(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_windows WHERE window_end <= $1`, now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired windows")
	}
	return tag.RowsAffected(), nil
}

// -- disputes --

// OpenDispute transitions the run, inserts the dispute, and appends the
// credit grant as one transaction, so a disputed run always carries its
// dispute row and its grant.
func (s *PostgresStore) OpenDispute(ctx context.Context, d *model.Dispute, grant *model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: open dispute: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE test_runs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(model.RunStatusDisputed), d.CreatedAt, d.TestRunID, string(model.RunStatusCompleted))
	if err != nil {
		return eris.Wrap(err, "postgres: open dispute: transition run")
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM test_runs WHERE id = $1`, d.TestRunID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return eris.Wrap(err, "postgres: open dispute: check run")
		}
		if status == string(model.RunStatusDisputed) {
			return ErrDuplicateDispute
		}
		return ErrStateConflict
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO disputes (id, test_run_id, company_id, reason, status, credits_granted, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.TestRunID, d.CompanyID, d.Reason, string(d.Status), d.CreditsGranted, d.CreatedAt); err != nil {
		if isPgUniqueViolation(err) {
			return ErrDuplicateDispute
		}
		return eris.Wrap(err, "postgres: open dispute: insert")
	}

	if grant != nil {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, grant.CompanyID); err != nil {
			return eris.Wrap(err, "postgres: open dispute: lock ledger")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, company_id, amount, reason, ref_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			grant.ID, grant.CompanyID, grant.Amount, string(grant.Reason), grant.RefID, grant.CreatedAt); err != nil {
			return eris.Wrap(err, "postgres: open dispute: grant")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: open dispute: commit")
}

func (s *PostgresStore) GetDispute(ctx context.Context, disputeID string) (*model.Dispute, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, test_run_id, company_id, reason, status, credits_granted, outcome, penalty_fee, refund_amount, created_at, resolved_at FROM disputes WHERE id = $1`,
		disputeID)
	d, err := scanDispute(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get dispute")
	}
	return d, nil
}

func (s *PostgresStore) ListDisputes(ctx context.Context, status model.DisputeStatus, limit int) ([]model.Dispute, error) {
	q := `SELECT id, test_run_id, company_id, reason, status, credits_granted, outcome, penalty_fee, refund_amount, created_at, resolved_at FROM disputes`
	args := []any{}
	if status != "" {
		args = append(args, string(status))
		q += ` WHERE status = $1`
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		q += ` LIMIT $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list disputes")
	}
	defer rows.Close()

	var disputes []model.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list disputes: scan")
		}
		disputes = append(disputes, *d)
	}
	return disputes, eris.Wrap(rows.Err(), "postgres: list disputes: rows")
}

// SettleDispute applies the full settlement atomically. The pending ->
// resolved update doubles as the claim: exactly one transaction moves the
// row, and its money movement and evidence commit or roll back with it.
func (s *PostgresStore) SettleDispute(ctx context.Context, d *model.Dispute, res *model.DisputeResolution, entry *model.LedgerEntry, insights []model.HumanInsight) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: settle dispute: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE disputes SET status = $1, outcome = $2, penalty_fee = $3, refund_amount = $4, resolved_at = $5 WHERE id = $6 AND status = $7`,
		string(model.DisputeStatusResolved), string(res.Outcome), res.PenaltyFee, res.RefundAmount, res.CreatedAt, d.ID, string(model.DisputeStatusPending))
	if err != nil {
		return eris.Wrap(err, "postgres: settle dispute: update")
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM disputes WHERE id = $1`, d.ID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return eris.Wrap(err, "postgres: settle dispute: check")
		}
		return ErrStateConflict
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO dispute_resolutions (id, dispute_id, outcome, ai_was_correct, penalty_fee, refund_amount, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.ID, res.DisputeID, string(res.Outcome), res.AIWasCorrect, res.PenaltyFee, res.RefundAmount, res.CreatedAt); err != nil {
		return eris.Wrap(err, "postgres: settle dispute: insert resolution")
	}

	if entry != nil {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.CompanyID); err != nil {
			return eris.Wrap(err, "postgres: settle dispute: lock ledger")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, company_id, amount, reason, ref_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ID, entry.CompanyID, entry.Amount, string(entry.Reason), entry.RefID, entry.CreatedAt); err != nil {
			return eris.Wrap(err, "postgres: settle dispute: ledger entry")
		}
	}

	for _, ins := range insights {
		if _, err := tx.Exec(ctx,
			`INSERT INTO human_insights (id, test_run_id, content, severity_score, evidence_type, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			ins.ID, ins.TestRunID, ins.Content, ins.SeverityScore, ins.EvidenceType, ins.CreatedAt); err != nil {
			return eris.Wrap(err, "postgres: settle dispute: insight")
		}
	}

	runTag, err := tx.Exec(ctx,
		`UPDATE test_runs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(model.RunStatusResolved), res.CreatedAt, d.TestRunID, string(model.RunStatusDisputed))
	if err != nil {
		return eris.Wrap(err, "postgres: settle dispute: close run")
	}
	if runTag.RowsAffected() == 0 {
		// A pending dispute always holds a disputed run; anything else is
		// divergence we refuse to settle over.
		return eris.Errorf("postgres: settle dispute: run %s is not disputed", d.TestRunID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: settle dispute: commit")
}

func (s *PostgresStore) GetResolution(ctx context.Context, disputeID string) (*model.DisputeResolution, error) {
	var r model.DisputeResolution
	var outcome string
	err := s.pool.QueryRow(ctx,
		`SELECT id, dispute_id, outcome, ai_was_correct, penalty_fee, refund_amount, created_at FROM dispute_resolutions WHERE dispute_id = $1`,
		disputeID).Scan(&r.ID, &r.DisputeID, &outcome, &r.AIWasCorrect, &r.PenaltyFee, &r.RefundAmount, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get resolution")
	}
	r.Outcome = model.DisputeOutcome(outcome)
	return &r, nil
}

// -- testers --

func (s *PostgresStore) GetTester(ctx context.Context, testerID string) (*model.Tester, error) {
	var t model.Tester
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, trust_score, agreement_rate, tests_completed, total_earnings, average_rating, founding_tier_pct, created_at, updated_at FROM testers WHERE id = $1`,
		testerID).Scan(&t.ID, &t.Name, &t.TrustScore, &t.AgreementRate, &t.TestsCompleted,
		&t.TotalEarnings, &t.AverageRating, &t.FoundingTierPct, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get tester")
	}
	return &t, nil
}

func (s *PostgresStore) ApplyTesterPayout(ctx context.Context, testerID string, earnings float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE testers SET tests_completed = tests_completed + 1, total_earnings = total_earnings + $1, updated_at = $2 WHERE id = $3`,
		earnings, time.Now().UTC(), testerID)
	if err != nil {
		return eris.Wrap(err, "postgres: apply tester payout")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateTesterRating(ctx context.Context, testerID string, newAverage float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE testers SET average_rating = $1, updated_at = $2 WHERE id = $3`,
		newAverage, time.Now().UTC(), testerID)
	if err != nil {
		return eris.Wrap(err, "postgres: update tester rating")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AdjustTesterTrust(ctx context.Context, testerID string, delta float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE testers SET trust_score = trust_score + $1, updated_at = $2 WHERE id = $3`,
		delta, time.Now().UTC(), testerID)
	if err != nil {
		return eris.Wrap(err, "postgres: adjust tester trust")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- training corpus --

func (s *PostgresStore) InsertTrainingExample(ctx context.Context, ex *model.TrainingExample) error {
	input, err := json.Marshal(ex.Input)
	if err != nil {
		return eris.Wrap(err, "postgres: training example: marshal input")
	}
	output, err := json.Marshal(ex.AIOutput)
	if err != nil {
		return eris.Wrap(err, "postgres: training example: marshal output")
	}
	var labels []byte
	if ex.HumanLabels != nil {
		labels, err = json.Marshal(ex.HumanLabels)
		if err != nil {
			return eris.Wrap(err, "postgres: training example: marshal labels")
		}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO training_examples (id, test_run_id, tester_id, company_id, input, ai_output, human_labels, company_rating, is_high_quality, human_verified, used_for_training, model_version, created_at) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, false, $11, $12)`,
		ex.ID, ex.TestRunID, ex.TesterID, ex.CompanyID, input, output, labels,
		ex.CompanyRating, ex.HighQuality, ex.HumanVerified, ex.ModelVersion, ex.CreatedAt)
	return eris.Wrap(err, "postgres: insert training example")
}

func (s *PostgresStore) GetTrainingExampleByRun(ctx context.Context, runID string) (*model.TrainingExample, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, test_run_id, tester_id, company_id, input, ai_output, human_labels, company_rating, is_high_quality, human_verified, used_for_training, training_batch_id, model_version, created_at FROM training_examples WHERE test_run_id = $1`,
		runID)
	ex, err := scanExample(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get training example")
	}
	return ex, nil
}

func (s *PostgresStore) TesterContributions(ctx context.Context, testerID string) (model.ContributionStats, error) {
	var stats model.ContributionStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_high_quality), COUNT(*) FILTER (WHERE human_verified) FROM training_examples WHERE tester_id = $1`,
		testerID).Scan(&stats.Total, &stats.HighQuality, &stats.HumanVerified)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: tester contributions")
	}
	return stats, nil
}

func (s *PostgresStore) TrainingStats(ctx context.Context) (model.TrainingStats, error) {
	var stats model.TrainingStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_high_quality), COUNT(*) FILTER (WHERE human_verified), COUNT(*) FILTER (WHERE is_high_quality AND NOT used_for_training) FROM training_examples`).
		Scan(&stats.Total, &stats.HighQuality, &stats.HumanVerified, &stats.ReadyForTraining)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: training stats")
	}
	return stats, nil
}

func (s *PostgresStore) ListUnusedExamples(ctx context.Context, limit int) ([]model.TrainingExample, error) {
	q := `SELECT id, test_run_id, tester_id, company_id, input, ai_output, human_labels, company_rating, is_high_quality, human_verified, used_for_training, training_batch_id, model_version, created_at FROM training_examples WHERE NOT used_for_training ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		q += ` LIMIT $1`
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unused examples")
	}
	defer rows.Close()

	var examples []model.TrainingExample
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list unused examples: scan")
		}
		examples = append(examples, *ex)
	}
	return examples, eris.Wrap(rows.Err(), "postgres: list unused examples: rows")
}

func (s *PostgresStore) MarkExamplesUsed(ctx context.Context, ids []string, batchID string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE training_examples SET used_for_training = true, training_batch_id = $1 WHERE id = ANY($2)`,
		batchID, ids)
	return eris.Wrap(err, "postgres: mark examples used")
}

func (s *PostgresStore) AddHumanVerification(ctx context.Context, runID string, labels *model.HumanLabels) error {
	data, err := json.Marshal(labels)
	if err != nil {
		return eris.Wrap(err, "postgres: human verification: marshal")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE training_examples SET human_labels = $1, human_verified = true WHERE test_run_id = $2`,
		data, runID)
	if err != nil {
		return eris.Wrap(err, "postgres: add human verification")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- scan helpers --

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.TestRun, error) {
	var run model.TestRun
	var testerID, feedback *string
	var mode, status string
	var rating *int
	var findings []byte
	err := row.Scan(&run.ID, &run.CompanyID, &testerID, &run.URL, &run.Mission, &run.Persona,
		&mode, &status, &run.Cost, &run.SentimentScore, &findings, &rating, &feedback,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Mode = model.Mode(mode)
	run.Status = model.RunStatus(status)
	if testerID != nil {
		run.TesterID = *testerID
	}
	if rating != nil {
		run.CompanyRating = *rating
	}
	if feedback != nil {
		run.CompanyFeedback = *feedback
	}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &run.Findings); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

func scanDispute(row rowScanner) (*model.Dispute, error) {
	var d model.Dispute
	var status string
	var outcome *string
	err := row.Scan(&d.ID, &d.TestRunID, &d.CompanyID, &d.Reason, &status, &d.CreditsGranted,
		&outcome, &d.PenaltyFee, &d.RefundAmount, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = model.DisputeStatus(status)
	if outcome != nil {
		d.Outcome = model.DisputeOutcome(*outcome)
	}
	return &d, nil
}

func scanExample(row rowScanner) (*model.TrainingExample, error) {
	var ex model.TrainingExample
	var testerID, batchID *string
	var rating *int
	var input, output, labels []byte
	err := row.Scan(&ex.ID, &ex.TestRunID, &testerID, &ex.CompanyID, &input, &output, &labels,
		&rating, &ex.HighQuality, &ex.HumanVerified, &ex.UsedForTraining, &batchID,
		&ex.ModelVersion, &ex.CreatedAt)
	if err != nil {
		return nil, err
	}
	if testerID != nil {
		ex.TesterID = *testerID
	}
	if batchID != nil {
		ex.BatchID = *batchID
	}
	if rating != nil {
		ex.CompanyRating = *rating
	}
	if err := json.Unmarshal(input, &ex.Input); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(output, &ex.AIOutput); err != nil {
		return nil, err
	}
	if len(labels) > 0 {
		ex.HumanLabels = &model.HumanLabels{}
		if err := json.Unmarshal(labels, ex.HumanLabels); err != nil {
			return nil, err
		}
	}
	return &ex, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
