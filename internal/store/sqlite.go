package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/hitlai/testops-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serves local
// development and the e2e tests; production runs on Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for test seeding.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	monthly_test_quota    INTEGER NOT NULL DEFAULT 0,
	tests_used_this_month INTEGER NOT NULL DEFAULT 0,
	phase                 TEXT NOT NULL DEFAULT 'phase1',
	created_at            DATETIME NOT NULL DEFAULT (datetime('now'))
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
	cost             REAL NOT NULL,
	sentiment_score  REAL,
	findings         TEXT,
	company_rating   INTEGER,
	company_feedback TEXT,
	created_at       DATETIME NOT NULL,
	started_at       DATETIME,
	completed_at     DATETIME,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL REFERENCES companies(id),
	amount     REAL NOT NULL,
	reason     TEXT NOT NULL,
	ref_id     TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_windows (
	id            TEXT PRIMARY KEY,
	principal     TEXT NOT NULL,
	operation     TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 1,
	window_start  DATETIME NOT NULL,
	window_end    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS disputes (
	id              TEXT PRIMARY KEY,
	test_run_id     TEXT NOT NULL REFERENCES test_runs(id),
	company_id      TEXT NOT NULL REFERENCES companies(id),
	reason          TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	credits_granted REAL NOT NULL DEFAULT 0,
	outcome         TEXT,
	penalty_fee     REAL NOT NULL DEFAULT 0,
	refund_amount   REAL NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	resolved_at     DATETIME
);

CREATE TABLE IF NOT EXISTS dispute_resolutions (
	id             TEXT PRIMARY KEY,
	dispute_id     TEXT NOT NULL UNIQUE REFERENCES disputes(id),
	outcome        TEXT NOT NULL,
	ai_was_correct INTEGER NOT NULL,
	penalty_fee    REAL NOT NULL DEFAULT 0,
	refund_amount  REAL NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS human_insights (
	id             TEXT PRIMARY KEY,
	test_run_id    TEXT NOT NULL REFERENCES test_runs(id),
	content        TEXT NOT NULL,
	severity_score INTEGER NOT NULL DEFAULT 5,
	evidence_type  TEXT NOT NULL DEFAULT 'ai_correction',
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS testers (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	trust_score       REAL NOT NULL DEFAULT 0,
	agreement_rate    REAL NOT NULL DEFAULT 1,
	tests_completed   INTEGER NOT NULL DEFAULT 0,
	total_earnings    REAL NOT NULL DEFAULT 0,
	average_rating    REAL NOT NULL DEFAULT 0,
	founding_tier_pct REAL NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS training_examples (
	id                TEXT PRIMARY KEY,
	test_run_id       TEXT NOT NULL UNIQUE REFERENCES test_runs(id),
	tester_id         TEXT,
	company_id        TEXT NOT NULL,
	input             TEXT NOT NULL,
	ai_output         TEXT NOT NULL,
	human_labels      TEXT,
	company_rating    INTEGER,
	is_high_quality   INTEGER NOT NULL DEFAULT 0,
	human_verified    INTEGER NOT NULL DEFAULT 0,
	used_for_training INTEGER NOT NULL DEFAULT 0,
	training_batch_id TEXT,
	model_version     TEXT NOT NULL DEFAULT 'v1',
	created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_test_runs_status ON test_runs(status);
CREATE INDEX IF NOT EXISTS idx_test_runs_company ON test_runs(company_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_company ON ledger_entries(company_id);
CREATE INDEX IF NOT EXISTS idx_rate_windows_lookup ON rate_windows(principal, operation, window_end);
CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_active_run ON disputes(test_run_id) WHERE status != 'resolved';
CREATE INDEX IF NOT EXISTS idx_human_insights_run ON human_insights(test_run_id);
CREATE INDEX IF NOT EXISTS idx_training_examples_tester ON training_examples(tester_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// immediateTx runs fn inside a BEGIN IMMEDIATE transaction on a dedicated
// connection. SQLite has a single writer; taking the write lock up front
// avoids busy-loop upgrades when two multi-statement writes race.
func (s *SQLiteStore) immediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return eris.Wrap(err, "sqlite: acquire conn")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return eris.Wrap(err, "sqlite: begin immediate")
	}
	if err := fn(conn); err != nil {
		conn.ExecContext(ctx, "ROLLBACK") //nolint:errcheck
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		conn.ExecContext(ctx, "ROLLBACK") //nolint:errcheck
		return eris.Wrap(err, "sqlite: commit")
	}
	return nil
}

// -- test runs --

func (s *SQLiteStore) CreateRunConsumingQuota(ctx context.Context, run *model.TestRun, debit *model.LedgerEntry) error {
	err := s.immediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE companies SET tests_used_this_month = tests_used_this_month + 1 WHERE id = ? AND tests_used_this_month < monthly_test_quota`,
			run.CompanyID)
		if err != nil {
			return eris.Wrap(err, "sqlite: create run: consume quota")
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var one int
			err := conn.QueryRowContext(ctx, `SELECT 1 FROM companies WHERE id = ?`, run.CompanyID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return eris.Wrap(err, "sqlite: create run: check company")
			}
			return ErrQuotaExceeded
		}

		findings, err := json.Marshal(run.Findings)
		if err != nil {
			return eris.Wrap(err, "sqlite: create run: marshal findings")
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO test_runs (id, company_id, tester_id, url, mission, persona, mode, status, cost, findings, created_at, updated_at) VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.CompanyID, run.TesterID, run.URL, run.Mission, run.Persona,
			string(run.Mode), string(model.RunStatusQueued), run.Cost, string(findings),
			run.CreatedAt, run.CreatedAt); err != nil {
			return eris.Wrap(err, "sqlite: create run: insert")
		}

		if debit != nil {
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO ledger_entries (id, company_id, amount, reason, ref_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				debit.ID, debit.CompanyID, debit.Amount, string(debit.Reason), debit.RefID, debit.CreatedAt); err != nil {
				return eris.Wrap(err, "sqlite: create run: debit")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	run.Status = model.RunStatusQueued
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.TestRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, tester_id, url, mission, persona, mode, status, cost, sentiment_score, findings, company_rating, company_feedback, created_at, started_at, completed_at, updated_at FROM test_runs WHERE id = ?`,
		runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get run")
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.TestRun, error) {
	q := `SELECT id, company_id, tester_id, url, mission, persona, mode, status, cost, sentiment_score, findings, company_rating, company_feedback, created_at, started_at, completed_at, updated_at FROM test_runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CompanyID != "" {
		q += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		q += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.TestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list runs: scan")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs: rows")
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, runID string, from, to model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), runID, string(from))
	if err != nil {
		return eris.Wrap(err, "sqlite: transition run")
	}
	return s.runCASResult(ctx, res, runID)
}

func (s *SQLiteStore) MarkRunStarted(ctx context.Context, runID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_runs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.RunStatusRunning), startedAt, startedAt, runID, string(model.RunStatusQueued))
	if err != nil {
		return eris.Wrap(err, "sqlite: mark run started")
	}
	return s.runCASResult(ctx, res, runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, from model.RunStatus, sentiment float64, findings []model.Finding, completedAt time.Time) error {
	data, err := json.Marshal(findings)
	if err != nil {
		return eris.Wrap(err, "sqlite: complete run: marshal findings")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_runs SET status = ?, sentiment_score = ?, findings = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.RunStatusCompleted), sentiment, string(data), completedAt, completedAt, runID, string(from))
	if err != nil {
		return eris.Wrap(err, "sqlite: complete run")
	}
	return s.runCASResult(ctx, res, runID)
}

func (s *SQLiteStore) SetRunRating(ctx context.Context, runID string, rating int, feedback string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_runs SET company_rating = ?, company_feedback = NULLIF(?, ''), updated_at = ? WHERE id = ?`,
		rating, feedback, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrap(err, "sqlite: set run rating")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListStaleRuns(ctx context.Context, statuses []model.RunStatus, olderThan time.Time) ([]model.TestRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, olderThan)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, tester_id, url, mission, persona, mode, status, cost, sentiment_score, findings, company_rating, company_feedback, created_at, started_at, completed_at, updated_at FROM test_runs WHERE status IN (`+strings.Join(placeholders, ",")+`) AND updated_at < ?`,
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale runs")
	}
	defer rows.Close()

	var runs []model.TestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list stale runs: scan")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list stale runs: rows")
}

func (s *SQLiteStore) runCASResult(ctx context.Context, res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM test_runs WHERE id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: check run")
	}
	return ErrStateConflict
}

// -- companies --

func (s *SQLiteStore) GetCompany(ctx context.Context, companyID string) (*model.Company, error) {
	var c model.Company
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, monthly_test_quota, tests_used_this_month, phase, created_at FROM companies WHERE id = ?`,
		companyID).Scan(&c.ID, &c.Name, &c.MonthlyTestQuota, &c.TestsUsedThisMonth, &c.Phase, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get company")
	}
	return &c, nil
}

// -- ledger --

func (s *SQLiteStore) AppendLedger(ctx context.Context, entry *model.LedgerEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	err := s.immediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, company_id, amount, reason, ref_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.CompanyID, entry.Amount, string(entry.Reason), entry.RefID, entry.CreatedAt)
		return eris.Wrap(err, "sqlite: append ledger")
	})
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (s *SQLiteStore) LedgerBalance(ctx context.Context, companyID string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE company_id = ?`,
		companyID).Scan(&balance)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: ledger balance")
	}
	return balance, nil
}

func (s *SQLiteStore) ListLedger(ctx context.Context, companyID string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, amount, reason, ref_id, created_at FROM ledger_entries WHERE company_id = ? ORDER BY created_at`,
		companyID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger")
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var reason string
		var refID sql.NullString
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.Amount, &reason, &refID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: list ledger: scan")
		}
		e.Reason = model.LedgerReason(reason)
		e.RefID = refID.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list ledger: rows")
}

// -- rate windows --

// ConsumeWindow runs the whole check-and-count inside one BEGIN IMMEDIATE
// transaction: the write lock taken at begin keeps two racing requests from
// both reading the same count and both incrementing past max.
func (s *SQLiteStore) ConsumeWindow(ctx context.Context, fresh *model.RateWindow, max int) (*model.RateWindow, bool, error) {
	if fresh.ID == "" {
		fresh.ID = uuid.NewString()
	}
	var current model.RateWindow
	var admitted bool
	err := s.immediateTx(ctx, func(conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx,
			`SELECT id, principal, operation, request_count, window_start, window_end FROM rate_windows WHERE principal = ? AND operation = ? AND window_end > ? ORDER BY window_end DESC LIMIT 1`,
			fresh.Principal, fresh.Operation, fresh.WindowStart).
			Scan(&current.ID, &current.Principal, &current.Operation, &current.Count, &current.WindowStart, &current.WindowEnd)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			fresh.Count = 1
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO rate_windows (id, principal, operation, request_count, window_start, window_end) VALUES (?, ?, ?, ?, ?, ?)`,
				fresh.ID, fresh.Principal, fresh.Operation, fresh.Count, fresh.WindowStart, fresh.WindowEnd); err != nil {
				return eris.Wrap(err, "sqlite: consume window: insert")
			}
			current = *fresh
			admitted = true
			return nil
		case err != nil:
			return eris.Wrap(err, "sqlite: consume window: lookup")
		}

		if current.Count >= max {
			return nil
		}
		if _, err := conn.ExecContext(ctx,
			`UPDATE rate_windows SET request_count = request_count + 1 WHERE id = ? AND request_count < ?`,
			current.ID, max); err != nil {
			return eris.Wrap(err, "sqlite: consume window: increment")
		}
		current.Count++
		admitted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &current, admitted, nil
}

func (s *SQLiteStore) DeleteExpiredWindows(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_windows WHERE window_end <= ?`, now)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired windows")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// -- disputes --

// OpenDispute transitions the run, inserts the dispute, and appends the
// credit grant as one write. A failure on any step rolls back all of them,
// so a disputed run always has its dispute row and its grant.
func (s *SQLiteStore) OpenDispute(ctx context.Context, d *model.Dispute, grant *model.LedgerEntry) error {
	return s.immediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE test_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.RunStatusDisputed), d.CreatedAt, d.TestRunID, string(model.RunStatusCompleted))
		if err != nil {
			return eris.Wrap(err, "sqlite: open dispute: transition run")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var status string
			err := conn.QueryRowContext(ctx, `SELECT status FROM test_runs WHERE id = ?`, d.TestRunID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return eris.Wrap(err, "sqlite: open dispute: check run")
			}
			if status == string(model.RunStatusDisputed) {
				return ErrDuplicateDispute
			}
			return ErrStateConflict
		}

		if _, err := conn.ExecContext(ctx,
			`INSERT INTO disputes (id, test_run_id, company_id, reason, status, credits_granted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.TestRunID, d.CompanyID, d.Reason, string(d.Status), d.CreditsGranted, d.CreatedAt); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrDuplicateDispute
			}
			return eris.Wrap(err, "sqlite: open dispute: insert")
		}

		if grant != nil {
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO ledger_entries (id, company_id, amount, reason, ref_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				grant.ID, grant.CompanyID, grant.Amount, string(grant.Reason), grant.RefID, grant.CreatedAt); err != nil {
				return eris.Wrap(err, "sqlite: open dispute: grant")
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetDispute(ctx context.Context, disputeID string) (*model.Dispute, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, test_run_id, company_id, reason, status, credits_granted, outcome, penalty_fee, refund_amount, created_at, resolved_at FROM disputes WHERE id = ?`,
		disputeID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get dispute")
	}
	return d, nil
}

func (s *SQLiteStore) ListDisputes(ctx context.Context, status model.DisputeStatus, limit int) ([]model.Dispute, error) {
	q := `SELECT id, test_run_id, company_id, reason, status, credits_granted, outcome, penalty_fee, refund_amount, created_at, resolved_at FROM disputes`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list disputes")
	}
	defer rows.Close()

	var disputes []model.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list disputes: scan")
		}
		disputes = append(disputes, *d)
	}
	return disputes, eris.Wrap(rows.Err(), "sqlite: list disputes: rows")
}

// SettleDispute applies the full settlement atomically. The pending ->
// resolved update doubles as the claim: exactly one caller's transaction
// moves the row, and everything else it wrote commits or rolls back with it.
func (s *SQLiteStore) SettleDispute(ctx context.Context, d *model.Dispute, res *model.DisputeResolution, entry *model.LedgerEntry, insights []model.HumanInsight) error {
	return s.immediateTx(ctx, func(conn *sql.Conn) error {
		upd, err := conn.ExecContext(ctx,
			`UPDATE disputes SET status = ?, outcome = ?, penalty_fee = ?, refund_amount = ?, resolved_at = ? WHERE id = ? AND status = ?`,
			string(model.DisputeStatusResolved), string(res.Outcome), res.PenaltyFee, res.RefundAmount, res.CreatedAt, d.ID, string(model.DisputeStatusPending))
		if err != nil {
			return eris.Wrap(err, "sqlite: settle dispute: update")
		}
		if n, _ := upd.RowsAffected(); n == 0 {
			var one int
			err := conn.QueryRowContext(ctx, `SELECT 1 FROM disputes WHERE id = ?`, d.ID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return eris.Wrap(err, "sqlite: settle dispute: check")
			}
			return ErrStateConflict
		}

		if _, err := conn.ExecContext(ctx,
			`INSERT INTO dispute_resolutions (id, dispute_id, outcome, ai_was_correct, penalty_fee, refund_amount, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			res.ID, res.DisputeID, string(res.Outcome), res.AIWasCorrect, res.PenaltyFee, res.RefundAmount, res.CreatedAt); err != nil {
			return eris.Wrap(err, "sqlite: settle dispute: insert resolution")
		}

		if entry != nil {
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO ledger_entries (id, company_id, amount, reason, ref_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				entry.ID, entry.CompanyID, entry.Amount, string(entry.Reason), entry.RefID, entry.CreatedAt); err != nil {
				return eris.Wrap(err, "sqlite: settle dispute: ledger entry")
			}
		}

		for _, ins := range insights {
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO human_insights (id, test_run_id, content, severity_score, evidence_type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				ins.ID, ins.TestRunID, ins.Content, ins.SeverityScore, ins.EvidenceType, ins.CreatedAt); err != nil {
				return eris.Wrap(err, "sqlite: settle dispute: insight")
			}
		}

		run, err := conn.ExecContext(ctx,
			`UPDATE test_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.RunStatusResolved), res.CreatedAt, d.TestRunID, string(model.RunStatusDisputed))
		if err != nil {
			return eris.Wrap(err, "sqlite: settle dispute: close run")
		}
		if n, _ := run.RowsAffected(); n == 0 {
			// A pending dispute always holds a disputed run; anything else
			// is divergence we refuse to settle over.
			return eris.Errorf("sqlite: settle dispute: run %s is not disputed", d.TestRunID)
		}
		return nil
	})
}

func (s *SQLiteStore) GetResolution(ctx context.Context, disputeID string) (*model.DisputeResolution, error) {
	var r model.DisputeResolution
	var outcome string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, dispute_id, outcome, ai_was_correct, penalty_fee, refund_amount, created_at FROM dispute_resolutions WHERE dispute_id = ?`,
		disputeID).Scan(&r.ID, &r.DisputeID, &outcome, &r.AIWasCorrect, &r.PenaltyFee, &r.RefundAmount, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get resolution")
	}
	r.Outcome = model.DisputeOutcome(outcome)
	return &r, nil
}

// -- testers --

func (s *SQLiteStore) GetTester(ctx context.Context, testerID string) (*model.Tester, error) {
	var t model.Tester
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, trust_score, agreement_rate, tests_completed, total_earnings, average_rating, founding_tier_pct, created_at, updated_at FROM testers WHERE id = ?`,
		testerID).Scan(&t.ID, &t.Name, &t.TrustScore, &t.AgreementRate, &t.TestsCompleted,
		&t.TotalEarnings, &t.AverageRating, &t.FoundingTierPct, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get tester")
	}
	return &t, nil
}

func (s *SQLiteStore) ApplyTesterPayout(ctx context.Context, testerID string, earnings float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE testers SET tests_completed = tests_completed + 1, total_earnings = total_earnings + ?, updated_at = ? WHERE id = ?`,
		earnings, time.Now().UTC(), testerID)
	if err != nil {
		return eris.Wrap(err, "sqlite: apply tester payout")
	}
	return checkTesterFound(res)
}

func (s *SQLiteStore) UpdateTesterRating(ctx context.Context, testerID string, newAverage float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE testers SET average_rating = ?, updated_at = ? WHERE id = ?`,
		newAverage, time.Now().UTC(), testerID)
	if err != nil {
		return eris.Wrap(err, "sqlite: update tester rating")
	}
	return checkTesterFound(res)
}

func (s *SQLiteStore) AdjustTesterTrust(ctx context.Context, testerID string, delta float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE testers SET trust_score = trust_score + ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().UTC(), testerID)
	if err != nil {
		return eris.Wrap(err, "sqlite: adjust tester trust")
	}
	return checkTesterFound(res)
}

func checkTesterFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// -- training corpus --

func (s *SQLiteStore) InsertTrainingExample(ctx context.Context, ex *model.TrainingExample) error {
	input, err := json.Marshal(ex.Input)
	if err != nil {
		return eris.Wrap(err, "sqlite: training example: marshal input")
	}
	output, err := json.Marshal(ex.AIOutput)
	if err != nil {
		return eris.Wrap(err, "sqlite: training example: marshal output")
	}
	var labels any
	if ex.HumanLabels != nil {
		data, err := json.Marshal(ex.HumanLabels)
		if err != nil {
			return eris.Wrap(err, "sqlite: training example: marshal labels")
		}
		labels = string(data)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO training_examples (id, test_run_id, tester_id, company_id, input, ai_output, human_labels, company_rating, is_high_quality, human_verified, used_for_training, model_version, created_at) VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		ex.ID, ex.TestRunID, ex.TesterID, ex.CompanyID, string(input), string(output), labels,
		ex.CompanyRating, ex.HighQuality, ex.HumanVerified, ex.ModelVersion, ex.CreatedAt)
	return eris.Wrap(err, "sqlite: insert training example")
}

func (s *SQLiteStore) GetTrainingExampleByRun(ctx context.Context, runID string) (*model.TrainingExample, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, test_run_id, tester_id, company_id, input, ai_output, human_labels, company_rating, is_high_quality, human_verified, used_for_training, training_batch_id, model_version, created_at FROM training_examples WHERE test_run_id = ?`,
		runID)
	ex, err := scanExample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get training example")
	}
	return ex, nil
}

func (s *SQLiteStore) TesterContributions(ctx context.Context, testerID string) (model.ContributionStats, error) {
	var stats model.ContributionStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_high_quality), 0), COALESCE(SUM(human_verified), 0) FROM training_examples WHERE tester_id = ?`,
		testerID).Scan(&stats.Total, &stats.HighQuality, &stats.HumanVerified)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: tester contributions")
	}
	return stats, nil
}

func (s *SQLiteStore) TrainingStats(ctx context.Context) (model.TrainingStats, error) {
	var stats model.TrainingStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_high_quality), 0), COALESCE(SUM(human_verified), 0), COALESCE(SUM(is_high_quality AND NOT used_for_training), 0) FROM training_examples`).
		Scan(&stats.Total, &stats.HighQuality, &stats.HumanVerified, &stats.ReadyForTraining)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: training stats")
	}
	return stats, nil
}

func (s *SQLiteStore) ListUnusedExamples(ctx context.Context, limit int) ([]model.TrainingExample, error) {
	q := `SELECT id, test_run_id, tester_id, company_id, input, ai_output, human_labels, company_rating, is_high_quality, human_verified, used_for_training, training_batch_id, model_version, created_at FROM training_examples WHERE NOT used_for_training ORDER BY created_at`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unused examples")
	}
	defer rows.Close()

	var examples []model.TrainingExample
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list unused examples: scan")
		}
		examples = append(examples, *ex)
	}
	return examples, eris.Wrap(rows.Err(), "sqlite: list unused examples: rows")
}

func (s *SQLiteStore) MarkExamplesUsed(ctx context.Context, ids []string, batchID string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, batchID)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE training_examples SET used_for_training = 1, training_batch_id = ? WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	return eris.Wrap(err, "sqlite: mark examples used")
}

func (s *SQLiteStore) AddHumanVerification(ctx context.Context, runID string, labels *model.HumanLabels) error {
	data, err := json.Marshal(labels)
	if err != nil {
		return eris.Wrap(err, "sqlite: human verification: marshal")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE training_examples SET human_labels = ?, human_verified = 1 WHERE test_run_id = ?`,
		string(data), runID)
	if err != nil {
		return eris.Wrap(err, "sqlite: add human verification")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
