package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/hitlai/testops-cli/internal/model"
)

// Sentinel errors surfaced by both backends. Callers translate these into
// the API-level error taxonomy.
var (
	// ErrNotFound means the addressed row does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrStateConflict means a compare-and-set transition found a different
	// prior state than expected. The write was not applied.
	ErrStateConflict = eris.New("store: state conflict")

	// ErrQuotaExceeded means the company's monthly allotment is spent.
	ErrQuotaExceeded = eris.New("store: quota exceeded")

	// ErrDuplicateDispute means a non-resolved dispute already exists for
	// the test run.
	ErrDuplicateDispute = eris.New("store: duplicate dispute")
)

// RunFilter specifies criteria for listing test runs.
type RunFilter struct {
	Status    model.RunStatus `json:"status,omitempty"`
	CompanyID string          `json:"company_id,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the lifecycle engine.
//
// All run state changes go through compare-and-set methods that take the
// expected prior status; concurrent transitions for the same run therefore
// serialize on the database row. Ledger appends serialize per company.
type Store interface {
	// Test runs
	//
	// CreateRunConsumingQuota atomically increments the company's quota
	// usage, inserts the run, moves it created -> queued, and appends the
	// quota debit ledger entry — all in one transaction. It returns
	// ErrQuotaExceeded without side effects when the allotment is spent.
	CreateRunConsumingQuota(ctx context.Context, run *model.TestRun, debit *model.LedgerEntry) error
	GetRun(ctx context.Context, runID string) (*model.TestRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.TestRun, error)
	TransitionRun(ctx context.Context, runID string, from, to model.RunStatus) error
	MarkRunStarted(ctx context.Context, runID string, startedAt time.Time) error
	CompleteRun(ctx context.Context, runID string, from model.RunStatus, sentiment float64, findings []model.Finding, completedAt time.Time) error
	SetRunRating(ctx context.Context, runID string, rating int, feedback string) error
	ListStaleRuns(ctx context.Context, statuses []model.RunStatus, olderThan time.Time) ([]model.TestRun, error)

	// Companies
	GetCompany(ctx context.Context, companyID string) (*model.Company, error)

	// Ledger (append-only)
	AppendLedger(ctx context.Context, entry *model.LedgerEntry) (string, error)
	LedgerBalance(ctx context.Context, companyID string) (float64, error)
	ListLedger(ctx context.Context, companyID string) ([]model.LedgerEntry, error)

	// Rate windows
	//
	// ConsumeWindow atomically counts one request against the active window
	// for fresh's (principal, operation) pair, opening fresh (count 1) when
	// no window is active. The read-check-increment is serialized per pair,
	// so concurrent callers can never admit past max together. It returns
	// the window state after the attempt and whether the request was
	// admitted; a denial writes nothing.
	ConsumeWindow(ctx context.Context, fresh *model.RateWindow, max int) (*model.RateWindow, bool, error)
	DeleteExpiredWindows(ctx context.Context, now time.Time) (int64, error)

	// Disputes
	//
	// OpenDispute moves the run completed -> disputed, inserts the dispute,
	// and appends the credit grant (nil to skip) in one transaction. It
	// returns ErrDuplicateDispute when a non-resolved dispute already holds
	// the run, ErrStateConflict for any other non-completed status, and
	// ErrNotFound for a missing run — always without side effects.
	//
	// SettleDispute is the single write that resolves a dispute: it moves
	// the dispute pending -> resolved with the outcome fields, inserts the
	// resolution record, appends the settlement ledger entry (nil to skip),
	// stores the corrective insights, and moves the run disputed ->
	// resolved — all in one transaction. A dispute that is not pending
	// yields ErrStateConflict (or ErrNotFound) with nothing written, so a
	// crash or lost race can never move money without recording why.
	OpenDispute(ctx context.Context, d *model.Dispute, grant *model.LedgerEntry) error
	GetDispute(ctx context.Context, disputeID string) (*model.Dispute, error)
	ListDisputes(ctx context.Context, status model.DisputeStatus, limit int) ([]model.Dispute, error)
	SettleDispute(ctx context.Context, d *model.Dispute, res *model.DisputeResolution, entry *model.LedgerEntry, insights []model.HumanInsight) error
	GetResolution(ctx context.Context, disputeID string) (*model.DisputeResolution, error)

	// Testers
	GetTester(ctx context.Context, testerID string) (*model.Tester, error)
	ApplyTesterPayout(ctx context.Context, testerID string, earnings float64) error
	UpdateTesterRating(ctx context.Context, testerID string, newAverage float64) error
	AdjustTesterTrust(ctx context.Context, testerID string, delta float64) error

	// Training corpus
	InsertTrainingExample(ctx context.Context, ex *model.TrainingExample) error
	GetTrainingExampleByRun(ctx context.Context, runID string) (*model.TrainingExample, error)
	TesterContributions(ctx context.Context, testerID string) (model.ContributionStats, error)
	TrainingStats(ctx context.Context) (model.TrainingStats, error)
	ListUnusedExamples(ctx context.Context, limit int) ([]model.TrainingExample, error)
	MarkExamplesUsed(ctx context.Context, ids []string, batchID string) error
	AddHumanVerification(ctx context.Context, runID string, labels *model.HumanLabels) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
