// Package dispute implements the confidence guarantee: a company that
// believes an AI verdict is wrong opens a dispute, receives human-validation
// credits up front, and the dispute settles exactly once to either a penalty
// (AI held) or a refund plus captured human evidence (AI overruled).
package dispute

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hitlai/testops-cli/internal/config"
	"github.com/hitlai/testops-cli/internal/ledger"
	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/store"
)

// Manager owns the dispute lifecycle and its settlement money movements.
// Every money movement rides inside the store transaction that records the
// state change causing it, so a crash can never charge a company without a
// matching resolution record or strand a dispute mid-settlement.
type Manager struct {
	store  store.Store
	cfg    config.DisputeConfig
	logger *zap.Logger
}

// NewManager creates a dispute manager.
func NewManager(st store.Store, cfg config.DisputeConfig) *Manager {
	return &Manager{
		store:  st,
		cfg:    cfg,
		logger: zap.L().With(zap.String("component", "dispute")),
	}
}

// Open challenges a completed run's verdict. The run moves to disputed and
// the company is granted the configured validation credits immediately; the
// grant is settled later by Resolve. At most one non-resolved dispute may
// exist per run.
func (m *Manager) Open(ctx context.Context, runID, reason string) (*model.Dispute, error) {
	if reason == "" {
		return nil, eris.New("dispute: reason required")
	}

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "dispute: load run")
	}

	d := &model.Dispute{
		ID:             uuid.NewString(),
		TestRunID:      runID,
		CompanyID:      run.CompanyID,
		Reason:         reason,
		Status:         model.DisputeStatusPending,
		CreditsGranted: m.cfg.CreditMultiplier,
		CreatedAt:      time.Now().UTC(),
	}
	var grant *model.LedgerEntry
	if d.CreditsGranted > 0 {
		grant, err = ledger.NewEntry(run.CompanyID, d.CreditsGranted, model.LedgerBonus, d.ID)
		if err != nil {
			return nil, eris.Wrap(err, "dispute: build grant")
		}
	}

	// Run transition, dispute row, and credit grant land in one store
	// transaction; a failed open leaves no trace.
	if err := m.store.OpenDispute(ctx, d, grant); err != nil {
		if eris.Is(err, store.ErrDuplicateDispute) {
			return nil, eris.Wrap(store.ErrDuplicateDispute, "dispute: open")
		}
		if eris.Is(err, store.ErrStateConflict) {
			return nil, eris.Wrapf(err, "dispute: run %s not disputable from %s", runID, run.Status)
		}
		return nil, eris.Wrap(err, "dispute: open")
	}

	m.logger.Info("dispute opened",
		zap.String("dispute_id", d.ID),
		zap.String("run_id", runID),
		zap.String("company_id", run.CompanyID),
		zap.Float64("credits_granted", d.CreditsGranted))
	return d, nil
}

// Resolve settles a dispute exactly once and always returns a definitive
// outcome. When the AI verdict holds, the company is charged the penalty fee
// (converted to credits at the configured rate). When the AI is overruled,
// the granted validation credits are refunded in full and the human findings
// are preserved as corrective evidence for the learning loop.
//
// Resolve is idempotent: a second call for an already-settled dispute
// returns the stored resolution without moving money again. The settlement
// itself is all-or-nothing — penalty or refund, resolution record, captured
// evidence, and the run's closing transition commit in one store
// transaction, and the losing side of a resolve race simply reads back the
// winner's outcome.
func (m *Manager) Resolve(ctx context.Context, disputeID string, aiWasCorrect bool, humanFindings []model.Finding) (*model.DisputeResolution, error) {
	d, err := m.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, eris.Wrap(err, "dispute: load")
	}
	if d.Status == model.DisputeStatusResolved {
		res, err := m.store.GetResolution(ctx, disputeID)
		if err != nil {
			return nil, eris.Wrap(err, "dispute: load resolution")
		}
		return res, nil
	}

	now := time.Now().UTC()
	res := &model.DisputeResolution{
		ID:           uuid.NewString(),
		DisputeID:    disputeID,
		AIWasCorrect: aiWasCorrect,
		CreatedAt:    now,
	}

	var entry *model.LedgerEntry
	var insights []model.HumanInsight
	if aiWasCorrect {
		res.Outcome = model.OutcomeAICorrect
		res.PenaltyFee = m.cfg.PenaltyFee
		if credits := m.penaltyCredits(); credits > 0 {
			entry, err = ledger.NewEntry(d.CompanyID, -credits, model.LedgerPenalty, d.ID)
			if err != nil {
				return nil, eris.Wrap(err, "dispute: build penalty")
			}
		}
	} else {
		res.Outcome = model.OutcomeAIWrong
		res.RefundAmount = d.CreditsGranted
		if d.CreditsGranted > 0 {
			entry, err = ledger.NewEntry(d.CompanyID, d.CreditsGranted, model.LedgerRefund, d.ID)
			if err != nil {
				return nil, eris.Wrap(err, "dispute: build refund")
			}
		}
		insights = captureInsights(d.TestRunID, humanFindings, now)
	}

	d.Status = model.DisputeStatusResolved
	d.Outcome = res.Outcome
	d.PenaltyFee = res.PenaltyFee
	d.RefundAmount = res.RefundAmount
	d.ResolvedAt = &now
	if err := m.store.SettleDispute(ctx, d, res, entry, insights); err != nil {
		if eris.Is(err, store.ErrStateConflict) {
			stored, err := m.store.GetResolution(ctx, disputeID)
			if err != nil {
				return nil, eris.Wrap(err, "dispute: load resolution")
			}
			return stored, nil
		}
		return nil, eris.Wrap(err, "dispute: settle")
	}

	m.logger.Info("dispute resolved",
		zap.String("dispute_id", disputeID),
		zap.String("run_id", d.TestRunID),
		zap.String("outcome", string(res.Outcome)),
		zap.Float64("penalty_fee", res.PenaltyFee),
		zap.Float64("refund_amount", res.RefundAmount))
	return res, nil
}

// penaltyCredits converts the dollar penalty fee to whole credits. The fee
// deters frivolous disputes; it is deliberately not a reversal of the
// credits granted at open.
func (m *Manager) penaltyCredits() float64 {
	rate := m.cfg.CreditRate
	if rate <= 0 {
		rate = 1
	}
	return math.Ceil(m.cfg.PenaltyFee / rate)
}

// captureInsights turns the human findings into corrective evidence records
// against the original run.
func captureInsights(runID string, findings []model.Finding, now time.Time) []model.HumanInsight {
	insights := make([]model.HumanInsight, 0, len(findings))
	for _, f := range findings {
		content := f.Description
		if content == "" {
			content = f.Title
		}
		insights = append(insights, model.HumanInsight{
			ID:            uuid.NewString(),
			TestRunID:     runID,
			Content:       content,
			SeverityScore: 5,
			EvidenceType:  "ai_correction",
			CreatedAt:     now,
		})
	}
	return insights
}

// Get returns a dispute by ID.
func (m *Manager) Get(ctx context.Context, disputeID string) (*model.Dispute, error) {
	d, err := m.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, eris.Wrap(err, "dispute: load")
	}
	return d, nil
}

// List returns disputes filtered by status.
func (m *Manager) List(ctx context.Context, status model.DisputeStatus, limit int) ([]model.Dispute, error) {
	ds, err := m.store.ListDisputes(ctx, status, limit)
	if err != nil {
		return nil, eris.Wrap(err, "dispute: list")
	}
	return ds, nil
}
