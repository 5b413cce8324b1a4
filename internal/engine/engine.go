// Package engine owns the test-run lifecycle: creation against quota,
// rate-limited execution start, result application, and the settlement side
// effects (tester payout, rating capture) that hang off completion.
package engine

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hitlai/testops-cli/internal/config"
	"github.com/hitlai/testops-cli/internal/executor"
	"github.com/hitlai/testops-cli/internal/ledger"
	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/payout"
	"github.com/hitlai/testops-cli/internal/ratelimit"
	"github.com/hitlai/testops-cli/internal/store"
	"github.com/hitlai/testops-cli/internal/training"
)

// opStartExecution is the rate-limited operation kind for starting runs.
const opStartExecution = "start_execution"

// Engine coordinates run lifecycle transitions and their money movements.
type Engine struct {
	store    store.Store
	ledger   *ledger.Service
	limiter  *ratelimit.Limiter
	payouts  *payout.Calculator
	training *training.Collector
	exec     executor.Executor
	cfg      config.EngineConfig
	pricing  config.PricingConfig
	logger   *zap.Logger

	// dispatch runs the AI executor off the request path. Tests swap it
	// for a synchronous version.
	dispatch func(fn func())
}

// New creates an engine.
func New(
	st store.Store,
	led *ledger.Service,
	lim *ratelimit.Limiter,
	calc *payout.Calculator,
	col *training.Collector,
	exec executor.Executor,
	cfg config.EngineConfig,
	pricing config.PricingConfig,
) *Engine {
	return &Engine{
		store:    st,
		ledger:   led,
		limiter:  lim,
		payouts:  calc,
		training: col,
		exec:     exec,
		cfg:      cfg,
		pricing:  pricing,
		logger:   zap.L().With(zap.String("component", "engine")),
		dispatch: func(fn func()) { go fn() },
	}
}

// CreateParams are the inputs for a new test run.
type CreateParams struct {
	CompanyID string     `json:"company_id"`
	TesterID  string     `json:"tester_id,omitempty"`
	URL       string     `json:"url"`
	Mission   string     `json:"mission"`
	Persona   string     `json:"persona,omitempty"`
	Mode      model.Mode `json:"mode"`
}

// CreateTestRun validates the request, prices the run from the mode table
// and the company's phase discount (falling back to the configured engine
// phase for companies without one), and inserts it queued — consuming one
// quota slot and debiting the cost in the same transaction. The cost is
// assigned here exactly once; later pricing changes never touch
// existing runs.
func (e *Engine) CreateTestRun(ctx context.Context, p CreateParams) (*model.TestRun, error) {
	if p.CompanyID == "" {
		return nil, &ValidationError{Field: "company_id", Reason: "required"}
	}
	if p.URL == "" {
		return nil, &ValidationError{Field: "url", Reason: "required"}
	}
	if p.Mission == "" {
		return nil, &ValidationError{Field: "mission", Reason: "required"}
	}
	if !p.Mode.Valid() {
		return nil, &ValidationError{Field: "mode", Reason: "must be ai, human, or hybrid"}
	}

	company, err := e.store.GetCompany(ctx, p.CompanyID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load company")
	}
	phase := company.Phase
	if phase == "" {
		// Companies without an assigned rollout phase price at the
		// deployment-wide one.
		phase = e.cfg.Phase
	}

	now := time.Now().UTC()
	run := &model.TestRun{
		ID:        uuid.NewString(),
		CompanyID: p.CompanyID,
		TesterID:  p.TesterID,
		URL:       p.URL,
		Mission:   p.Mission,
		Persona:   p.Persona,
		Mode:      p.Mode,
		Status:    model.RunStatusCreated,
		Cost:      e.runCost(p.Mode, phase),
		CreatedAt: now,
		UpdatedAt: now,
	}
	debit := &model.LedgerEntry{
		ID:        uuid.NewString(),
		CompanyID: p.CompanyID,
		Amount:    -run.Cost,
		Reason:    model.LedgerQuotaDebit,
		RefID:     run.ID,
		CreatedAt: now,
	}

	if err := e.store.CreateRunConsumingQuota(ctx, run, debit); err != nil {
		if eris.Is(err, store.ErrQuotaExceeded) {
			return nil, &QuotaExceededError{CompanyID: p.CompanyID, Quota: company.MonthlyTestQuota}
		}
		return nil, eris.Wrap(err, "engine: create run")
	}

	e.logger.Info("test run created",
		zap.String("run_id", run.ID),
		zap.String("company_id", p.CompanyID),
		zap.String("mode", string(p.Mode)),
		zap.Float64("cost", run.Cost))
	return run, nil
}

// runCost prices a run: mode base cost times the company's phase discount.
func (e *Engine) runCost(mode model.Mode, phase string) float64 {
	var base float64
	switch mode {
	case model.ModeAI:
		base = e.pricing.CostAI
	case model.ModeHuman:
		base = e.pricing.CostHuman
	case model.ModeHybrid:
		base = e.pricing.CostHybrid
	}
	discount, ok := e.pricing.PhaseDiscounts[phase]
	if !ok {
		discount = 1.0
	}
	return round2(base * discount)
}

// StartExecution moves a queued run into execution. AI runs are handed to
// the executor off the request path; human and hybrid runs move to
// processing_human_evidence and wait for the tester's submission. A denied
// rate limit leaves the run queued so the caller can retry after the reset.
func (e *Engine) StartExecution(ctx context.Context, runID string) (*model.TestRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load run")
	}

	decision := e.limiter.Allow(ctx, run.CompanyID, opStartExecution)
	if !decision.Allowed {
		return nil, &RateLimitedError{Operation: opStartExecution, ResetAt: decision.ResetAt}
	}

	now := time.Now().UTC()
	if err := e.store.MarkRunStarted(ctx, runID, now); err != nil {
		if eris.Is(err, store.ErrStateConflict) {
			return nil, &InvalidStateError{RunID: runID, Status: run.Status, Action: "start"}
		}
		return nil, eris.Wrap(err, "engine: start run")
	}
	run.Status = model.RunStatusRunning
	run.StartedAt = &now
	run.UpdatedAt = now

	switch run.Mode {
	case model.ModeAI:
		e.dispatch(func() { e.executeAI(run) })
	default:
		if err := e.store.TransitionRun(ctx, runID, model.RunStatusRunning, model.RunStatusProcessingHuman); err != nil {
			return nil, eris.Wrap(err, "engine: hand off to tester")
		}
		run.Status = model.RunStatusProcessingHuman
	}

	e.logger.Info("execution started",
		zap.String("run_id", runID),
		zap.String("mode", string(run.Mode)),
		zap.Int("rate_remaining", decision.Remaining))
	return run, nil
}

// executeAI drives one AI run to a terminal state. It runs detached from
// the request, so it carries its own deadline; a run abandoned past it is
// swept to failed by the watchdog.
func (e *Engine) executeAI(run *model.TestRun) {
	timeout := time.Duration(e.cfg.ExecutionTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch r := e.exec.Execute(ctx, run).(type) {
	case executor.Success:
		if _, err := e.ReportExecutionResult(ctx, run.ID, r.SentimentScore, r.Findings); err != nil {
			e.logger.Error("failed to apply execution result",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	case executor.Failure:
		e.logger.Error("execution failed",
			zap.String("run_id", run.ID),
			zap.String("reason", r.Reason),
			zap.Error(r.Err))
		if err := e.store.TransitionRun(ctx, run.ID, model.RunStatusRunning, model.RunStatusFailed); err != nil {
			e.logger.Error("failed to mark run failed",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	}
}

// ReportExecutionResult writes the verdict once and completes the run. For
// human and hybrid runs it then settles the tester's payout. The verdict is
// immutable afterward; a disagreement goes through the dispute manager, not
// through a re-report.
func (e *Engine) ReportExecutionResult(ctx context.Context, runID string, sentiment float64, findings []model.Finding) (*model.TestRun, error) {
	if sentiment < 0 || sentiment > 1 {
		return nil, &ValidationError{Field: "sentiment_score", Reason: "must be between 0.0 and 1.0"}
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load run")
	}
	from := run.Status
	if from != model.RunStatusRunning && from != model.RunStatusProcessingHuman {
		return nil, &InvalidStateError{RunID: runID, Status: from, Action: "report result for"}
	}

	now := time.Now().UTC()
	if err := e.store.CompleteRun(ctx, runID, from, sentiment, findings, now); err != nil {
		if eris.Is(err, store.ErrStateConflict) {
			return nil, &InvalidStateError{RunID: runID, Status: from, Action: "report result for"}
		}
		return nil, eris.Wrap(err, "engine: complete run")
	}
	run.Status = model.RunStatusCompleted
	run.SentimentScore = &sentiment
	run.Findings = findings
	run.CompletedAt = &now
	run.UpdatedAt = now

	if run.TesterID != "" && run.Mode != model.ModeAI {
		if err := e.settleTesterPayout(ctx, run); err != nil {
			return nil, err
		}
	}

	e.logger.Info("run completed",
		zap.String("run_id", runID),
		zap.Float64("sentiment_score", sentiment),
		zap.Int("findings", len(findings)))
	return run, nil
}

// settleTesterPayout computes and credits the tester's earnings for one
// completed run. Payout failures are hard errors: the run is completed
// either way, but an unpaid tester must surface, not vanish into a log.
func (e *Engine) settleTesterPayout(ctx context.Context, run *model.TestRun) error {
	tester, err := e.store.GetTester(ctx, run.TesterID)
	if err != nil {
		return eris.Wrap(err, "engine: load tester for payout")
	}

	breakdown := e.payouts.Calculate(payout.Inputs{
		Mode:          run.Mode,
		TrustScore:    tester.TrustScore,
		AgreementRate: tester.AgreementRate,
	})
	earnings := breakdown.Total + payout.FoundingBonus(breakdown.Total, tester.FoundingTierPct)

	if err := e.store.ApplyTesterPayout(ctx, run.TesterID, earnings); err != nil {
		return eris.Wrap(err, "engine: apply tester payout")
	}

	e.logger.Info("tester payout settled",
		zap.String("run_id", run.ID),
		zap.String("tester_id", run.TesterID),
		zap.Float64("base_fee", breakdown.BaseFee),
		zap.Float64("trust_multiplier", breakdown.TrustMultiplier),
		zap.Float64("earnings", earnings))
	return nil
}

// SubmitRating records the company's 1-5 rating of a completed run, folds a
// high rating into the tester's running average, and offers the run to the
// training quality gate. A gate rejection is not an error; a capture failure
// is tolerated so the rating itself never bounces.
func (e *Engine) SubmitRating(ctx context.Context, runID string, rating int, feedback string) error {
	if rating < 1 || rating > 5 {
		return &ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "engine: load run")
	}
	if err := e.store.SetRunRating(ctx, runID, rating, feedback); err != nil {
		return eris.Wrap(err, "engine: set rating")
	}
	run.CompanyRating = rating
	run.CompanyFeedback = feedback

	if run.TesterID != "" && rating >= 4 {
		if err := e.updateTesterAverage(ctx, run.TesterID, rating); err != nil {
			return err
		}
	}

	if _, err := e.training.Capture(ctx, run, rating, nil); err != nil {
		e.logger.Warn("training capture failed",
			zap.String("run_id", runID),
			zap.Error(err))
	}
	return nil
}

// updateTesterAverage folds one new rating into the tester's average,
// weighted by their completed-test count.
func (e *Engine) updateTesterAverage(ctx context.Context, testerID string, rating int) error {
	tester, err := e.store.GetTester(ctx, testerID)
	if err != nil {
		return eris.Wrap(err, "engine: load tester for rating")
	}
	n := float64(tester.TestsCompleted)
	newAverage := (tester.AverageRating*n + float64(rating)) / (n + 1)
	if err := e.store.UpdateTesterRating(ctx, testerID, newAverage); err != nil {
		return eris.Wrap(err, "engine: update tester rating")
	}
	return nil
}

// GetRun returns a run by ID.
func (e *Engine) GetRun(ctx context.Context, runID string) (*model.TestRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load run")
	}
	return run, nil
}

// ListRuns returns runs matching the filter.
func (e *Engine) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.TestRun, error) {
	runs, err := e.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "engine: list runs")
	}
	return runs, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
