// Package training decides which completed runs are worth keeping as
// model-improvement data and manages the resulting corpus.
package training

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/store"
)

// highQualityRating is the minimum company rating that admits an example
// without explicit human verification.
const highQualityRating = 4

// Collector runs the quality gate and maintains the training corpus.
type Collector struct {
	store        store.Store
	modelVersion string
	logger       *zap.Logger
}

// NewCollector creates a collector tagging examples with the given model version.
func NewCollector(st store.Store, modelVersion string) *Collector {
	if modelVersion == "" {
		modelVersion = "v1"
	}
	return &Collector{
		store:        st,
		modelVersion: modelVersion,
		logger:       zap.L().With(zap.String("component", "training")),
	}
}

// Admit is the gate predicate: a completed run qualifies when the company
// rated it highly, or when a human explicitly verified the output. Human
// verification always qualifies, whatever the rating says.
func Admit(status model.RunStatus, companyRating int, labels *model.HumanLabels) bool {
	if status != model.RunStatusCompleted {
		return false
	}
	return companyRating >= highQualityRating || labels != nil
}

// Capture evaluates the gate for a run and, if it passes, records the
// example. Returns (nil, nil) for rejected runs; rejection is not an error.
func (c *Collector) Capture(ctx context.Context, run *model.TestRun, companyRating int, labels *model.HumanLabels) (*model.TrainingExample, error) {
	if !Admit(run.Status, companyRating, labels) {
		c.logger.Debug("run rejected by quality gate",
			zap.String("run_id", run.ID),
			zap.Int("rating", companyRating),
			zap.Bool("has_labels", labels != nil))
		return nil, nil
	}

	var sentiment float64
	if run.SentimentScore != nil {
		sentiment = *run.SentimentScore
	}
	ex := &model.TrainingExample{
		ID:        uuid.NewString(),
		TestRunID: run.ID,
		TesterID:  run.TesterID,
		CompanyID: run.CompanyID,
		Input: model.TrainingInput{
			URL:     run.URL,
			Mission: run.Mission,
			Persona: run.Persona,
			Mode:    run.Mode,
		},
		AIOutput: model.TrainingOutput{
			SentimentScore: sentiment,
			Findings:       run.Findings,
		},
		HumanLabels:   labels,
		CompanyRating: companyRating,
		HighQuality:   companyRating >= highQualityRating,
		HumanVerified: labels != nil,
		ModelVersion:  c.modelVersion,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.store.InsertTrainingExample(ctx, ex); err != nil {
		return nil, eris.Wrap(err, "training: capture")
	}

	c.logger.Info("training example admitted",
		zap.String("run_id", run.ID),
		zap.String("tester_id", run.TesterID),
		zap.Bool("high_quality", ex.HighQuality),
		zap.Bool("human_verified", ex.HumanVerified))
	return ex, nil
}

// Verify attaches human labels to an already-captured example and marks it
// verified.
func (c *Collector) Verify(ctx context.Context, runID string, labels *model.HumanLabels) error {
	if labels == nil {
		return eris.New("training: labels required")
	}
	if err := c.store.AddHumanVerification(ctx, runID, labels); err != nil {
		return eris.Wrap(err, "training: verify")
	}
	c.logger.Info("human verification recorded", zap.String("run_id", runID))
	return nil
}

// Contributions returns a tester's contribution counters, recomputed from
// the admitted set. They are never incremented in place, so they cannot
// drift from the corpus.
func (c *Collector) Contributions(ctx context.Context, testerID string) (model.ContributionStats, error) {
	stats, err := c.store.TesterContributions(ctx, testerID)
	if err != nil {
		return stats, eris.Wrap(err, "training: contributions")
	}
	return stats, nil
}

// Stats summarizes the corpus.
func (c *Collector) Stats(ctx context.Context) (model.TrainingStats, error) {
	stats, err := c.store.TrainingStats(ctx)
	if err != nil {
		return stats, eris.Wrap(err, "training: stats")
	}
	return stats, nil
}

// ExportBatch hands out up to limit unused examples and marks them consumed
// under a fresh batch ID. An example is exported at most once.
func (c *Collector) ExportBatch(ctx context.Context, limit int) ([]model.TrainingExample, string, error) {
	examples, err := c.store.ListUnusedExamples(ctx, limit)
	if err != nil {
		return nil, "", eris.Wrap(err, "training: export batch")
	}
	if len(examples) == 0 {
		return nil, "", nil
	}

	batchID := uuid.NewString()
	ids := make([]string, len(examples))
	for i := range examples {
		ids[i] = examples[i].ID
		examples[i].UsedForTraining = true
		examples[i].BatchID = batchID
	}
	if err := c.store.MarkExamplesUsed(ctx, ids, batchID); err != nil {
		return nil, "", eris.Wrap(err, "training: mark used")
	}

	c.logger.Info("training batch exported",
		zap.String("batch_id", batchID),
		zap.Int("examples", len(examples)))
	return examples, batchID, nil
}
