// Package executor abstracts who (or what) performs a test run. The engine
// dispatches AI runs to an Executor; human and hybrid evidence arrives via
// the result-reporting operation instead.
package executor

import (
	"context"

	"github.com/hitlai/testops-cli/internal/model"
)

// Result is the outcome of one execution attempt: either a Success with the
// verdict, or a Failure with the reason.
type Result interface {
	isResult()
}

// Success carries the executor's verdict.
type Success struct {
	SentimentScore float64
	Findings       []model.Finding
	RawResponse    string
}

func (Success) isResult() {}

// Failure signals that execution did not produce a verdict.
type Failure struct {
	Reason string
	Err    error
}

func (Failure) isResult() {}

// Executor performs a test run against its target and reports the outcome.
// Implementations must respect ctx cancellation; a run abandoned by its
// deadline is swept to failed by the watchdog.
type Executor interface {
	Execute(ctx context.Context, run *model.TestRun) Result
}
