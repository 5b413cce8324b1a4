package engine

import (
	"fmt"
	"time"

	"github.com/hitlai/testops-cli/internal/model"
)

// ValidationError rejects bad input synchronously. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: invalid %s: %s", e.Field, e.Reason)
}

// QuotaExceededError means the company spent its monthly run allotment.
type QuotaExceededError struct {
	CompanyID string
	Quota     int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("engine: company %s exhausted its monthly quota of %d tests", e.CompanyID, e.Quota)
}

// RateLimitedError carries the reset time so callers can tell the company
// when to retry.
type RateLimitedError struct {
	Operation string
	ResetAt   time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("engine: rate limit for %s reached, resets at %s", e.Operation, e.ResetAt.Format(time.RFC3339))
}

// InvalidStateError means the run was not in a state that permits the
// attempted operation.
type InvalidStateError struct {
	RunID  string
	Status model.RunStatus
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("engine: cannot %s run %s in state %s", e.Action, e.RunID, e.Status)
}
