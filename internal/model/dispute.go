package model

import "time"

// DisputeStatus tracks a dispute through resolution. A dispute is pending
// until the single transaction that settles it commits; there is no
// in-between state to get stuck in.
type DisputeStatus string

const (
	DisputeStatusPending  DisputeStatus = "pending"
	DisputeStatusResolved DisputeStatus = "resolved"
)

// DisputeOutcome records which side the resolution came down on.
type DisputeOutcome string

const (
	OutcomeAICorrect DisputeOutcome = "ai_correct"
	OutcomeAIWrong   DisputeOutcome = "ai_wrong"
)

// Dispute is a company's formal challenge to a completed run's AI verdict.
// At most one non-resolved dispute may exist per test run.
type Dispute struct {
	ID             string         `json:"id"`
	TestRunID      string         `json:"test_run_id"`
	CompanyID      string         `json:"company_id"`
	Reason         string         `json:"reason"`
	Status         DisputeStatus  `json:"status"`
	CreditsGranted float64        `json:"credits_granted"`
	Outcome        DisputeOutcome `json:"outcome,omitempty"`
	PenaltyFee     float64        `json:"penalty_fee"`
	RefundAmount   float64        `json:"refund_amount"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// DisputeResolution is the single, final settlement record for a dispute.
// It is computed exactly once; repeated resolve calls return this record.
type DisputeResolution struct {
	ID           string         `json:"id"`
	DisputeID    string         `json:"dispute_id"`
	Outcome      DisputeOutcome `json:"outcome"`
	AIWasCorrect bool           `json:"ai_was_correct"`
	PenaltyFee   float64        `json:"penalty_fee"`
	RefundAmount float64        `json:"refund_amount"`
	CreatedAt    time.Time      `json:"created_at"`
}

// HumanInsight is corrective evidence from a human overruling the AI,
// stored immutably against the original run for the learning loop.
type HumanInsight struct {
	ID            string    `json:"id"`
	TestRunID     string    `json:"test_run_id"`
	Content       string    `json:"content"`
	SeverityScore int       `json:"severity_score"`
	EvidenceType  string    `json:"evidence_type"`
	CreatedAt     time.Time `json:"created_at"`
}
