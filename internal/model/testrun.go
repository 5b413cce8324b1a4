package model

import (
	"time"
)

// Mode selects who executes a test run.
type Mode string

const (
	ModeAI     Mode = "ai"
	ModeHuman  Mode = "human"
	ModeHybrid Mode = "hybrid"
)

// Valid reports whether m is a recognized execution mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAI, ModeHuman, ModeHybrid:
		return true
	default:
		return false
	}
}

// RunStatus represents the current lifecycle state of a test run.
type RunStatus string

const (
	RunStatusCreated         RunStatus = "created"
	RunStatusQueued          RunStatus = "queued"
	RunStatusRunning         RunStatus = "running"
	RunStatusProcessingHuman RunStatus = "processing_human_evidence"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusDisputed        RunStatus = "disputed"
	RunStatusResolved        RunStatus = "resolved"
)

// Terminal reports whether no further execution can happen for a run in
// this state. Disputed runs are terminal for execution purposes; only the
// dispute manager may move them on.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusDisputed, RunStatusResolved:
		return true
	default:
		return false
	}
}

// Finding is a single structured observation from an executed test.
type Finding struct {
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Severity        string         `json:"severity"`
	Category        string         `json:"category"`
	ElementSelector string         `json:"element_selector,omitempty"`
	ScreenshotURL   string         `json:"screenshot_url,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// TestRun is one requested evaluation of a target URL/mission.
//
// Cost is assigned exactly once at creation. SentimentScore and Findings are
// written exactly once, when the run completes, and never mutated afterward;
// a dispute produces new records instead of touching them.
type TestRun struct {
	ID              string     `json:"id"`
	CompanyID       string     `json:"company_id"`
	TesterID        string     `json:"tester_id,omitempty"`
	URL             string     `json:"url"`
	Mission         string     `json:"mission"`
	Persona         string     `json:"persona"`
	Mode            Mode       `json:"mode"`
	Status          RunStatus  `json:"status"`
	Cost            float64    `json:"cost"`
	SentimentScore  *float64   `json:"sentiment_score,omitempty"`
	Findings        []Finding  `json:"findings,omitempty"`
	CompanyRating   int        `json:"company_rating,omitempty"`
	CompanyFeedback string     `json:"company_feedback,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Company holds the quota-bearing account a run belongs to.
type Company struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	MonthlyTestQuota   int       `json:"monthly_test_quota"`
	TestsUsedThisMonth int       `json:"tests_used_this_month"`
	Phase              string    `json:"phase"`
	CreatedAt          time.Time `json:"created_at"`
}
