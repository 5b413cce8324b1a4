package model

import "time"

// TrainingInput is what the executor was asked to do.
type TrainingInput struct {
	URL     string `json:"url"`
	Mission string `json:"mission"`
	Persona string `json:"persona"`
	Mode    Mode   `json:"mode"`
}

// TrainingOutput is what the executor produced.
type TrainingOutput struct {
	SentimentScore float64   `json:"sentiment_score"`
	Findings       []Finding `json:"findings"`
}

// HumanLabels carry explicit human verification of an AI output. Their
// presence qualifies an example for the corpus regardless of rating.
type HumanLabels struct {
	IssuesConfirmed []string `json:"issues_confirmed,omitempty"`
	IssuesMissed    []string `json:"issues_missed,omitempty"`
	FalsePositives  []string `json:"false_positives,omitempty"`
	Rating          int      `json:"rating,omitempty"`
	Feedback        string   `json:"feedback,omitempty"`
}

// TrainingExample is a captured (input, AI output, optional human label)
// triple admitted into the reusable training corpus. Once marked used it is
// excluded from future export batches.
type TrainingExample struct {
	ID              string         `json:"id"`
	TestRunID       string         `json:"test_run_id"`
	TesterID        string         `json:"tester_id,omitempty"`
	CompanyID       string         `json:"company_id"`
	Input           TrainingInput  `json:"input"`
	AIOutput        TrainingOutput `json:"ai_output"`
	HumanLabels     *HumanLabels   `json:"human_labels,omitempty"`
	CompanyRating   int            `json:"company_rating,omitempty"`
	HighQuality     bool           `json:"is_high_quality"`
	HumanVerified   bool           `json:"human_verified"`
	UsedForTraining bool           `json:"used_for_training"`
	BatchID         string         `json:"training_batch_id,omitempty"`
	ModelVersion    string         `json:"model_version"`
	CreatedAt       time.Time      `json:"created_at"`
}

// TrainingStats summarize the state of the corpus.
type TrainingStats struct {
	Total            int `json:"total"`
	HighQuality      int `json:"high_quality"`
	HumanVerified    int `json:"human_verified"`
	ReadyForTraining int `json:"ready_for_training"`
}
