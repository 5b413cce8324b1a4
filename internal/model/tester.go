package model

import "time"

// Tester is a human worker who executes human and hybrid runs.
type Tester struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TrustScore      float64   `json:"trust_score"`
	AgreementRate   float64   `json:"agreement_rate"`
	TestsCompleted  int       `json:"tests_completed"`
	TotalEarnings   float64   `json:"total_earnings"`
	AverageRating   float64   `json:"average_rating"`
	FoundingTierPct float64   `json:"founding_tier_pct"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ContributionStats are a tester's training-corpus contribution counters.
// They are recomputed from the admitted set, never incremented in place.
type ContributionStats struct {
	Total         int `json:"total"`
	HighQuality   int `json:"high_quality"`
	HumanVerified int `json:"human_verified"`
}
