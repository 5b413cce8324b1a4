// Package payout computes tester compensation for completed runs.
//
// The calculation is deliberately pure: no store, no clock. The engine feeds
// it a snapshot of the tester and the run context, and books the result.
package payout

import (
	"math"

	"github.com/hitlai/testops-cli/internal/config"
	"github.com/hitlai/testops-cli/internal/model"
)

// Inputs is everything the payout formula depends on.
type Inputs struct {
	Mode           model.Mode
	TrustScore     float64
	AgreementRate  float64
	IsDisputeAudit bool
	DidOverruleAI  bool
}

// Breakdown itemizes one payout so statements can show testers how their
// earnings were computed.
type Breakdown struct {
	BaseFee         float64 `json:"base_fee"`
	TrustMultiplier float64 `json:"trust_multiplier"`
	QualityPenalty  float64 `json:"quality_penalty"`
	DisputeBonus    float64 `json:"dispute_bonus"`
	Total           float64 `json:"total"`
}

// Calculator computes payouts from configured base fees.
type Calculator struct {
	cfg config.PayoutConfig
}

// NewCalculator creates a payout calculator.
func NewCalculator(cfg config.PayoutConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// BaseFee returns the flat fee for a mode. Pure AI runs have no human to
// pay, so the fee is zero.
func (c *Calculator) BaseFee(mode model.Mode) float64 {
	switch mode {
	case model.ModeHuman:
		return c.cfg.BaseFeeHuman
	case model.ModeHybrid:
		return c.cfg.BaseFeeHybrid
	default:
		return 0
	}
}

// Calculate produces the payout breakdown for one completed run.
//
// The formula: base fee scaled by a trust multiplier (1 + trust/2000, so a
// tester at 1000 trust earns 1.5x), halved when the tester's agreement rate
// has fallen below 0.33, plus a 50%-of-base bonus when a dispute audit
// correctly overruled the AI. The total is rounded to cents.
func (c *Calculator) Calculate(in Inputs) Breakdown {
	base := c.BaseFee(in.Mode)

	trustMult := 1 + in.TrustScore/2000

	penalty := 1.0
	if in.AgreementRate < 0.33 {
		penalty = 0.5
	}

	bonus := 0.0
	if in.IsDisputeAudit && in.DidOverruleAI && in.AgreementRate > 0.66 {
		bonus = base * 0.5
	}

	return Breakdown{
		BaseFee:         base,
		TrustMultiplier: trustMult,
		QualityPenalty:  penalty,
		DisputeBonus:    bonus,
		Total:           round2(base*trustMult*penalty + bonus),
	}
}

// FoundingBonus returns the extra earnings for a founding-tier tester as a
// percentage of the run payout. Zero for non-founding testers.
func FoundingBonus(earnings, tierPct float64) float64 {
	if tierPct <= 0 {
		return 0
	}
	return round2(earnings * tierPct / 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
