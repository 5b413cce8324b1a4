package model

import "time"

// LedgerReason classifies a balance change.
type LedgerReason string

const (
	LedgerQuotaDebit LedgerReason = "quota_debit"
	LedgerPenalty    LedgerReason = "penalty"
	LedgerRefund     LedgerReason = "refund"
	LedgerBonus      LedgerReason = "bonus"
)

// Valid reports whether r is a recognized ledger reason code.
func (r LedgerReason) Valid() bool {
	switch r {
	case LedgerQuotaDebit, LedgerPenalty, LedgerRefund, LedgerBonus:
		return true
	default:
		return false
	}
}

// LedgerEntry is one immutable balance change for a company. Entries are
// never edited or removed; corrections are new offsetting entries, and the
// balance is always SUM(amount), never a separately stored field.
type LedgerEntry struct {
	ID        string       `json:"id"`
	CompanyID string       `json:"company_id"`
	Amount    float64      `json:"amount"`
	Reason    LedgerReason `json:"reason"`
	RefID     string       `json:"ref_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
