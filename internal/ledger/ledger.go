// Package ledger manages company credit balances as an append-only journal.
// There is no stored balance to corrupt: the balance is always the sum of
// the entries, and corrections are new offsetting entries.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/store"
)

// Service provides ledger operations for companies.
type Service struct {
	store  store.Store
	logger *zap.Logger
}

// NewService creates a ledger service.
func NewService(st store.Store) *Service {
	return &Service{
		store:  st,
		logger: zap.L().With(zap.String("component", "ledger")),
	}
}

// NewEntry validates and builds a journal entry without persisting it, for
// callers that append as part of a larger store transaction. The same rules
// apply either way: no anonymous, zero-amount, or unclassified entries.
func NewEntry(companyID string, amount float64, reason model.LedgerReason, refID string) (*model.LedgerEntry, error) {
	if companyID == "" {
		return nil, eris.New("ledger: company id required")
	}
	if amount == 0 {
		return nil, eris.New("ledger: zero-amount entry")
	}
	if !reason.Valid() {
		return nil, eris.Errorf("ledger: unknown reason %q", reason)
	}
	return &model.LedgerEntry{
		ID:        uuid.NewString(),
		CompanyID: companyID,
		Amount:    amount,
		Reason:    reason,
		RefID:     refID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Append records a balance change and returns the entry ID. Unlike the rate
// limiter, ledger writes hard-fail when the store is down: losing a balance
// change is worse than rejecting the operation that caused it.
func (s *Service) Append(ctx context.Context, companyID string, amount float64, reason model.LedgerReason, refID string) (string, error) {
	entry, err := NewEntry(companyID, amount, reason, refID)
	if err != nil {
		return "", err
	}
	id, err := s.store.AppendLedger(ctx, entry)
	if err != nil {
		return "", eris.Wrap(err, "ledger: append")
	}

	s.logger.Info("ledger entry appended",
		zap.String("company_id", companyID),
		zap.Float64("amount", amount),
		zap.String("reason", string(reason)),
		zap.String("ref_id", refID))
	return id, nil
}

// Balance returns the company's current balance: the sum of all entries.
func (s *Service) Balance(ctx context.Context, companyID string) (float64, error) {
	balance, err := s.store.LedgerBalance(ctx, companyID)
	if err != nil {
		return 0, eris.Wrap(err, "ledger: balance")
	}
	return balance, nil
}

// History returns the company's entries in chronological order.
func (s *Service) History(ctx context.Context, companyID string) ([]model.LedgerEntry, error) {
	entries, err := s.store.ListLedger(ctx, companyID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: history")
	}
	return entries, nil
}
