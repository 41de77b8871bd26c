package service

import (
	"context"

	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// CreditLedger gates submissions on a positive balance and debits exactly one
// credit per authorized command.
type CreditLedger struct {
	store repository.Store
}

// NewCreditLedger creates a new CreditLedger.
func NewCreditLedger(store repository.Store) *CreditLedger {
	return &CreditLedger{store: store}
}

// HasCredit reports whether the user's balance is positive.
func (l *CreditLedger) HasCredit(ctx context.Context, userID string) (bool, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Credits > 0, nil
}

// Debit takes one credit inside tx. It fails with INSUFFICIENT_CREDIT, and
// changes nothing, when the balance is not positive.
func (l *CreditLedger) Debit(ctx context.Context, tx repository.Tx, userID string) (int, error) {
	return tx.DebitCredit(ctx, userID)
}
