// Package ledger tracks seller balances on the platform.
//
// Flow:
//  1. An escrow is released
//  2. The seller's withdrawable balance is credited with the escrow amount
//  3. The seller withdraws through the payout provider (outside this package)
//
// Every credit carries a reference (e.g. "escrow:42"). A reference is applied
// at most once, so retrying a credit after a partial failure is safe.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/money"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrDuplicateReference = errors.New("reference already credited")
)

// Entry represents a ledger entry
type Entry struct {
	ID          string          `json:"id"`
	UserID      int64           `json:"userId"`
	Type        string          `json:"type"` // credit
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Balance represents a user's balance
type Balance struct {
	UserID       int64           `json:"userId"`
	Withdrawable decimal.Decimal `json:"withdrawable"`
	TotalIn      decimal.Decimal `json:"totalIn"` // lifetime credits
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Store persists ledger data
type Store interface {
	GetBalance(ctx context.Context, userID int64) (*Balance, error)

	// Credit adds amount to the user's withdrawable balance and records an
	// entry. It returns ErrDuplicateReference if reference was already
	// credited, without changing anything.
	Credit(ctx context.Context, userID int64, amount decimal.Decimal, reference, description string) error

	GetHistory(ctx context.Context, userID int64, limit int) ([]*Entry, error)
}

// Ledger manages user balances
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns a user's current balance
func (l *Ledger) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// CreditWithdrawable credits a released escrow to the seller. Re-crediting
// the same reference is a no-op.
func (l *Ledger) CreditWithdrawable(ctx context.Context, userID int64, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if _, err := money.Parse(amount.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if reference == "" {
		return errors.New("credit reference is required")
	}

	err := l.store.Credit(ctx, userID, amount, reference, "escrow_release")
	if errors.Is(err, ErrDuplicateReference) {
		return nil
	}
	return err
}

// GetHistory returns a user's entries, most recent first.
func (l *Ledger) GetHistory(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return l.store.GetHistory(ctx, userID, limit)
}
