package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists escrows, their transition log and the project status they
// drive.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id int64) (*Escrow, error)
	GetState(ctx context.Context, id int64) (*EscrowState, error)
	ListTransitions(ctx context.Context, escrowID int64) ([]*Transition, error)

	// PayoutAccount returns the user's connected payout account id, or ""
	// when none is on file.
	PayoutAccount(ctx context.Context, userID int64) (string, error)

	// SetPayoutID and SetRefundID record provider references. They do not
	// touch status.
	SetPayoutID(ctx context.Context, id int64, payoutID string) error
	SetRefundID(ctx context.Context, id int64, refundID string) error

	// WithTx runs fn in one transaction. A non-nil error from fn, or a
	// failed commit, discards every write fn made.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of writes a transition is allowed to make.
type Tx interface {
	// LockEscrow reads the escrow row and holds a write lock on it until the
	// transaction ends.
	LockEscrow(ctx context.Context, id int64) (*Escrow, error)

	// UpdateStatus applies ch only if the row is still in ch.From and
	// returns the number of rows affected.
	UpdateStatus(ctx context.Context, ch StatusChange) (int64, error)

	// UpdatePaymentStatus applies ch only if the row's payment status is
	// still ch.From and returns the number of rows affected.
	UpdatePaymentStatus(ctx context.Context, ch PaymentChange) (int64, error)

	InsertTransition(ctx context.Context, t *Transition) error

	// SyncProjectStatus sets the project's status unless it already has it.
	// It reports whether a write happened.
	SyncProjectStatus(ctx context.Context, projectID int64, status ProjectStatus) (bool, error)
}

// StatusChange is a conditional lifecycle update. FundedAt and ReleasedAt
// are only written when non-nil.
type StatusChange struct {
	EscrowID   int64
	From       Status
	To         Status
	At         time.Time
	FundedAt   *time.Time
	ReleasedAt *time.Time
}

// PaymentChange is a conditional payment status update. An empty
// PaymentIntentID leaves the stored one untouched.
type PaymentChange struct {
	EscrowID        int64
	From            PaymentStatus
	To              PaymentStatus
	PaymentIntentID string
	At              time.Time
}

// WalletLedger credits a seller's withdrawable balance.
type WalletLedger interface {
	CreditWithdrawable(ctx context.Context, userID int64, amount decimal.Decimal, reference string) error
}
