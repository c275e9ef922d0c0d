// Package escrow implements the escrow payment state machine.
//
// An escrow holds a fixed amount for one buyer/seller/project engagement.
// Every change to its lifecycle status or its payment-provider status passes
// through a guarded transition:
//
//  1. The row is read under a write lock inside a transaction
//  2. The requested edge is checked against a static adjacency table
//  3. The update is conditioned on the previously read value; zero affected
//     rows means another transition committed first
//  4. An append-only transition log row is written
//  5. The coarse project status is derived from the new escrow status
//
// Either all of those writes commit or none do.
package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrEscrowExists           = errors.New("escrow already exists for project")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrConcurrentModification = errors.New("escrow changed concurrently")
	ErrLockTimeout            = errors.New("timed out waiting for escrow lock")
	ErrUnknownStatus          = errors.New("unknown status")
	ErrInvalidActor           = errors.New("invalid actor")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrUnauthorized           = errors.New("not authorized for this escrow operation")
	ErrNotReleasable          = errors.New("escrow is not releasable")
	ErrNotRefundable          = errors.New("escrow is not refundable")
	ErrNoPayoutAccount        = errors.New("seller has no connected payout account")
	ErrNoPaymentIntent        = errors.New("escrow has no recorded payment intent")
	ErrGatewayUnavailable     = errors.New("payment gateway not configured")
	ErrWalletCredit           = errors.New("wallet credit failed after release")
	ErrPartialCapture         = errors.New("short capture could not be escalated to dispute")
	ErrSameParty              = errors.New("buyer and seller cannot be the same user")
)

// Status is the escrow lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusFunded           Status = "funded"
	StatusReleaseRequested Status = "release_requested"
	StatusRefundRequested  Status = "refund_requested"
	StatusDisputed         Status = "disputed"
	StatusReleased         Status = "released"
	StatusRefunded         Status = "refunded"
	StatusCanceled         Status = "canceled"
)

// PaymentStatus is the payment-provider-facing sub-state. It moves
// independently of Status.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCanceled   PaymentStatus = "canceled"
)

// ActorType identifies what triggered a transition.
type ActorType string

const (
	ActorAdmin         ActorType = "admin"
	ActorSystem        ActorType = "system"
	ActorBuyerApproval ActorType = "buyer_approval"
	ActorWebhook       ActorType = "webhook"
)

// ProjectStatus is the coarse project-level status derived from the escrow.
type ProjectStatus string

const (
	ProjectOpen       ProjectStatus = "open"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectCanceled   ProjectStatus = "canceled"
	ProjectDisputed   ProjectStatus = "disputed"
)

// PartialRefundReason is the log reason for automatic dispute escalation.
const PartialRefundReason = "Partial refund triggered dispute"

// Actor is who (or what) is asking for a transition. It is the only way
// identity enters the state machine.
type Actor struct {
	Type   ActorType
	UserID *int64
}

// SystemActor is used for transitions the engine applies on its own.
func SystemActor() Actor { return Actor{Type: ActorSystem} }

// WebhookActor is used for transitions driven by provider events.
func WebhookActor() Actor { return Actor{Type: ActorWebhook} }

// AdminActor is an administrator acting on an escrow.
func AdminActor(userID int64) Actor { return Actor{Type: ActorAdmin, UserID: &userID} }

// BuyerApprovalActor is the buyer approving delivered work.
func BuyerApprovalActor(userID int64) Actor {
	return Actor{Type: ActorBuyerApproval, UserID: &userID}
}

// Validate checks that user-driven actors carry a user id and machine-driven
// actors do not.
func (a Actor) Validate() error {
	switch a.Type {
	case ActorAdmin, ActorBuyerApproval:
		if a.UserID == nil {
			return fmt.Errorf("%w: %s requires a user id", ErrInvalidActor, a.Type)
		}
	case ActorSystem, ActorWebhook:
		if a.UserID != nil {
			return fmt.Errorf("%w: %s must not carry a user id", ErrInvalidActor, a.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidActor, a.Type)
	}
	return nil
}

// Escrow is the persisted record of funds held for one project engagement.
// Amount is fixed at creation and never changes.
type Escrow struct {
	ID                      int64           `json:"id"`
	ProjectID               int64           `json:"projectId"`
	BuyerID                 int64           `json:"buyerId"`
	SellerID                int64           `json:"sellerId"`
	Amount                  decimal.Decimal `json:"amount"`
	Status                  Status          `json:"status"`
	PaymentStatus           PaymentStatus   `json:"paymentStatus"`
	StripePaymentIntentID   string          `json:"stripePaymentIntentId,omitempty"`
	StripeCheckoutSessionID string          `json:"stripeCheckoutSessionId,omitempty"`
	StripePayoutID          string          `json:"stripePayoutId,omitempty"`
	StripeRefundID          string          `json:"stripeRefundId,omitempty"`
	WorkDeliveredAt         *time.Time      `json:"workDeliveredAt,omitempty"`
	BuyerApprovedAt         *time.Time      `json:"buyerApprovedAt,omitempty"`
	FundedAt                *time.Time      `json:"fundedAt,omitempty"`
	ReleasedAt              *time.Time      `json:"releasedAt,omitempty"`
	HeldAt                  *time.Time      `json:"heldAt,omitempty"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Transition is one append-only row of escrow history.
type Transition struct {
	ID          int64          `json:"id"`
	EscrowID    int64          `json:"escrowId"`
	ProjectID   int64          `json:"projectId"`
	FromStatus  Status         `json:"fromStatus"`
	ToStatus    Status         `json:"toStatus"`
	TriggeredBy ActorType      `json:"triggeredBy"`
	UserID      *int64         `json:"userId,omitempty"`
	UserName    string         `json:"userName,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// EscrowState is an escrow joined with its project and party names.
type EscrowState struct {
	Escrow
	ProjectTitle  string        `json:"projectTitle"`
	ProjectStatus ProjectStatus `json:"projectStatus"`
	BuyerName     string        `json:"buyerName"`
	SellerName    string        `json:"sellerName"`
}

// CreateRequest pairs a buyer, seller and project at the accepted bid amount.
type CreateRequest struct {
	ProjectID int64           `json:"projectId"`
	BuyerID   int64           `json:"buyerId"`
	SellerID  int64           `json:"sellerId"`
	Amount    decimal.Decimal `json:"amount"`
}
