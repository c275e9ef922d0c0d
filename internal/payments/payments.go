// Package payments defines the payment-provider port used by the escrow
// state machine and the Stripe implementation of it.
package payments

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrProviderTimeout     = errors.New("payment provider request timed out")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// Gateway moves money at the payment provider. Implementations must not
// retry on their own; callers decide.
type Gateway interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// TransferRequest pays a seller's connected account.
type TransferRequest struct {
	AmountCents    int64
	Destination    string // connected account id
	IdempotencyKey string
	Metadata       map[string]string
}

// TransferResult is the provider's transfer object.
type TransferResult struct {
	ID          string
	AmountCents int64
	Destination string
}

// RefundRequest refunds (part of) a captured payment intent.
type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64
	Reason          string
	IdempotencyKey  string
	Metadata        map[string]string
}

// RefundResult is the provider's refund object.
type RefundResult struct {
	ID          string
	AmountCents int64
	Status      string
}

// ProviderError is a non-2xx response from the provider, carrying its
// structured error.
type ProviderError struct {
	Op         string
	StatusCode int
	Code       string
	Type       string
	Message    string
	RequestID  string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: provider returned %d (%s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: provider returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// Temporary reports whether the failure is on the provider side.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
