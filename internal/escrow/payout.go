package escrow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/payments"
	"github.com/mbd888/gigescrow/internal/traces"
)

// CreatePayout transfers the full escrow amount to the seller's connected
// account and records the provider's transfer id. It does not change status:
// the caller drives release_requested -> released, normally on the
// provider's success webhook.
func (s *Service) CreatePayout(ctx context.Context, id, sellerID int64) (*payments.TransferResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreatePayout", traces.EscrowID(id))
	defer span.End()

	if s.gateway == nil {
		return nil, ErrGatewayUnavailable
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !settleable(e) {
		return nil, fmt.Errorf("%w: status %s, payment %s", ErrNotReleasable, e.Status, e.PaymentStatus)
	}
	if e.SellerID != sellerID {
		return nil, ErrUnauthorized
	}

	account, err := s.store.PayoutAccount(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if account == "" {
		return nil, ErrNoPayoutAccount
	}

	res, err := s.gateway.CreateTransfer(ctx, payments.TransferRequest{
		AmountCents:    money.ToMinor(e.Amount),
		Destination:    account,
		IdempotencyKey: fmt.Sprintf("payout-escrow-%d", e.ID),
		Metadata: map[string]string{
			"escrow_id":  strconv.FormatInt(e.ID, 10),
			"project_id": strconv.FormatInt(e.ProjectID, 10),
			"seller_id":  strconv.FormatInt(e.SellerID, 10),
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create payout for escrow %d: %w", e.ID, err)
	}

	if err := s.store.SetPayoutID(ctx, e.ID, res.ID); err != nil {
		return nil, fmt.Errorf("payout %s created but not recorded on escrow %d: %w", res.ID, e.ID, err)
	}
	return res, nil
}

// CreateRefund refunds amountCents (or the full amount when nil) against the
// escrow's payment intent and records the provider's refund id. It does not
// change status.
func (s *Service) CreateRefund(ctx context.Context, id int64, amountCents *int64, reason string) (*payments.RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateRefund", traces.EscrowID(id))
	defer span.End()

	if s.gateway == nil {
		return nil, ErrGatewayUnavailable
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !settleable(e) {
		return nil, fmt.Errorf("%w: status %s, payment %s", ErrNotRefundable, e.Status, e.PaymentStatus)
	}
	if e.StripePaymentIntentID == "" {
		return nil, ErrNoPaymentIntent
	}

	full := money.ToMinor(e.Amount)
	amount := full
	if amountCents != nil {
		amount = *amountCents
	}
	if amount <= 0 || amount > full {
		return nil, fmt.Errorf("%w: refund of %d cents on escrow of %d", ErrInvalidAmount, amount, full)
	}

	res, err := s.gateway.CreateRefund(ctx, payments.RefundRequest{
		PaymentIntentID: e.StripePaymentIntentID,
		AmountCents:     amount,
		Reason:          reason,
		IdempotencyKey:  refundKey(e, amount),
		Metadata: map[string]string{
			"escrow_id":  strconv.FormatInt(e.ID, 10),
			"project_id": strconv.FormatInt(e.ProjectID, 10),
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create refund for escrow %d: %w", e.ID, err)
	}

	if err := s.store.SetRefundID(ctx, e.ID, res.ID); err != nil {
		return nil, fmt.Errorf("refund %s created but not recorded on escrow %d: %w", res.ID, e.ID, err)
	}
	return res, nil
}

// refundKey is stable across retries of one refund and changes once a refund
// has been recorded, so a later refund of the same amount is not collapsed
// into the earlier one by the provider.
func refundKey(e *Escrow, amountCents int64) string {
	if e.StripeRefundID == "" {
		return fmt.Sprintf("refund-escrow-%d-%d", e.ID, amountCents)
	}
	return fmt.Sprintf("refund-escrow-%d-%d-after-%s", e.ID, amountCents, e.StripeRefundID)
}
