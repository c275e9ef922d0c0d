package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/payments"
	"github.com/mbd888/gigescrow/internal/traces"
)

// Service implements the escrow state machine.
type Service struct {
	store   Store
	gateway payments.Gateway
	wallet  WalletLedger
	now     func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   time.Now,
	}
}

// WithGateway attaches the payment provider used by CreatePayout and
// CreateRefund.
func (s *Service) WithGateway(g payments.Gateway) *Service {
	s.gateway = g
	return s
}

// WithWallet attaches the wallet ledger credited when an escrow is released.
func (s *Service) WithWallet(w WalletLedger) *Service {
	s.wallet = w
	return s
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create records a new escrow in pending for an accepted bid.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.BuyerID == req.SellerID {
		return nil, ErrSameParty
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if _, err := money.Parse(req.Amount.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	now := s.now()
	e := &Escrow{
		ProjectID:     req.ProjectID,
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		Amount:        req.Amount,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}
	metrics.EscrowCreatedTotal.Inc()
	return e, nil
}

// Transition moves the escrow to status to. Re-applying the current status
// is a no-op success that writes nothing.
func (s *Service) Transition(ctx context.Context, id int64, to Status, actor Actor, reason string, metadata map[string]any) (*Escrow, error) {
	ctx = logging.WithEscrowID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "escrow.Transition",
		traces.EscrowID(id), traces.ToStatus(string(to)), traces.Actor(string(actor.Type)))
	defer span.End()

	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	var (
		result  *Escrow
		applied *Transition
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		result, applied, err = s.transitionTx(ctx, tx, id, to, actor, reason, metadata)
		return err
	})
	if err != nil {
		span.RecordError(err)
		metrics.EscrowTransitionErrorsTotal.WithLabelValues(errorReason(err)).Inc()
		return nil, err
	}

	if applied != nil {
		s.observe(applied)
		if applied.ToStatus == StatusReleased {
			if err := s.creditSeller(ctx, result); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

// transitionTx is the guarded edge shared by Transition and the automatic
// escalation in UpdatePaymentStatus. It returns a nil *Transition for a
// no-op.
func (s *Service) transitionTx(ctx context.Context, tx Tx, id int64, to Status, actor Actor, reason string, metadata map[string]any) (*Escrow, *Transition, error) {
	e, err := tx.LockEscrow(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	from := e.Status
	if from == to {
		return e, nil, nil
	}
	if !CanTransition(from, to) {
		return nil, nil, &TransitionError{Machine: "status", From: string(from), To: string(to)}
	}

	now := s.now()
	ch := StatusChange{EscrowID: id, From: from, To: to, At: now}
	switch to {
	case StatusFunded:
		ch.FundedAt = &now
	case StatusReleased:
		ch.ReleasedAt = &now
	}

	rows, err := tx.UpdateStatus(ctx, ch)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update escrow %d status: %w", id, err)
	}
	if rows != 1 {
		return nil, nil, fmt.Errorf("%w: escrow %d left %s before update", ErrConcurrentModification, id, from)
	}

	e.Status = to
	e.UpdatedAt = now
	if ch.FundedAt != nil {
		e.FundedAt = ch.FundedAt
	}
	if ch.ReleasedAt != nil {
		e.ReleasedAt = ch.ReleasedAt
	}

	t := &Transition{
		EscrowID:    id,
		ProjectID:   e.ProjectID,
		FromStatus:  from,
		ToStatus:    to,
		TriggeredBy: actor.Type,
		UserID:      actor.UserID,
		Reason:      reason,
		Metadata:    metadata,
		CreatedAt:   now,
	}
	if err := tx.InsertTransition(ctx, t); err != nil {
		return nil, nil, fmt.Errorf("failed to record transition for escrow %d: %w", id, err)
	}

	if ps, ok := ProjectStatusFor(to); ok {
		if _, err := tx.SyncProjectStatus(ctx, e.ProjectID, ps); err != nil {
			return nil, nil, fmt.Errorf("failed to sync project %d status: %w", e.ProjectID, err)
		}
	}

	return e, t, nil
}

// UpdatePaymentStatus moves the payment sub-state. A provider-confirmed
// success for less than the full escrow amount escalates the escrow to
// disputed in the same transaction; if that edge is not allowed from the
// current status, nothing is applied.
func (s *Service) UpdatePaymentStatus(ctx context.Context, id int64, ps PaymentStatus, amountCents *int64, paymentIntentID string) (*Escrow, error) {
	ctx = logging.WithEscrowID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "escrow.UpdatePaymentStatus",
		traces.EscrowID(id), traces.PaymentStatus(string(ps)))
	defer span.End()

	if !ps.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, ps)
	}

	var (
		result    *Escrow
		from      PaymentStatus
		escalated *Transition
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}

		from = e.PaymentStatus
		if from == ps {
			result = e
			return nil
		}
		if !CanTransitionPayment(from, ps) {
			return &TransitionError{Machine: "payment_status", From: string(from), To: string(ps)}
		}

		now := s.now()
		rows, err := tx.UpdatePaymentStatus(ctx, PaymentChange{
			EscrowID:        id,
			From:            from,
			To:              ps,
			PaymentIntentID: paymentIntentID,
			At:              now,
		})
		if err != nil {
			return fmt.Errorf("failed to update escrow %d payment status: %w", id, err)
		}
		if rows != 1 {
			return fmt.Errorf("%w: escrow %d payment left %s before update", ErrConcurrentModification, id, from)
		}
		e.PaymentStatus = ps
		e.UpdatedAt = now
		if paymentIntentID != "" {
			e.StripePaymentIntentID = paymentIntentID
		}
		result = e

		full := money.ToMinor(e.Amount)
		if ps == PaymentSucceeded && amountCents != nil && *amountCents < full {
			escalatedEscrow, t, err := s.transitionTx(ctx, tx, id, StatusDisputed, SystemActor(), PartialRefundReason, map[string]any{
				"captured_cents": *amountCents,
				"expected_cents": full,
			})
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPartialCapture, err)
			}
			result = escalatedEscrow
			escalated = t
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		metrics.EscrowTransitionErrorsTotal.WithLabelValues(errorReason(err)).Inc()
		return nil, err
	}

	if from != ps {
		metrics.EscrowPaymentStatusTotal.WithLabelValues(string(from), string(ps)).Inc()
	}
	if escalated != nil {
		s.observe(escalated)
		metrics.EscrowDisputesEscalatedTotal.Inc()
		logging.L(ctx).Info("partial capture escalated escrow to dispute",
			"captured_cents", *amountCents,
			"expected_cents", money.ToMinor(result.Amount),
		)
	}
	return result, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id int64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetEscrowState returns the escrow with its project title/status and the
// buyer and seller display names.
func (s *Service) GetEscrowState(ctx context.Context, id int64) (*EscrowState, error) {
	return s.store.GetState(ctx, id)
}

// GetTransitionHistory returns the escrow's transition log, most recent first.
func (s *Service) GetTransitionHistory(ctx context.Context, id int64) ([]*Transition, error) {
	return s.store.ListTransitions(ctx, id)
}

// CanRelease reports whether the escrow is funded and its payment succeeded.
// Advisory only: the edge table is the authoritative check.
func (s *Service) CanRelease(ctx context.Context, id int64) (bool, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return settleable(e), nil
}

// CanRefund mirrors CanRelease.
func (s *Service) CanRefund(ctx context.Context, id int64) (bool, error) {
	return s.CanRelease(ctx, id)
}

func settleable(e *Escrow) bool {
	return e.Status == StatusFunded && e.PaymentStatus == PaymentSucceeded
}

func (s *Service) observe(t *Transition) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(t.FromStatus), string(t.ToStatus), string(t.TriggeredBy)).Inc()
}

func (s *Service) creditSeller(ctx context.Context, e *Escrow) error {
	if s.wallet == nil {
		return nil
	}
	ref := fmt.Sprintf("escrow:%d", e.ID)
	if err := s.wallet.CreditWithdrawable(ctx, e.SellerID, e.Amount, ref); err != nil {
		// The release is committed and cannot be undone here.
		logging.L(ctx).Error("escrow released but wallet credit failed",
			"seller_id", e.SellerID,
			"amount", money.Format(e.Amount),
			"error", err,
		)
		return fmt.Errorf("%w: escrow %d: %v", ErrWalletCredit, e.ID, err)
	}
	return nil
}

// IsRetryable reports whether err is a conflict or timeout the caller may
// retry after re-reading state. Validation failures are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, payments.ErrProviderTimeout) ||
		errors.Is(err, payments.ErrProviderUnavailable)
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	default:
		return "internal"
	}
}
