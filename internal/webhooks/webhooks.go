// Package webhooks receives signed payment-provider events and applies them
// to escrows.
//
// Events never force a state: each one is translated into the same guarded
// Transition / UpdatePaymentStatus calls any other actor would make, so
// replays and out-of-order deliveries are either no-ops or rejected edges.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/retry"
	"github.com/mbd888/gigescrow/internal/traces"
	"github.com/stripe/stripe-go/v81"
)

// MetadataEscrowID is the metadata key that links provider objects to an
// escrow.
const MetadataEscrowID = "escrow_id"

var ErrMalformedEvent = errors.New("malformed provider event")

// EscrowService is the part of escrow.Service the processor drives.
type EscrowService interface {
	Get(ctx context.Context, id int64) (*escrow.Escrow, error)
	Transition(ctx context.Context, id int64, to escrow.Status, actor escrow.Actor, reason string, metadata map[string]any) (*escrow.Escrow, error)
	UpdatePaymentStatus(ctx context.Context, id int64, ps escrow.PaymentStatus, amountCents *int64, paymentIntentID string) (*escrow.Escrow, error)
}

var _ EscrowService = (*escrow.Service)(nil)

// Outcome describes what processing an event did.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored" // unhandled type or no escrow reference
	OutcomeStale   Outcome = "stale"   // rejected edge, e.g. a late replay
)

// Processor maps provider events onto escrow operations.
type Processor struct {
	svc       EscrowService
	attempts  int
	baseDelay time.Duration
}

// NewProcessor creates a processor that retries conflicts and timeouts.
func NewProcessor(svc EscrowService) *Processor {
	return &Processor{svc: svc, attempts: 3, baseDelay: 50 * time.Millisecond}
}

// WithRetry overrides the retry policy for conflicting writes.
func (p *Processor) WithRetry(attempts int, baseDelay time.Duration) *Processor {
	p.attempts = attempts
	p.baseDelay = baseDelay
	return p
}

// Process applies ev. Rejected edges yield OutcomeStale with a nil error,
// except a short capture that could not open a dispute: that is returned so
// the provider redelivers.
func (p *Processor) Process(ctx context.Context, ev stripe.Event) (Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "webhooks.Process", traces.EventType(string(ev.Type)))
	defer span.End()

	outcome, err := p.dispatch(ctx, ev)
	if errors.Is(err, escrow.ErrInvalidTransition) && !errors.Is(err, escrow.ErrPartialCapture) {
		logging.L(ctx).Warn("provider event rejected by state machine",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
		)
		outcome, err = OutcomeStale, nil
	}
	if err != nil {
		span.RecordError(err)
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return outcome, err
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), string(outcome)).Inc()
	return outcome, nil
}

func (p *Processor) dispatch(ctx context.Context, ev stripe.Event) (Outcome, error) {
	if ev.Data == nil {
		return OutcomeIgnored, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, ev.ID)
	}

	switch ev.Type {
	case stripe.EventTypePaymentIntentProcessing,
		stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypePaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return OutcomeIgnored, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		id, ok := escrowID(pi.Metadata)
		if !ok {
			return OutcomeIgnored, nil
		}
		ctx = logging.WithEscrowID(ctx, id)
		return p.paymentIntent(ctx, ev, id, &pi)

	case stripe.EventTypeTransferCreated:
		var tr stripe.Transfer
		if err := json.Unmarshal(ev.Data.Raw, &tr); err != nil {
			return OutcomeIgnored, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		id, ok := escrowID(tr.Metadata)
		if !ok {
			return OutcomeIgnored, nil
		}
		ctx = logging.WithEscrowID(ctx, id)
		return OutcomeApplied, p.transition(ctx, id, escrow.StatusReleased, "payout transfer created", map[string]any{
			"event_id":    ev.ID,
			"transfer_id": tr.ID,
		})

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return OutcomeIgnored, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		id, ok := escrowID(ch.Metadata)
		if !ok || !ch.Refunded {
			// Partial refunds leave the lifecycle where it is.
			return OutcomeIgnored, nil
		}
		ctx = logging.WithEscrowID(ctx, id)
		return OutcomeApplied, p.transition(ctx, id, escrow.StatusRefunded, "charge refunded", map[string]any{
			"event_id":        ev.ID,
			"charge_id":       ch.ID,
			"amount_refunded": ch.AmountRefunded,
		})
	}

	return OutcomeIgnored, nil
}

func (p *Processor) paymentIntent(ctx context.Context, ev stripe.Event, id int64, pi *stripe.PaymentIntent) (Outcome, error) {
	var target escrow.PaymentStatus
	switch ev.Type {
	case stripe.EventTypePaymentIntentProcessing:
		target = escrow.PaymentProcessing
	case stripe.EventTypePaymentIntentSucceeded:
		target = escrow.PaymentSucceeded
	case stripe.EventTypePaymentIntentPaymentFailed:
		target = escrow.PaymentFailed
	case stripe.EventTypePaymentIntentCanceled:
		target = escrow.PaymentCanceled
	}

	var e *escrow.Escrow
	if target == escrow.PaymentSucceeded || target == escrow.PaymentFailed {
		var err error
		if e, err = p.svc.Get(ctx, id); err != nil {
			return OutcomeIgnored, err
		}
	}

	// Card payments often settle without a separate processing event; walk
	// the sub-machine through processing so the edge stays valid.
	if e != nil && e.PaymentStatus == escrow.PaymentPending {
		if err := p.updatePayment(ctx, id, escrow.PaymentProcessing, nil, pi.ID); err != nil {
			return OutcomeIgnored, err
		}
	}

	if target != escrow.PaymentSucceeded {
		if err := p.updatePayment(ctx, id, target, nil, pi.ID); err != nil {
			return OutcomeIgnored, err
		}
		return OutcomeApplied, nil
	}

	// Fund before recording the capture so a short capture escalates
	// funded -> disputed. A failed or canceled payment cannot reach
	// succeeded, so it must not fund anything either.
	capturable := e.PaymentStatus != escrow.PaymentFailed && e.PaymentStatus != escrow.PaymentCanceled
	if e.Status == escrow.StatusPending && capturable {
		err := p.transition(ctx, id, escrow.StatusFunded, "payment confirmed", map[string]any{
			"event_id":          ev.ID,
			"payment_intent_id": pi.ID,
			"amount_received":   pi.AmountReceived,
		})
		if err != nil {
			return OutcomeIgnored, err
		}
	}

	received := pi.AmountReceived
	if err := p.updatePayment(ctx, id, target, &received, pi.ID); err != nil {
		return OutcomeApplied, err
	}
	return OutcomeApplied, nil
}

func (p *Processor) updatePayment(ctx context.Context, id int64, ps escrow.PaymentStatus, amount *int64, intentID string) error {
	return retry.DoIf(ctx, p.attempts, p.baseDelay, escrow.IsRetryable, func() error {
		_, err := p.svc.UpdatePaymentStatus(ctx, id, ps, amount, intentID)
		return err
	})
}

func (p *Processor) transition(ctx context.Context, id int64, to escrow.Status, reason string, metadata map[string]any) error {
	return retry.DoIf(ctx, p.attempts, p.baseDelay, escrow.IsRetryable, func() error {
		_, err := p.svc.Transition(ctx, id, to, escrow.WebhookActor(), reason, metadata)
		return err
	})
}

func escrowID(md map[string]string) (int64, bool) {
	raw, ok := md[MetadataEscrowID]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
