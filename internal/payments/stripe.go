package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mbd888/gigescrow/internal/circuitbreaker"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/traces"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 15 * time.Second

const (
	opTransfer = "transfer"
	opRefund   = "refund"
)

// StripeConfig configures the Stripe gateway.
type StripeConfig struct {
	SecretKey string
	Currency  string        // ISO currency for transfers, e.g. "usd"
	APIURL    string        // optional override of the API base URL
	Timeout   time.Duration // per-call timeout
	Breaker   *circuitbreaker.Breaker
	Logger    *slog.Logger
}

// StripeGateway implements Gateway on the Stripe API using a bearer secret key.
type StripeGateway struct {
	api      *client.API
	currency string
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker
}

// NewStripeGateway creates a Stripe-backed gateway. Network retries inside
// the Stripe client are disabled.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &slogAdapter{logger: cfg.Logger},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &StripeGateway{
		api: client.New(cfg.SecretKey, &stripe.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		}),
		currency: cfg.Currency,
		timeout:  cfg.Timeout,
		breaker:  cfg.Breaker,
	}, nil
}

// CreateTransfer sends AmountCents to the destination connected account.
func (g *StripeGateway) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%s: amount must be positive", opTransfer)
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("%s: destination account is required", opTransfer)
	}

	ctx, span := traces.StartSpan(ctx, "payments.CreateTransfer", traces.AmountCents(req.AmountCents))
	defer span.End()

	var tr *stripe.Transfer
	err := g.call(ctx, opTransfer, func(ctx context.Context) error {
		params := &stripe.TransferParams{
			Amount:      stripe.Int64(req.AmountCents),
			Currency:    stripe.String(g.currency),
			Destination: stripe.String(req.Destination),
		}
		params.Context = ctx
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}
		var err error
		tr, err = g.api.Transfers.New(params)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := &TransferResult{ID: tr.ID, AmountCents: tr.Amount, Destination: req.Destination}
	if tr.Destination != nil && tr.Destination.ID != "" {
		res.Destination = tr.Destination.ID
	}
	return res, nil
}

// CreateRefund refunds AmountCents of the payment intent.
func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentIntentID == "" {
		return nil, fmt.Errorf("%s: payment intent is required", opRefund)
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%s: amount must be positive", opRefund)
	}

	ctx, span := traces.StartSpan(ctx, "payments.CreateRefund", traces.AmountCents(req.AmountCents))
	defer span.End()

	var rf *stripe.Refund
	err := g.call(ctx, opRefund, func(ctx context.Context) error {
		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(req.PaymentIntentID),
			Amount:        stripe.Int64(req.AmountCents),
		}
		params.Context = ctx
		// Stripe only accepts a fixed set of reasons; free text travels as metadata.
		if r, ok := refundReason(req.Reason); ok {
			params.Reason = stripe.String(r)
		}
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey)
		}
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}
		if req.Reason != "" {
			params.AddMetadata("reason", req.Reason)
		}
		var err error
		rf, err = g.api.Refunds.New(params)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &RefundResult{ID: rf.ID, AmountCents: rf.Amount, Status: string(rf.Status)}, nil
}

// call runs fn under the per-call timeout and the circuit breaker, and
// translates Stripe errors into ProviderError / ErrProviderTimeout.
func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	key := "stripe." + op
	if g.breaker != nil && !g.breaker.Allow(key) {
		metrics.ProviderRequestsTotal.WithLabelValues(op, "rejected").Inc()
		return fmt.Errorf("%s: %w", op, ErrProviderUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := translate(op, fn(ctx))
	metrics.ProviderRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if g.breaker != nil {
		if tripsBreaker(err) {
			g.breaker.RecordFailure(key)
		} else {
			g.breaker.RecordSuccess(key)
		}
	}

	metrics.ProviderRequestsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	return err
}

func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return &ProviderError{
			Op:         op,
			StatusCode: se.HTTPStatusCode,
			Code:       string(se.Code),
			Type:       string(se.Type),
			Message:    se.Msg,
			RequestID:  se.RequestID,
		}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%s: %w", op, ErrProviderTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// tripsBreaker is true for provider-side failures. Rejections for bad
// requests say nothing about the provider's health.
func tripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Temporary()
	}
	return true
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrProviderTimeout) {
		return "timeout"
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Temporary() {
			return "provider_error"
		}
		return "rejected_request"
	}
	return "network_error"
}

func refundReason(reason string) (string, bool) {
	switch stripe.RefundReason(reason) {
	case stripe.RefundReasonDuplicate, stripe.RefundReasonFraudulent, stripe.RefundReasonRequestedByCustomer:
		return reason, true
	}
	return "", false
}

// slogAdapter routes the Stripe client's leveled logs into slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Debugf(format string, v ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (a *slogAdapter) Infof(format string, v ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (a *slogAdapter) Warnf(format string, v ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, v...), "component", "stripe")
}

func (a *slogAdapter) Errorf(format string, v ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, v...), "component", "stripe")
}

// Compile-time assertion that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)
