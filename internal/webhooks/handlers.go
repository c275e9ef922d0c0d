package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/stripe/stripe-go/v81/webhook"
)

// MaxBodyBytes caps an inbound event payload.
const MaxBodyBytes = 64 << 10

// Handler exposes the provider webhook endpoint.
type Handler struct {
	processor *Processor
	secret    string
}

// NewHandler creates a webhook handler verifying events against secret.
func NewHandler(processor *Processor, secret string) *Handler {
	return &Handler{processor: processor, secret: secret}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.HandleStripe)
}

// HandleStripe handles POST /webhooks/stripe
func (h *Handler) HandleStripe(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "Webhook payload exceeds limit",
		})
		return
	}

	ev, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		logging.L(ctx).Warn("rejected webhook", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	outcome, err := h.processor.Process(ctx, ev)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "escrow_not_found",
			"message": "Event references an unknown escrow",
		})
	case errors.Is(err, ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_event",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrWalletCredit):
		// The release committed; redelivery would be a no-op.
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": OutcomeApplied})
	default:
		logging.L(ctx).Error("webhook processing failed",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Event could not be applied",
		})
	}
}
