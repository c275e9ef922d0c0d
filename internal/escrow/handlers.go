package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigescrow/internal/logging"
)

// Handler provides read-only HTTP endpoints for escrow state.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/transitions", h.ListTransitions)
	r.GET("/escrows/:id/eligibility", h.GetEligibility)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := escrowIDParam(c)
	if !ok {
		return
	}

	state, err := h.service.GetEscrowState(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": state})
}

// ListTransitions handles GET /v1/escrows/:id/transitions
func (h *Handler) ListTransitions(c *gin.Context) {
	id, ok := escrowIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := h.service.Get(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	history, err := h.service.GetTransitionHistory(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if history == nil {
		history = []*Transition{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transitions": history,
		"count":       len(history),
	})
}

// GetEligibility handles GET /v1/escrows/:id/eligibility
func (h *Handler) GetEligibility(c *gin.Context) {
	id, ok := escrowIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	canRelease, err := h.service.CanRelease(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	canRefund, err := h.service.CanRefund(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrowId":   id,
		"canRelease": canRelease,
		"canRefund":  canRefund,
	})
}

func escrowIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Escrow id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, ErrEscrowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
		return
	}
	logging.L(c.Request.Context()).Error("escrow query failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to load escrow",
	})
}
