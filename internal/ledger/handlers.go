package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigescrow/internal/logging"
)

// Handler provides read-only HTTP endpoints for seller balances.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up balance query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/ledger", h.GetHistory)
}

// GetBalance handles GET /v1/users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /v1/users/:id/ledger?limit=N
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.ledger.GetHistory(c.Request.Context(), userID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func userIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "User id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("ledger query failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to load balance",
	})
}
