package payout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/keyforge/marketpay/internal/validation"
)

// Handler provides HTTP endpoints for payout operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up seller-facing payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts/:id", h.GetPayout)
	r.GET("/sellers/:sellerId/payouts", h.ListSellerPayouts)
}

// RegisterAdminRoutes sets up admin-only payout routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payouts/schedule", h.SchedulePayout)
	r.POST("/payouts/run", h.TriggerRun)
	r.GET("/payouts", h.ListByStatus)
	r.POST("/payouts/:id/hold", h.HoldPayout)
	r.POST("/payouts/:id/release-hold", h.ReleaseHold)
}

// SchedulePayout handles POST /v1/admin/payouts/schedule. In production the
// order-settlement pipeline calls Schedule directly; the endpoint exists for
// backfills and manual corrections.
func (h *Handler) SchedulePayout(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("sellerId", req.SellerID),
		validation.PositiveAmount("subtotal", req.Subtotal),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p, err := h.service.Schedule(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrDuplicateSchedule) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_scheduled",
				"message": "A payout already exists for this order",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "schedule_failed",
			"message": "Failed to schedule payout",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout": p})
}

// TriggerRun handles POST /v1/admin/payouts/run
func (h *Handler) TriggerRun(c *gin.Context) {
	result, err := h.service.Run(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "run_in_progress",
				"message": "A payout run is already in progress",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "run_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": result})
}

// GetPayout handles GET /v1/payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payout not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// ListSellerPayouts handles GET /v1/sellers/:sellerId/payouts
func (h *Handler) ListSellerPayouts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	payouts, err := h.service.ListBySeller(c.Request.Context(), c.Param("sellerId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payouts": payouts,
		"count":   len(payouts),
	})
}

// ListByStatus handles GET /v1/admin/payouts?status=pending
func (h *Handler) ListByStatus(c *gin.Context) {
	status, err := ParseStatus(c.DefaultQuery("status", string(StatusPending)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "Unknown payout status",
		})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	payouts, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payouts": payouts,
		"status":  status,
		"count":   len(payouts),
	})
}

type holdRequest struct {
	Reason string `json:"reason"`
}

// HoldPayout handles POST /v1/admin/payouts/:id/hold
func (h *Handler) HoldPayout(c *gin.Context) {
	var req holdRequest
	_ = c.ShouldBindJSON(&req)

	p, err := h.service.Hold(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Reason, validation.MaxNotesLength))
	if err != nil {
		h.writeStatusError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// ReleaseHold handles POST /v1/admin/payouts/:id/release-hold
func (h *Handler) ReleaseHold(c *gin.Context) {
	p, err := h.service.ReleaseHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeStatusError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

func (h *Handler) writeStatusError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payout not found",
		})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": "Payout is not in a status that allows this operation",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
