package refund

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/keyforge/marketpay/internal/validation"
	"github.com/keyforge/marketpay/internal/wallet"
)

// Handler provides HTTP endpoints for refund operations.
type Handler struct {
	service *Service
	sweeper *Sweeper
}

// NewHandler creates a new refund handler.
func NewHandler(service *Service, sweeper *Sweeper) *Handler {
	return &Handler{service: service, sweeper: sweeper}
}

// RegisterRoutes sets up buyer/seller refund routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/refunds", h.CreateRefund)
	r.GET("/refunds/:id", h.GetRefund)
	r.POST("/refunds/:id/seller-decision", h.SellerDecision)
	r.GET("/users/:userId/refunds", h.ListUserRefunds)
}

// RegisterAdminRoutes sets up admin-only refund routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/refunds", h.ListQueue)
	r.POST("/refunds/:id/decision", h.AdminDecision)
	r.POST("/refunds/:id/manual-refund", h.ManualRefund)
	r.POST("/refunds/sweep", h.TriggerSweep)
}

// CreateRefund handles POST /v1/refunds
func (h *Handler) CreateRefund(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Reason = validation.SanitizeString(req.Reason, validation.MaxNotesLength)
	if errs := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("buyerId", req.BuyerID),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxNotesLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	r, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrWindowClosed):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "refund_window_closed",
				"message": "The refund window for this order has closed",
			})
		case errors.Is(err, ErrOrderNotCompleted):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "order_not_completed",
				"message": "Only completed orders can be refunded",
			})
		case errors.Is(err, ErrUnknownLicenseKey):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_license_keys",
				"message": "One or more license keys do not belong to this order",
			})
		case errors.Is(err, ErrUnknownMethod):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_method",
				"message": "Unknown refund method",
			})
		case errors.Is(err, ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Only the buyer of the order can request a refund",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "refund_failed",
				"message": "Failed to create refund request",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"refund": r})
}

// GetRefund handles GET /v1/refunds/:id
func (h *Handler) GetRefund(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Refund request not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

type sellerDecisionRequest struct {
	SellerID string `json:"sellerId" binding:"required"`
	Approve  bool   `json:"approve"`
	Reason   string `json:"reason"`
}

// SellerDecision handles POST /v1/refunds/:id/seller-decision
func (h *Handler) SellerDecision(c *gin.Context) {
	var req sellerDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.SellerDecide(c.Request.Context(),
		c.Param("id"), req.SellerID, req.Approve,
		validation.SanitizeString(req.Reason, validation.MaxNotesLength))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

type adminDecisionRequest struct {
	AdminID string `json:"adminId" binding:"required"`
	Approve bool   `json:"approve"`
	Method  string `json:"refundMethod"`
	Notes   string `json:"notes"`
}

// AdminDecision handles POST /v1/admin/refunds/:id/decision
func (h *Handler) AdminDecision(c *gin.Context) {
	var req adminDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.AdminDecide(c.Request.Context(),
		c.Param("id"), req.AdminID, req.Approve, req.Method,
		validation.SanitizeString(req.Notes, validation.MaxNotesLength))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

type manualRefundRequest struct {
	AdminID     string `json:"adminId" binding:"required"`
	ExternalRef string `json:"externalRef" binding:"required"`
}

// ManualRefund handles POST /v1/admin/refunds/:id/manual-refund
func (h *Handler) ManualRefund(c *gin.Context) {
	var req manualRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.MarkManualRefund(c.Request.Context(),
		c.Param("id"), req.AdminID,
		validation.SanitizeString(req.ExternalRef, validation.MaxNotesLength))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// ListUserRefunds handles GET /v1/users/:userId/refunds
func (h *Handler) ListUserRefunds(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	refunds, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refunds": refunds,
		"count":   len(refunds),
	})
}

// ListQueue handles GET /v1/admin/refunds?stage=ADMIN_REVIEW&page=1&limit=50
func (h *Handler) ListQueue(c *gin.Context) {
	stage := Stage(c.DefaultQuery("stage", string(StageAdminReview)))
	if stage != StageSellerReview && stage != StageAdminReview {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_stage",
			"message": "stage must be SELLER_REVIEW or ADMIN_REVIEW",
		})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	refunds, err := h.service.ListByStage(c.Request.Context(), stage, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refunds": refunds,
		"stage":   stage,
		"page":    page,
		"count":   len(refunds),
	})
}

// TriggerSweep handles POST /v1/admin/refunds/sweep
func (h *Handler) TriggerSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "sweeper_unavailable",
			"message": "Refund sweeper is not running",
		})
		return
	}
	h.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"status": "sweep completed"})
}

func (h *Handler) writeTransitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Refund request not found",
		})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller is not allowed to decide this refund",
		})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": "Refund request is already resolved",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "Refund request is not in a state that allows this operation",
		})
	case errors.Is(err, ErrStaleState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Refund request was modified concurrently, re-fetch and retry",
		})
	case errors.Is(err, ErrUnknownMethod):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_method",
			"message": "Unknown refund method",
		})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_funds",
			"message": "Seller balance cannot cover the refund",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
