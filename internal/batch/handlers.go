package batch

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jplaza/payguard/internal/validation"
)

// Handler provides HTTP endpoints for batch operations.
type Handler struct {
	service *Lifecycle
}

// NewHandler creates a new batch handler.
func NewHandler(service *Lifecycle) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) batch routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/batches/:id", h.GetBatch)
	r.GET("/batches/:id/transactions", h.ListTransactions)
	r.GET("/businesses/:id/batches", h.ListBatches)
}

// RegisterAdminRoutes sets up admin-only batch routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/batches", h.CreateBatch)
	r.POST("/batches/:id/release", h.ReleaseBatch)
	r.POST("/batches/:id/cancel", h.CancelBatch)
}

// CreateBatch handles POST /v1/admin/batches
func (h *Handler) CreateBatch(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("businessId", req.BusinessID),
		validation.ValidISOWeek("week", req.Week, req.Year),
	}
	for _, txn := range req.Transactions {
		validators = append(validators, validation.ValidAmount("amount", txn.Amount))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req.CreatedBy = c.GetString("actorID")
	b, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrDuplicateBatch) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_batch",
				"message": err.Error(),
			})
			return
		}
		if errors.Is(err, ErrInvalidStatus) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "batch_create_failed",
			"message": "Failed to create batch",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"batch": b})
}

// ReleaseBatch handles POST /v1/admin/batches/:id/release
func (h *Handler) ReleaseBatch(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.ActorID = c.GetString("actorID")

	res, err := h.service.Release(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "release_failed"
		switch {
		case errors.Is(err, ErrBatchNotFound):
			status, code = http.StatusNotFound, "not_found"
		case errors.Is(err, ErrInvalidStatus):
			status, code = http.StatusConflict, "invalid_status"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	if res.Batch == nil {
		// Guards rejected and no force flag: report the full rejection so
		// the admin can correct or force in one round trip.
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":     "release_rejected",
			"message":   "Release rejected by guard checks",
			"rejection": res.Rejection,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"batch":     res.Batch,
		"sessionId": res.SessionID,
		"forced":    res.Forced,
	})
}

// CancelBatch handles POST /v1/admin/batches/:id/cancel
func (h *Handler) CancelBatch(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Cancellation requires a reason",
		})
		return
	}

	b, err := h.service.Cancel(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500), c.GetString("actorID"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "cancel_failed"
		switch {
		case errors.Is(err, ErrBatchNotFound):
			status, code = http.StatusNotFound, "not_found"
		case errors.Is(err, ErrBatchTerminal):
			status, code = http.StatusConflict, "batch_terminal"
		case errors.Is(err, ErrInvalidStatus):
			status, code = http.StatusBadRequest, "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"batch": b})
}

// GetBatch handles GET /v1/batches/:id
func (h *Handler) GetBatch(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Batch not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "batch_lookup_failed",
			"message": "Failed to load batch",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": b})
}

// ListTransactions handles GET /v1/batches/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txns, err := h.service.Transactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Batch not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "batch_lookup_failed",
			"message": "Failed to load transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// ListBatches handles GET /v1/businesses/:id/batches
func (h *Handler) ListBatches(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	batches, err := h.service.ListByBusiness(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "batch_list_failed",
			"message": "Failed to list batches",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batches": batches,
		"count":   len(batches),
	})
}
