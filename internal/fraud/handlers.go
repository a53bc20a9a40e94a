package fraud

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes recorded assessments over HTTP. Scoring itself happens
// inside the session lifecycle; these routes are read-only views for the
// verifier UI and admin tooling.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up assessment lookup routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id/assessment", h.GetAssessment)
	r.GET("/batches/:id/assessments", h.ListBatchAssessments)
}

// GetAssessment handles GET /v1/transactions/:id/assessment.
func (h *Handler) GetAssessment(c *gin.Context) {
	a, err := h.store.GetByTransaction(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrAssessmentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No assessment recorded for this transaction",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load assessment",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment": a})
}

// ListBatchAssessments handles GET /v1/batches/:id/assessments.
func (h *Handler) ListBatchAssessments(c *gin.Context) {
	assessments, err := h.store.ListByBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load assessments",
		})
		return
	}
	if assessments == nil {
		assessments = []*Assessment{}
	}
	c.JSON(http.StatusOK, gin.H{
		"assessments": assessments,
		"count":       len(assessments),
	})
}
