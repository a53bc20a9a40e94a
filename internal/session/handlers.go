package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jplaza/payguard/internal/validation"
)

// Handler provides HTTP endpoints for session operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new session handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up verifier-facing session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/sessions/:id/progress", h.GetProgress)
	r.GET("/sessions/:id/results", h.ListResults)
	r.POST("/sessions/:id/start", h.StartSession)
	r.POST("/sessions/:id/decisions", h.RecordDecision)
	r.POST("/sessions/:id/transactions/:txnId/flag", h.FlagTransaction)
	r.POST("/sessions/:id/pause", h.PauseSession)
	r.POST("/sessions/:id/resume", h.ResumeSession)
}

// RegisterAdminRoutes sets up admin-only session routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/:id/transactions/:txnId/override", h.OverrideDecision)
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *Handler) GetProgress(c *gin.Context) {
	report, err := h.service.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) ListResults(c *gin.Context) {
	results, err := h.service.Results(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

func (h *Handler) StartSession(c *gin.Context) {
	sess, err := h.service.Start(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *Handler) RecordDecision(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Note = validation.SanitizeString(req.Note, 1000)
	req.VerifierID = c.GetString("actorID")

	result, err := h.service.RecordDecision(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *Handler) FlagTransaction(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	// The note is optional; an empty body flags without one.
	_ = c.ShouldBindJSON(&req)

	result, err := h.service.Flag(c.Request.Context(), c.Param("id"), c.Param("txnId"),
		validation.SanitizeString(req.Note, 1000), c.GetString("actorID"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *Handler) PauseSession(c *gin.Context) {
	sess, err := h.service.Pause(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *Handler) ResumeSession(c *gin.Context) {
	sess, err := h.service.Resume(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *Handler) OverrideDecision(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Note = validation.SanitizeString(req.Note, 1000)
	req.ActorID = c.GetString("actorID")

	result, err := h.service.Override(c.Request.Context(), c.Param("id"), c.Param("txnId"), req)
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// respondSessionError maps service errors onto the error taxonomy:
// validation problems are 400, conflicts (double decisions, bad state) are
// 409, absences are 404.
func respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrResultNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": "already_verified", "message": err.Error()})
	case errors.Is(err, ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "session_exists", "message": err.Error()})
	case errors.Is(err, ErrSessionNotActive), errors.Is(err, ErrInvalidStatusChange):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_session_state", "message": err.Error()})
	case errors.Is(err, ErrInvalidDecision), errors.Is(err, ErrNotDecided):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_operation_failed", "message": "Internal error"})
	}
}
