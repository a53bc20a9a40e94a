package presence

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for presence operations.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new presence handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes sets up presence routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sessions/:id/presence", h.GetPresence)
	r.POST("/sessions/:id/heartbeat", h.Heartbeat)
	r.POST("/sessions/:id/leave", h.Leave)
}

type heartbeatRequest struct {
	Activity           Activity `json:"activity" binding:"required"`
	CurrentTransaction string   `json:"currentTransactionId,omitempty"`
}

func (h *Handler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request",
			"message": err.Error(),
		})
		return
	}
	if !ValidActivity(req.Activity) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid activity",
			"message": "activity must be verifying or reviewing",
		})
		return
	}
	verifierID := c.GetString("actorID")
	if verifierID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing verifier",
			"message": "verifier identity required",
		})
		return
	}
	m := h.coordinator.Heartbeat(c.Param("id"), verifierID, req.Activity, req.CurrentTransaction)
	c.JSON(http.StatusOK, gin.H{"member": m})
}

func (h *Handler) Leave(c *gin.Context) {
	h.coordinator.Leave(c.Param("id"), c.GetString("actorID"))
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetPresence(c *gin.Context) {
	members := h.coordinator.Snapshot(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{
		"members": members,
		"count":   len(members),
	})
}
