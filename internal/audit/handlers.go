package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the audit trail over HTTP. Read-only: the trail has no
// mutation verbs.
type Handler struct {
	trail *Trail
}

func NewHandler(trail *Trail) *Handler {
	return &Handler{trail: trail}
}

// RegisterRoutes sets up audit query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.Query)
	r.GET("/batches/:id/audit", h.QueryByBatch)
	r.GET("/sessions/:id/audit", h.QuerySession)
}

// Query handles GET /v1/audit with optional filters.
func (h *Handler) Query(c *gin.Context) {
	f := Filter{
		BatchID:    c.Query("batchId"),
		SessionID:  c.Query("sessionId"),
		BusinessID: c.Query("businessId"),
		ActorID:    c.Query("actorId"),
		Event:      EventType(c.Query("event")),
		Cursor:     c.Query("cursor"),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		f.Limit = n
	}
	h.respond(c, f)
}

// QueryByBatch handles GET /v1/batches/:id/audit.
func (h *Handler) QueryByBatch(c *gin.Context) {
	h.respond(c, Filter{
		BatchID: c.Param("id"),
		Cursor:  c.Query("cursor"),
	})
}

// QuerySession handles GET /v1/sessions/:id/audit.
func (h *Handler) QuerySession(c *gin.Context) {
	h.respond(c, Filter{
		SessionID: c.Param("id"),
		Cursor:    c.Query("cursor"),
	})
}

func (h *Handler) respond(c *gin.Context, f Filter) {
	entries, next, err := h.trail.Query(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Could not read the requested page",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	resp := gin.H{
		"entries": entries,
		"count":   len(entries),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
