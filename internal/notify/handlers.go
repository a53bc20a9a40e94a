package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jplaza/payguard/internal/idgen"
	"github.com/jplaza/payguard/internal/security"
)

// Handler provides HTTP endpoints for notification subscriptions.
type Handler struct {
	store Store
}

// NewHandler creates a new subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes. The authenticated actor
// manages only their own subscriptions.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/subscriptions", h.CreateSubscription)
	r.GET("/notifications/subscriptions", h.ListSubscriptions)
	r.DELETE("/notifications/subscriptions/:subId", h.DeleteSubscription)
}

// CreateSubscriptionRequest registers one webhook endpoint.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

func (h *Handler) CreateSubscription(c *gin.Context) {
	userID := c.GetString("actorID")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_actor",
			"message": "caller identity required",
		})
		return
	}

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must include a url",
		})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		events[i] = EventType(e)
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Payguard-Signature",
		},
	})
}

func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.GetByUser(c.Request.Context(), c.GetString("actorID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "failed to list subscriptions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *Handler) DeleteSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("subId"))
	if errors.Is(err, ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "subscription not found",
		})
		return
	}
	if err == nil && sub.UserID != c.GetString("actorID") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "subscription belongs to another user",
		})
		return
	}
	if err == nil {
		err = h.store.Delete(c.Request.Context(), sub.ID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "failed to delete subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func generateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
