package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for credential management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer vk_...",
		"altHeader": "X-API-Key: vk_...",
		"note":      "Keys are issued when an operator registers a verifier or admin. Store them securely.",
		"roles": gin.H{
			"verifier": "record decisions, pause/resume sessions, report presence",
			"admin":    "import, release, and cancel batches; override decisions",
		},
	})
}

// RegisterActorRequest is the request body for issuing a first credential
type RegisterActorRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Role    Role   `json:"role" binding:"required"`
	Name    string `json:"name"`
}

// RegisterActor issues the first credential for a verifier or admin.
// Admin-gated: operators onboard their staff, staff do not self-register.
func (h *Handler) RegisterActor(c *gin.Context) {
	var req RegisterActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !ValidRole(req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be 'verifier' or 'admin'",
		})
		return
	}
	if req.Name == "" {
		req.Name = "Primary key"
	}

	rawKey, cred, err := h.manager.GenerateKey(c.Request.Context(), req.ActorID, req.Role, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue credential",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   cred.ID,
		"actorId": cred.ActorID,
		"role":    cred.Role,
		"warning": "Store this key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// ListKeys returns credentials for the authenticated actor
func (h *Handler) ListKeys(c *gin.Context) {
	cred, ok := GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	creds, err := h.manager.ListKeys(c.Request.Context(), cred.ActorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safe := make([]gin.H, len(creds))
	for i, k := range creds {
		safe[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"role":      k.Role,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safe,
		"count": len(safe),
	})
}

// CreateKeyRequest is the request body for creating an additional key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional key for the authenticated actor.
// The new key carries the same role as the one used to create it.
func (h *Handler) CreateKey(c *gin.Context) {
	cred, ok := GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newCred, err := h.manager.GenerateKey(c.Request.Context(), cred.ActorID, cred.Role, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newCred.ID,
		"name":    newCred.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the authenticated actor's credentials
func (h *Handler) RevokeKey(c *gin.Context) {
	cred, ok := GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")

	// Prevent revoking current key
	if keyID == cred.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, cred.ActorID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// Whoami returns info about the authenticated actor
func (h *Handler) Whoami(c *gin.Context) {
	cred, ok := GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"actorId":   cred.ActorID,
		"role":      cred.Role,
		"keyId":     cred.ID,
		"keyName":   cred.Name,
		"createdAt": cred.CreatedAt,
		"lastUsed":  cred.LastUsed,
	})
}
