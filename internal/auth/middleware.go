package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyCredential is the gin context key for the validated credential
	ContextKeyCredential = "credential"
	// ContextKeyActorID is the gin context key for the authenticated actor
	ContextKeyActorID = "actorID"
	// ContextKeyActorRole is the gin context key for the actor's role
	ContextKeyActorRole = "actorRole"
)

// Middleware extracts and validates the API key from the request and sets
// actorID and actorRole in the gin context when valid. It never rejects;
// route groups that need auth add RequireAuth or RequireAdmin on top.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			cred, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyCredential, cred)
				c.Set(ContextKeyActorID, cred.ActorID)
				c.Set(ContextKeyActorRole, string(cred.Role))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests that did not present a valid credential
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyCredential); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer vk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin allows admin-role credentials, or the configured admin
// secret presented in the X-Admin-Secret header. An empty configured
// secret disables the header escape hatch entirely.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminSecret != "" {
			provided := c.GetHeader("X-Admin-Secret")
			if provided != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(adminSecret)) == 1 {
				// Header auth carries no credential; attribute to the shared admin identity.
				if c.GetString(ContextKeyActorID) == "" {
					c.Set(ContextKeyActorID, "admin")
				}
				c.Set(ContextKeyActorRole, string(RoleAdmin))
				c.Next()
				return
			}
		}

		cred, ok := GetCredential(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required.",
			})
			return
		}
		if cred.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This action requires an admin credential.",
			})
			return
		}

		c.Next()
	}
}

// GetCredential returns the validated credential from context
func GetCredential(c *gin.Context) (*Credential, bool) {
	v, exists := c.Get(ContextKeyCredential)
	if !exists {
		return nil, false
	}
	return v.(*Credential), true
}

// ActorID returns the authenticated actor's ID, or "" when unauthenticated
func ActorID(c *gin.Context) string {
	return c.GetString(ContextKeyActorID)
}

// IsAuthenticated checks if the request presented a valid credential
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyCredential)
	return exists
}
