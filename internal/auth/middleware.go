package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyPartyID is the key for storing the authenticated party id.
	// Escrow and dispute handlers read it to decide who is acting.
	ContextKeyPartyID = "authPartyID"
	// AdminSecretHeader carries the operator secret for admin routes.
	AdminSecretHeader = "X-Admin-Secret"
)

// Middleware extracts and validates API key from request
// Sets apiKey and authPartyID in context if valid
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyPartyID, key.PartyID)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireParty requires auth AND that the caller is the party named by
// the given URL param.
func RequireParty(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, exists := c.Get(ContextKeyAPIKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}

		apiKey, ok := key.(*APIKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Invalid authentication state",
			})
			return
		}
		if apiKey.PartyID != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "API key does not belong to this party.",
			})
			return
		}

		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header against secret.
// An empty secret disables admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin routes are disabled. Set ADMIN_SECRET to enable them.",
			})
			return
		}
		got := c.GetHeader(AdminSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid " + AdminSecretHeader + " header required.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetAuthenticatedParty returns the authenticated party id
func GetAuthenticatedParty(c *gin.Context) string {
	return c.GetString(ContextKeyPartyID)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
