package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up routes available to any key holder.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.GetCurrentParty)
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
	r.POST("/auth/keys/:keyId/regenerate", h.RegenerateKey)
}

// RegisterAdminRoutes sets up key issuance behind the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.IssueKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "API keys are issued per party by an operator. Store them securely.",
		"publicEndpoints": []string{
			"GET /v1/escrows/:id",
			"GET /v1/users/:userId/escrows",
			"GET /v1/analytics/global",
			"GET /v1/disputes/:id",
		},
		"protectedEndpoints": []string{
			"POST /v1/escrows",
			"POST /v1/escrows/:id/lock",
			"POST /v1/escrows/:id/confirm",
			"POST /v1/escrows/:id/release",
			"POST /v1/escrows/:id/dispute",
			"POST /v1/disputes/:id/votes",
		},
	})
}

// IssueKeyRequest is the request body for operator key issuance
type IssueKeyRequest struct {
	PartyID string `json:"partyId" binding:"required"`
	Name    string `json:"name"`
}

// IssueKey creates the first key for a party. Admin only.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId is required",
		})
		return
	}
	if req.Name == "" {
		req.Name = "Primary key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.PartyID, req.Name)
	if err != nil {
		if errors.Is(err, ErrMissingParty) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"partyId": key.PartyID,
		"name":    key.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for the authenticated party
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.PartyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional API key for the caller
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.PartyID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")

	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.PartyID); err != nil {
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

// RegenerateKey revokes old key and creates new one
func (h *Handler) RegenerateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.PartyID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found",
		})
		return
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.PartyID, "Regenerated key")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to regenerate API key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"apiKey":   rawKey,
		"keyId":    newKey.ID,
		"oldKeyId": keyID,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}

// GetCurrentParty returns info about the authenticated party
func (h *Handler) GetCurrentParty(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"partyId":   key.PartyID,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
