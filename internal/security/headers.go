// Package security provides HTTP hardening middleware and outbound URL checks.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderOptions tunes HeadersMiddleware.
type HeaderOptions struct {
	// HSTS adds Strict-Transport-Security. Enable only behind TLS.
	HSTS bool
}

// HeadersMiddleware sets response headers for a JSON-only API. Escrow and
// dispute payloads are never cacheable.
func HeadersMiddleware(opts HeaderOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
		h.Set("Cache-Control", "no-store")
		if opts.HSTS {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// CORSMiddleware answers cross-origin requests from allowedOrigins. "*"
// allows any origin without credentials; an empty list allows none.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			wildcard = true
			continue
		}
		if o != "" {
			allowed[o] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		c.Writer.Header().Add("Vary", "Origin")

		if origin != "" && (wildcard || allowed[origin]) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID")
			h.Set("Access-Control-Max-Age", "86400")
			// Credentials are never combined with a wildcard.
			if !wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
