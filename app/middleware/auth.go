package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"appforge/pkg/logger"
)

// APIKeyAuth checks the operator API key. Browsers cannot set headers on a
// websocket handshake, so the key is also accepted as ?api_key=.
// An empty key disables authentication.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		presented := BearerToken(c.Request)
		if presented == "" {
			presented = c.Query("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
			logger.WarnCtx(c.Request.Context(), "unauthorized request to %s, invalid API key", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
