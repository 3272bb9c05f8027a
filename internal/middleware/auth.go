package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/driftchat/driftchat/internal/session"
)

// SessionKey is the gin context key holding the authenticated session id.
const SessionKey = "session_id"

// SessionAuth validates the anonymous session token and stores the session
// id in the request context.
func SessionAuth(registry *session.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization header format",
			})
			return
		}

		sessionID, err := registry.ParseToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired session token",
			})
			return
		}

		c.Set(SessionKey, sessionID)
		c.Next()
	}
}

// SessionID returns the authenticated session id, or "".
func SessionID(c *gin.Context) string {
	value, ok := c.Get(SessionKey)
	if !ok {
		return ""
	}
	id, _ := value.(string)
	return id
}
