package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/utils"
)

// SessionLookup resolves an operator session token to a username.
type SessionLookup func(key string) (string, bool, error)

// SessionMiddleware authenticates back-office operators by the "token"
// header. Sessions are written to Redis as "Token:<token>" => username by
// the admin panel; "Admin:<username>" marks operators allowed to execute.
func SessionMiddleware() gin.HandlerFunc {
	return SessionMiddlewareWith(config.GetRedisValue)
}

func SessionMiddlewareWith(lookup SessionLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := lookup("Token:" + token)
		if err != nil || !exists || username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		_, isAdmin, err := lookup("Admin:" + username)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		ctx = utils.SetIsAdminInContext(ctx, isAdmin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
