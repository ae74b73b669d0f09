package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/utils"
)

// SessionMiddleware resolves the "token" header issued by /login to a username.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
