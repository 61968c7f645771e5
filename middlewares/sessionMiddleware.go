package middlewares

import (
	"context"
	"net/http"

	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

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

		ctx := context.WithValue(c.Request.Context(), utils.ContextKeyToken, token)
		ctx = context.WithValue(ctx, utils.ContextKeyUsername, username)

		// Service callers may carry a jwt instead of a session token.
		if parsed, err := utils.JwtValidate(token); err == nil && parsed.Valid {
			if claims, ok := parsed.Claims.(*utils.JwtCustomClaim); ok {
				ctx = utils.SetUserIdInContext(ctx, claims.ID)
				ctx = utils.SetIsAdminInContext(ctx, claims.Role == "Admin")
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CorrelationIdMiddleware tags every request with a correlation id, reusing
// the caller's X-Correlation-Id when present.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Correlation-Id", correlationId)
		c.Next()
	}
}
