package middlewares

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/utils"
)

// TokenLookup resolves a session token to a user id.
type TokenLookup func(ctx context.Context, token string) (userId string, found bool, err error)

func redisTokenLookup(ctx context.Context, token string) (string, bool, error) {
	return config.GetRedisValue(ctx, "Token:"+token)
}

// SessionMiddleware resolves the "token" header through Redis. A missing header
// passes through so other identities can apply.
func SessionMiddleware(lookup TokenLookup) gin.HandlerFunc {
	if lookup == nil {
		lookup = redisTokenLookup
	}
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		userId, exists, err := lookup(c.Request.Context(), token)
		if err != nil || !exists || userId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUserIdInContext(ctx, userId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
