package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/exceptions_backend/utils"
)

// AuthMiddleware accepts "Authorization: Bearer <jwt>" for callers without a session token.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUserIdFromContext(c.Request.Context()); ok {
			c.Next()
			return
		}
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		validate, err := utils.JwtValidate(strings.TrimSpace(auth[len(bearer):]))
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claims, ok := validate.Claims.(*utils.JwtCustomClaim)
		if !ok || claims.UserId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(utils.SetUserIdInContext(c.Request.Context(), claims.UserId))
		c.Next()
	}
}
