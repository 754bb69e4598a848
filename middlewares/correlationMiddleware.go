package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/exceptions_backend/utils"
)

const CorrelationIdHeader = "x-correlation-id"

// CorrelationMiddleware attaches the caller's correlation id, or a fresh one, to the request context.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(CorrelationIdHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header(CorrelationIdHeader, cid)
		c.Next()
	}
}
