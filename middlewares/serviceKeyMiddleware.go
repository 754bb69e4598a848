package middlewares

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/exceptions_backend/utils"
)

const (
	ServiceKeyHeader = "X-Service-Key"
	TenantIdHeader   = "X-Tenant-Id"
)

// ServiceKeyHashFromEnv reads the bcrypt hash of the shared service key.
func ServiceKeyHashFromEnv() string {
	return strings.TrimSpace(os.Getenv("SERVICE_KEY_HASH"))
}

// VerifyServiceKey reports whether key matches the configured hash. An unset hash
// rejects every key.
func VerifyServiceKey(hash string, key string) bool {
	if len(hash) == 0 || key == "" {
		return false
	}
	return utils.CompareSecret(hash, key) == nil
}

// ServiceKeyMiddleware marks requests carrying a valid X-Service-Key as the
// service identity. Its tenant comes from X-Tenant-Id and is trusted as given.
func ServiceKeyMiddleware(hash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Request.Header.Get(ServiceKeyHeader)
		if key == "" {
			c.Next()
			return
		}
		if !VerifyServiceKey(hash, key) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetIsServiceInContext(c.Request.Context(), true)
		if tenantId := strings.TrimSpace(c.Request.Header.Get(TenantIdHeader)); tenantId != "" {
			ctx = utils.SetTenantIdInContext(ctx, tenantId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
