package middlewares

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"gorm.io/gorm"
)

// TenantResolver lists the tenants an end user belongs to.
type TenantResolver interface {
	TenantIdsForUser(ctx context.Context, userId string) ([]string, error)
}

type GormTenantResolver struct {
	DB *gorm.DB
}

func (r GormTenantResolver) TenantIdsForUser(ctx context.Context, userId string) ([]string, error) {
	db := r.DB
	if db == nil {
		db = config.GetDB()
	}
	return models.FindTenantIdsForUser(ctx, db, userId)
}

// ResolveTenant picks the caller's tenant. The service identity brings its own;
// an end user must belong to exactly one tenant after the optional requested narrowing.
func ResolveTenant(ctx context.Context, resolver TenantResolver, requested string) (string, error) {
	if utils.GetIsServiceFromContext(ctx) {
		if tenantId, ok := utils.GetTenantIdFromContext(ctx); ok {
			return tenantId, nil
		}
		return "", utils.ErrNoTenant
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return "", utils.ErrUnauthorized
	}
	tenantIds, err := resolver.TenantIdsForUser(ctx, userId)
	if err != nil {
		return "", err
	}
	if requested != "" {
		for _, id := range tenantIds {
			if id == requested {
				return id, nil
			}
		}
		return "", utils.ErrNoTenant
	}
	if len(tenantIds) != 1 {
		return "", utils.ErrNoTenant
	}
	return tenantIds[0], nil
}

// RequireTenant rejects callers with no identity (401) or no single tenant (403).
func RequireTenant(resolver TenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		requested := strings.TrimSpace(c.Request.Header.Get(TenantIdHeader))
		tenantId, err := ResolveTenant(c.Request.Context(), resolver, requested)
		if err != nil {
			status := utils.HTTPStatusForError(err)
			if status >= http.StatusInternalServerError {
				_ = c.Error(err)
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Request = c.Request.WithContext(utils.SetTenantIdInContext(c.Request.Context(), tenantId))
		c.Next()
	}
}
