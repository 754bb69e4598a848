package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/exceptions_backend/config"
)

const statsCacheTTL = 60 * time.Second

func statsCacheKey(tenantId string) string {
	return "ExceptionStats:" + tenantId
}

func invalidateStats(ctx context.Context, tenantId string) {
	if err := config.RemoveRedisKey(ctx, statsCacheKey(tenantId)); err != nil {
		config.LogError(config.GetLogger(), "statsCache.go", "invalidateStats", "remove cached stats", tenantId, err)
	}
}
