package middlewares

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string][]string

func (r staticResolver) TenantIdsForUser(ctx context.Context, userId string) ([]string, error) {
	if userId == "broken" {
		return nil, errors.Join(utils.ErrStoreUnavailable, errors.New("db down"))
	}
	return r[userId], nil
}

func tokens(m map[string]string) TokenLookup {
	return func(ctx context.Context, token string) (string, bool, error) {
		userId, ok := m[token]
		return userId, ok, nil
	}
}

func newRouter(t *testing.T, hash string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationMiddleware())
	r.Use(ServiceKeyMiddleware(hash))
	r.Use(SessionMiddleware(tokens(map[string]string{"tok-1": "user-1", "tok-multi": "user-multi", "tok-broken": "broken"})))
	r.Use(AuthMiddleware())
	r.Use(RequireTenant(staticResolver{
		"user-1":     {"tenant-a"},
		"user-multi": {"tenant-a", "tenant-b"},
	}))
	r.GET("/whoami", func(c *gin.Context) {
		ctx := c.Request.Context()
		tenantId, _ := utils.GetTenantIdFromContext(ctx)
		userId, _ := utils.GetUserIdFromContext(ctx)
		c.JSON(http.StatusOK, gin.H{
			"tenant_id":  tenantId,
			"user_id":    userId,
			"is_service": utils.GetIsServiceFromContext(ctx),
		})
	})
	return r
}

func do(r http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestNoIdentityIsUnauthorized(t *testing.T) {
	w := do(newRouter(t, ""), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get(CorrelationIdHeader))
}

func TestCorrelationIdIsEchoed(t *testing.T) {
	w := do(newRouter(t, ""), map[string]string{CorrelationIdHeader: "abc-123"})
	assert.Equal(t, "abc-123", w.Header().Get(CorrelationIdHeader))
}

func TestServiceKey(t *testing.T) {
	hash, err := utils.HashSecret("s3cret")
	require.NoError(t, err)
	r := newRouter(t, string(hash))

	w := do(r, map[string]string{ServiceKeyHeader: "s3cret", TenantIdHeader: "tenant-z"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tenant_id":"tenant-z"`)
	assert.Contains(t, w.Body.String(), `"is_service":true`)

	w = do(r, map[string]string{ServiceKeyHeader: "wrong", TenantIdHeader: "tenant-z"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, map[string]string{ServiceKeyHeader: "s3cret"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServiceKeyRejectedWhenHashUnset(t *testing.T) {
	w := do(newRouter(t, ""), map[string]string{ServiceKeyHeader: "anything", TenantIdHeader: "tenant-z"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionTokenResolvesSingleTenant(t *testing.T) {
	r := newRouter(t, "")

	w := do(r, map[string]string{"token": "tok-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tenant_id":"tenant-a"`)
	assert.Contains(t, w.Body.String(), `"user_id":"user-1"`)

	w = do(r, map[string]string{"token": "unknown"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMultiTenantUserMustNarrow(t *testing.T) {
	r := newRouter(t, "")

	w := do(r, map[string]string{"token": "tok-multi"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, map[string]string{"token": "tok-multi", TenantIdHeader: "tenant-b"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tenant_id":"tenant-b"`)

	w = do(r, map[string]string{"token": "tok-1", TenantIdHeader: "tenant-b"})
	assert.Equal(t, http.StatusForbidden, w.Code, "cannot claim a tenant without membership")
}

func TestTenantLookupFailure(t *testing.T) {
	w := do(newRouter(t, ""), map[string]string{"token": "tok-broken"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBearerToken(t *testing.T) {
	r := newRouter(t, "")
	token, err := utils.JwtGenerate("user-1")
	require.NoError(t, err)

	w := do(r, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"user-1"`)

	w = do(r, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, map[string]string{"Authorization": "Basic dXNlcjpwYXNz"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
