package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuth struct {
	key *model.APIKey
	err error
	ip  string
}

func (s *stubAuth) Authenticate(_ context.Context, secret, ip string) (*model.APIKey, error) {
	s.ip = ip
	if s.err != nil {
		return nil, s.err
	}
	return s.key, nil
}

func run(t *testing.T, mws []echo.MiddlewareFunc, req *http.Request) (*httptest.ResponseRecorder, echo.Context, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	h := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	err := h(c)
	return rec, c, err
}

func TestAPIKeyMiddlewareMissingHeader(t *testing.T) {
	_, _, err := run(t, []echo.MiddlewareFunc{APIKeyMiddleware(&stubAuth{})}, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAPIKeyMiddlewareSetsContext(t *testing.T) {
	auth := &stubAuth{key: &model.APIKey{ID: 3, UserID: 42, Permissions: model.Permissions{model.PermWrite}}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "cgw_x")
	req.Header.Set(echo.HeaderXRealIP, "198.51.100.7")

	rec, c, err := run(t, []echo.MiddlewareFunc{APIKeyMiddleware(auth), RequirePermission(model.PermRead)}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "198.51.100.7", auth.ip)

	id, ok := UserIDFromCtx(c)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestAPIKeyMiddlewarePropagatesAuthErrors(t *testing.T) {
	auth := &stubAuth{err: apperr.QuotaExceeded("api", nil)}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "cgw_x")

	_, _, err := run(t, []echo.MiddlewareFunc{APIKeyMiddleware(auth)}, req)
	assert.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))
}

func TestRequirePermission(t *testing.T) {
	auth := &stubAuth{key: &model.APIKey{UserID: 1, Permissions: model.Permissions{model.PermWrite}}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "cgw_x")

	_, _, err := run(t, []echo.MiddlewareFunc{APIKeyMiddleware(auth), RequirePermission(model.PermAdmin)}, req)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestRateLimitWithoutRedisAllows(t *testing.T) {
	auth := &stubAuth{key: &model.APIKey{UserID: 1, Permissions: model.Permissions{model.PermRead}}}
	mws := []echo.MiddlewareFunc{APIKeyMiddleware(auth), RateLimitMiddleware(RateLimitConfig{Limit: 1})}
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderAPIKey, "cgw_x")
		rec, _, err := run(t, mws, req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestIPLimiterPerAddress(t *testing.T) {
	l := NewIPLimiter(1, 2, 0)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.1")
	rec, _, err := run(t, []echo.MiddlewareFunc{l.Middleware()}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestIPLimiterDisabled(t *testing.T) {
	l := NewIPLimiter(0, 0, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("10.0.0.1"))
	}
}
