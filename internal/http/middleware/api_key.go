package middleware

import (
	"context"
	"strings"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

const (
	HeaderAPIKey = "X-API-Key"

	ctxUserID      = "user_id"
	ctxPermissions = "permissions"
	ctxKeyID       = "api_key_id"
)

// Authenticator resolves a presented secret to its key.
type Authenticator interface {
	Authenticate(ctx context.Context, secret, clientIP string) (*model.APIKey, error)
}

// UserIDFromCtx extracts the authenticated user id set by APIKeyMiddleware.
func UserIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(ctxUserID).(int64)
	return id, ok && id > 0
}

func PermissionsFromCtx(c echo.Context) model.Permissions {
	p, _ := c.Get(ctxPermissions).(model.Permissions)
	return p
}

// APIKeyMiddleware authenticates requests using the X-API-Key header and
// stores the owner and the key's permissions in the context.
func APIKeyMiddleware(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			secret := strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey))
			if secret == "" {
				return apperr.Unauthorized("missing api key")
			}
			k, err := auth.Authenticate(c.Request().Context(), secret, c.RealIP())
			if err != nil {
				return err
			}
			c.Set(ctxUserID, k.UserID)
			c.Set(ctxPermissions, k.Permissions)
			c.Set(ctxKeyID, k.ID)
			return next(c)
		}
	}
}

// RequirePermission rejects keys that do not grant want (admin > write > read).
func RequirePermission(want model.Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !PermissionsFromCtx(c).Allows(want) {
				return apperr.Forbidden("api key lacks " + string(want) + " permission")
			}
			return next(c)
		}
	}
}
