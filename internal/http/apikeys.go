package http

import (
	"net/http"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/service/apikey"
	"github.com/labstack/echo/v4"
)

type createKeyReq struct {
	Name        string     `json:"name"         validate:"required,max=100"`
	Permissions []string   `json:"permissions"  validate:"dive,oneof=read write admin"`
	UsageLimit  int64      `json:"usage_limit"  validate:"gte=0"`
	IPAllowlist []string   `json:"ip_allowlist" validate:"max=50"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func listKeysHandler(svc *apikey.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		keys, err := svc.List(c.Request().Context(), uid)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"items": keys})
	}
}

func createKeyHandler(svc *apikey.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		var req createKeyReq
		if err := bind(c, &req); err != nil {
			return err
		}
		out, err := svc.Create(c.Request().Context(), uid, apikey.CreateRequest{
			Name:        req.Name,
			Permissions: req.Permissions,
			UsageLimit:  req.UsageLimit,
			IPAllowlist: req.IPAllowlist,
			ExpiresAt:   req.ExpiresAt,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, out)
	}
}

func regenerateKeyHandler(svc *apikey.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		out, err := svc.Regenerate(c.Request().Context(), uid, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, out)
	}
}

func deleteKeyHandler(svc *apikey.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		if err := svc.Delete(c.Request().Context(), uid, id); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}
