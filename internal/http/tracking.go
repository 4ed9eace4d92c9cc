package http

import (
	"encoding/base64"
	"net/http"
	"net/url"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/service/send"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// 1x1 transparent GIF
var pixel, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

// trackOpenHandler always answers with the pixel; a failed transition must
// not break the recipient's mail client.
func trackOpenHandler(svc *send.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := svc.TrackOpen(c.Request().Context(), c.Param("id")); err != nil {
			logger.Log.Debug("track open ignored", zap.String("message_id", c.Param("id")), zap.Error(err))
		}
		h := c.Response().Header()
		h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		h.Set("Pragma", "no-cache")
		return c.Blob(http.StatusOK, "image/gif", pixel)
	}
}

// trackClickHandler redirects to url; a POST without url only records the
// click, for providers that report clicks server-side.
func trackClickHandler(svc *send.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := c.QueryParam("url")
		recordOnly := raw == "" && c.Request().Method == http.MethodPost

		var target string
		if !recordOnly {
			var err error
			if target, err = redirectTarget(raw); err != nil {
				return err
			}
		}
		if _, err := svc.TrackClick(c.Request().Context(), c.Param("id")); err != nil {
			logger.Log.Debug("track click ignored", zap.String("message_id", c.Param("id")), zap.Error(err))
		}
		if recordOnly {
			return c.NoContent(http.StatusOK)
		}
		return c.Redirect(http.StatusFound, target)
	}
}

// redirectTarget accepts only absolute http(s) URLs.
func redirectTarget(raw string) (string, error) {
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperr.InvalidArgument("url", "must be an absolute http(s) URL")
	}
	return u.String(), nil
}
