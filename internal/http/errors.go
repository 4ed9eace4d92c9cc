package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type errorBody struct {
	Error     string              `json:"error"`
	Message   string              `json:"message"`
	Fields    []apperr.FieldError `json:"fields,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
	Data      any                 `json:"data,omitempty"`
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := renderError(err, c)
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

func renderError(err error, c echo.Context) (int, errorBody) {
	rid := c.Response().Header().Get(echo.HeaderXRequestID)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, errorBody{
			Error:     errorCode(he.Code),
			Message:   fmt.Sprint(he.Message),
			RequestID: rid,
		}
	}

	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.Internal(err)
	}
	status := ae.Kind.HTTPStatus()
	msg := ae.Message
	if status >= http.StatusInternalServerError {
		logger.Log.Error("request failed",
			zap.String("request_id", rid),
			zap.String("path", c.Path()),
			zap.String("kind", ae.Kind.String()),
			zap.Error(err),
		)
		if ae.Kind == apperr.KindInternal {
			msg = "internal error"
		}
	}
	return status, errorBody{Error: ae.Kind.String(), Message: msg, Fields: ae.Fields, RequestID: rid}
}

// respondError writes err with data attached; used where a failure still has
// a persisted result to report.
func respondError(c echo.Context, err error, data any) error {
	status, body := renderError(err, c)
	body.Data = data
	return c.JSON(status, body)
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}
