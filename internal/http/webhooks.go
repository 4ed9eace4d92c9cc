package http

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/service/send"
	"github.com/labstack/echo/v4"
)

const (
	HeaderWebhookToken = "X-Webhook-Token"
	maxWebhookBody     = 1 << 20
	maxWebhookBatch    = 500
)

// webhookTokenMiddleware requires the shared secret when one is configured.
func webhookTokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}
			got := c.Request().Header.Get(HeaderWebhookToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return apperr.Unauthorized("invalid webhook token")
			}
			return next(c)
		}
	}
}

type deliveryEventReq struct {
	Channel      string    `json:"channel"`
	ProviderID   string    `json:"provider_id"`
	MessageID    string    `json:"message_id"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

func (r deliveryEventReq) event() send.DeliveryEvent {
	return send.DeliveryEvent{
		Channel:      model.Channel(r.Channel),
		ProviderID:   r.ProviderID,
		MessageID:    r.MessageID,
		Status:       r.Status,
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
		OccurredAt:   r.Timestamp,
	}
}

type webhookResult struct {
	ProviderID string       `json:"provider_id,omitempty"`
	MessageID  string       `json:"message_id,omitempty"`
	Outcome    send.Outcome `json:"outcome,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// deliveryWebhookHandler accepts one event object or an array of them.
// For arrays every event is applied independently and reported per item.
func deliveryWebhookHandler(svc *send.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
		if err != nil {
			return apperr.Validation("unreadable body")
		}
		body = bytes.TrimSpace(body)

		if len(body) > 0 && body[0] == '[' {
			var reqs []deliveryEventReq
			if err := json.Unmarshal(body, &reqs); err != nil {
				return apperr.Validation("malformed request body")
			}
			if len(reqs) > maxWebhookBatch {
				return apperr.InvalidArgument("events", "too many events in one request")
			}
			results := make([]webhookResult, 0, len(reqs))
			for _, r := range reqs {
				res := webhookResult{ProviderID: r.ProviderID, MessageID: r.MessageID}
				out, err := svc.ApplyDeliveryEvent(c.Request().Context(), r.event())
				if err != nil {
					res.Error = apperr.KindOf(err).String()
				}
				res.Outcome = out
				results = append(results, res)
			}
			return c.JSON(http.StatusOK, map[string]any{"results": results})
		}

		var req deliveryEventReq
		if err := json.Unmarshal(body, &req); err != nil {
			return apperr.Validation("malformed request body")
		}
		out, err := svc.ApplyDeliveryEvent(c.Request().Context(), req.event())
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, webhookResult{ProviderID: req.ProviderID, MessageID: req.MessageID, Outcome: out})
	}
}

// smsWebhookHandler takes the form-encoded status callback SMS providers post.
func smsWebhookHandler(svc *send.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		sid := c.FormValue("MessageSid")
		if sid == "" {
			sid = c.FormValue("SmsSid")
		}
		out, err := svc.ApplyDeliveryEvent(c.Request().Context(), send.DeliveryEvent{
			Channel:      model.ChannelSMS,
			ProviderID:   sid,
			Status:       c.FormValue("MessageStatus"),
			ErrorCode:    c.FormValue("ErrorCode"),
			ErrorMessage: c.FormValue("ErrorMessage"),
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, webhookResult{ProviderID: sid, Outcome: out})
	}
}
