package http

import (
	"net/http"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/http/middleware"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/service/send"
	"github.com/labstack/echo/v4"
)

type sendReq struct {
	Channel     string                `json:"channel"      validate:"required,oneof=email sms"`
	To          string                `json:"to"           validate:"required,max=320"`
	From        string                `json:"from"         validate:"max=320"`
	Subject     string                `json:"subject"`
	HTML        string                `json:"html"`
	Text        string                `json:"text"`
	Priority    string                `json:"priority"     validate:"omitempty,oneof=low normal high"`
	ScheduledAt *time.Time            `json:"scheduled_at"`
	Metadata    model.MessageMetadata `json:"metadata"`
}

type bulkReq struct {
	Channel     string                `json:"channel"      validate:"required,oneof=email sms"`
	Recipients  []string              `json:"recipients"   validate:"max=1000,dive,required"`
	GroupID     int64                 `json:"group_id"     validate:"gte=0"`
	From        string                `json:"from"         validate:"max=320"`
	Subject     string                `json:"subject"`
	HTML        string                `json:"html"`
	Text        string                `json:"text"`
	Priority    string                `json:"priority"     validate:"omitempty,oneof=low normal high"`
	ScheduledAt *time.Time            `json:"scheduled_at"`
	Metadata    model.MessageMetadata `json:"metadata"`
}

// messageView adds derived fields to a persisted message.
type messageView struct {
	*model.Message
	EstimatedSegments int `json:"estimated_segments,omitempty"`
}

func viewOf(m *model.Message) messageView {
	v := messageView{Message: m}
	if m.Channel == model.ChannelSMS {
		v.EstimatedSegments = model.SMSSegments(m.Body)
	}
	return v
}

func userID(c echo.Context) (int64, error) {
	id, ok := middleware.UserIDFromCtx(c)
	if !ok {
		return 0, apperr.Unauthorized("unauthorized")
	}
	return id, nil
}

func sendHandler(svc *send.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		var req sendReq
		if err := bind(c, &req); err != nil {
			return err
		}

		m, err := svc.Send(c.Request().Context(), uid, send.SendRequest{
			Channel:     model.Channel(req.Channel),
			To:          req.To,
			From:        req.From,
			Subject:     req.Subject,
			HTML:        req.HTML,
			Text:        req.Text,
			Priority:    req.Priority,
			ScheduledAt: req.ScheduledAt,
			Metadata:    req.Metadata,
		})
		if err != nil {
			if m != nil {
				// provider failure: the message exists as failed
				return respondError(c, err, viewOf(m))
			}
			return err
		}

		return c.JSON(http.StatusCreated, viewOf(m))
	}
}

func sendBulkHandler(svc *send.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		var req bulkReq
		if err := bind(c, &req); err != nil {
			return err
		}

		results, err := svc.SendBulk(c.Request().Context(), uid, send.BulkRequest{
			Channel:     model.Channel(req.Channel),
			Recipients:  req.Recipients,
			GroupID:     req.GroupID,
			From:        req.From,
			Subject:     req.Subject,
			HTML:        req.HTML,
			Text:        req.Text,
			Priority:    req.Priority,
			ScheduledAt: req.ScheduledAt,
			Metadata:    req.Metadata,
		})
		if err != nil {
			return err
		}

		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"total":    len(results),
			"accepted": len(results) - failed,
			"failed":   failed,
			"results":  results,
		})
	}
}

func listSendsHandler(svc *send.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		var (
			status, channel string
			from, to        time.Time
			limit, page     int
		)
		if err := echo.QueryParamsBinder(c).
			String("status", &status).
			String("channel", &channel).
			Time("from", &from, time.RFC3339).
			Time("to", &to, time.RFC3339).
			Int("limit", &limit).
			Int("page", &page).
			BindError(); err != nil {
			return apperr.Validation("invalid query parameters")
		}

		p, err := svc.List(c.Request().Context(), uid, repository.MessageFilter{
			Status:  model.MessageStatus(status),
			Channel: model.Channel(channel),
			From:    from,
			To:      to,
			Limit:   limit,
		}, page)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, p)
	}
}

func sendStatsHandler(svc *send.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		from, to, err := dateRange(c)
		if err != nil {
			return err
		}
		st, err := svc.Stats(c.Request().Context(), uid, from, to)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, st)
	}
}

func getSendHandler(svc *send.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		m, err := svc.Get(c.Request().Context(), uid, c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, viewOf(m))
	}
}

// dateRange reads optional RFC 3339 from/to query parameters.
func dateRange(c echo.Context) (time.Time, time.Time, error) {
	var from, to time.Time
	if err := echo.QueryParamsBinder(c).
		Time("from", &from, time.RFC3339).
		Time("to", &to, time.RFC3339).
		BindError(); err != nil {
		return from, to, apperr.InvalidArgument("from", "from and to must be RFC 3339 timestamps")
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return from, to, apperr.InvalidArgument("from", "must be before to")
	}
	return from, to, nil
}
