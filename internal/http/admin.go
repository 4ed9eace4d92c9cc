package http

import (
	"net/http"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/service/account"
	"github.com/jmehdipour/campaign-gateway/internal/service/quota"
	"github.com/jmehdipour/campaign-gateway/internal/service/send"
	"github.com/labstack/echo/v4"
)

const maxDailyRange = 92 * 24 * time.Hour

type createUserReq struct {
	Name  string `json:"name"  validate:"required,max=200"`
	Email string `json:"email" validate:"required,email,max=320"`
	Plan  string `json:"plan"  validate:"omitempty,oneof=free starter professional"`
}

func createUserHandler(svc *account.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createUserReq
		if err := bind(c, &req); err != nil {
			return err
		}
		out, err := svc.Create(c.Request().Context(), account.CreateRequest{
			Name:  req.Name,
			Email: req.Email,
			Plan:  req.Plan,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, map[string]any{
			"user":    out.User,
			"quota":   quotaOf(out.Quota),
			"api_key": out.APIKey,
		})
	}
}

func listUsersHandler(svc *account.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var limit, page int
		if err := echo.QueryParamsBinder(c).Int("limit", &limit).Int("page", &page).BindError(); err != nil {
			return apperr.Validation("invalid query parameters")
		}
		p, err := svc.List(c.Request().Context(), limit, page)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, p)
	}
}

func getUserHandler(svc *account.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		u, err := svc.Get(c.Request().Context(), id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, u)
	}
}

func deleteUserHandler(svc *account.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		if err := svc.Delete(c.Request().Context(), id); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type overview struct {
	Users    int64                       `json:"users"`
	Quotas   map[model.QuotaStatus]int64 `json:"quota_status"`
	Messages send.Stats                  `json:"messages"`
}

func overviewHandler(accounts *account.Service, q *quota.Service, sends *send.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		from, to, err := dateRange(c)
		if err != nil {
			return err
		}

		var out overview
		if out.Users, err = accounts.Count(ctx); err != nil {
			return err
		}
		if out.Quotas, err = q.StatusDistribution(ctx); err != nil {
			return err
		}
		// user 0 aggregates every tenant
		if out.Messages, err = sends.Stats(ctx, 0, from, to); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, out)
	}
}

func dailyStatsHandler(events repository.EventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if events == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "analytics store is not configured")
		}
		from, to, err := dateRange(c)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if to.IsZero() {
			to = now
		}
		if from.IsZero() {
			from = to.AddDate(0, 0, -7)
		}
		if to.Sub(from) > maxDailyRange {
			return apperr.InvalidArgument("from", "range must not exceed 92 days")
		}

		var (
			channel string
			uid     int64
		)
		if err := echo.QueryParamsBinder(c).String("channel", &channel).Int64("user_id", &uid).BindError(); err != nil {
			return apperr.Validation("invalid query parameters")
		}
		ch := model.Channel(channel)
		if channel != "" && !ch.Valid() {
			return apperr.InvalidArgument("channel", "must be email or sms")
		}

		rows, err := events.DailyStats(c.Request().Context(), repository.DailyFilter{
			From:    from,
			To:      to,
			Channel: ch,
			UserID:  uid,
		})
		if err != nil {
			return err
		}
		if rows == nil {
			rows = []repository.DailyCount{}
		}
		return c.JSON(http.StatusOK, map[string]any{"from": from, "to": to, "items": rows})
	}
}
