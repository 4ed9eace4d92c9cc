package http

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/service/quota"
	"github.com/labstack/echo/v4"
)

type bucketView struct {
	Used       int64             `json:"used"`
	Limit      int64             `json:"limit"`
	Remaining  int64             `json:"remaining"`
	Percentage float64           `json:"percentage"`
	Status     model.QuotaStatus `json:"status"`
	ResetAt    time.Time         `json:"reset_at"`
}

type quotaView struct {
	UserID int64             `json:"user_id"`
	Plan   model.Plan        `json:"plan"`
	Status model.QuotaStatus `json:"status"`
	Email  bucketView        `json:"email"`
	SMS    bucketView        `json:"sms"`
	API    bucketView        `json:"api"`
}

func bucketOf(b model.Bucket) bucketView {
	return bucketView{
		Used:       b.Used,
		Limit:      b.Limit,
		Remaining:  b.Remaining(),
		Percentage: math.Round(b.Percentage()*100) / 100,
		Status:     b.Status(),
		ResetAt:    b.ResetAt,
	}
}

func quotaOf(l *model.Ledger) quotaView {
	return quotaView{
		UserID: l.UserID,
		Plan:   l.Plan,
		Status: l.Status,
		Email:  bucketOf(l.Email),
		SMS:    bucketOf(l.SMS),
		API:    bucketOf(l.API),
	}
}

type resetReq struct {
	Resource string `json:"resource" validate:"omitempty,oneof=email sms api"`
}

type planReq struct {
	Plan string `json:"plan" validate:"required,oneof=free starter professional"`
}

func myQuotaHandler(svc *quota.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		return writeLedger(c, svc.Get, uid)
	}
}

func userQuotaHandler(svc *quota.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := paramID(c, "userId")
		if err != nil {
			return err
		}
		return writeLedger(c, svc.Get, uid)
	}
}

func resetMyQuotaHandler(svc *quota.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		return resetLedger(c, svc, uid)
	}
}

func resetUserQuotaHandler(svc *quota.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := paramID(c, "userId")
		if err != nil {
			return err
		}
		return resetLedger(c, svc, uid)
	}
}

func resetLedger(c echo.Context, svc *quota.Service, uid int64) error {
	var req resetReq
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	if req.Resource == "" {
		return writeLedger(c, svc.ResetAll, uid)
	}
	l, err := svc.Reset(c.Request().Context(), uid, model.Resource(req.Resource))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, quotaOf(l))
}

func updatePlanHandler(svc *quota.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := paramID(c, "userId")
		if err != nil {
			return err
		}
		var req planReq
		if err := bind(c, &req); err != nil {
			return err
		}
		l, err := svc.UpdatePlan(c.Request().Context(), uid, req.Plan)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, quotaOf(l))
	}
}

func writeLedger(c echo.Context, load func(context.Context, int64) (*model.Ledger, error), uid int64) error {
	l, err := load(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, quotaOf(l))
}
