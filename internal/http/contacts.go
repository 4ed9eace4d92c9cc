package http

import (
	"net/http"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/service/contact"
	"github.com/labstack/echo/v4"
)

type contactReq struct {
	Email        string           `json:"email"         validate:"required,email,max=320"`
	Phone        string           `json:"phone"         validate:"max=32"`
	FirstName    string           `json:"first_name"    validate:"max=100"`
	LastName     string           `json:"last_name"     validate:"max=100"`
	Subscribed   *bool            `json:"subscribed"`
	CustomFields model.Attributes `json:"custom_fields"`
}

func (r contactReq) input() contact.Input {
	return contact.Input{
		Email:        r.Email,
		Phone:        r.Phone,
		FirstName:    r.FirstName,
		LastName:     r.LastName,
		Subscribed:   r.Subscribed,
		CustomFields: r.CustomFields,
	}
}

type groupReq struct {
	Name        string `json:"name"        validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
}

type membersReq struct {
	ContactIDs []int64 `json:"contact_ids" validate:"required,min=1,max=1000,dive,gt=0"`
}

func createContactHandler(svc *contact.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		var req contactReq
		if err := bind(c, &req); err != nil {
			return err
		}
		ct, err := svc.Create(c.Request().Context(), uid, req.input())
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, ct)
	}
}

func listContactsHandler(svc *contact.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		var (
			search      string
			groupID     int64
			limit, page int
		)
		if err := echo.QueryParamsBinder(c).
			String("search", &search).
			Int64("group_id", &groupID).
			Int("limit", &limit).
			Int("page", &page).
			BindError(); err != nil {
			return apperr.Validation("invalid query parameters")
		}
		p, err := svc.List(c.Request().Context(), uid, search, groupID, limit, page)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, p)
	}
}

func getContactHandler(svc *contact.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		ct, err := svc.Get(c.Request().Context(), uid, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, ct)
	}
}

func updateContactHandler(svc *contact.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		var req contactReq
		if err := bind(c, &req); err != nil {
			return err
		}
		ct, err := svc.Update(c.Request().Context(), uid, id, req.input())
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, ct)
	}
}

func deleteContactHandler(svc *contact.Service) echo.HandlerFunc {
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

func createGroupHandler(svc *contact.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		var req groupReq
		if err := bind(c, &req); err != nil {
			return err
		}
		g, err := svc.CreateGroup(c.Request().Context(), uid, req.Name, req.Description)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, g)
	}
}

func listGroupsHandler(svc *contact.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		groups, err := svc.ListGroups(c.Request().Context(), uid)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"items": groups})
	}
}

func getGroupHandler(svc *contact.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		g, err := svc.GetGroup(c.Request().Context(), uid, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, g)
	}
}

func addMembersHandler(svc *contact.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		var req membersReq
		if err := bind(c, &req); err != nil {
			return err
		}
		n, err := svc.AddMembers(c.Request().Context(), uid, id, req.ContactIDs)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]int64{"added": n})
	}
}

func listMembersHandler(svc *contact.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := userID(c)
		if err != nil {
			return err
		}
		id, err := paramID(c, "id")
		if err != nil {
			return err
		}
		members, err := svc.ListMembers(c.Request().Context(), uid, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"items": members})
	}
}
