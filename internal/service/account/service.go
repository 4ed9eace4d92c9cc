package account

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/service/apikey"
	"go.uber.org/zap"
)

type Ledgers interface {
	Ensure(ctx context.Context, userID int64, plan model.Plan) (*model.Ledger, error)
}

type Keys interface {
	Create(ctx context.Context, userID int64, req apikey.CreateRequest) (apikey.Created, error)
}

type Service struct {
	users   repository.UsersRepository
	ledgers Ledgers
	keys    Keys
	now     func() time.Time

	// DefaultPlan applies when a request names no plan.
	DefaultPlan model.Plan
}

func New(users repository.UsersRepository, ledgers Ledgers, keys Keys) *Service {
	return &Service{
		users:   users,
		ledgers: ledgers,
		keys:    keys,
		now:     func() time.Time { return time.Now().UTC() },

		DefaultPlan: model.PlanFree,
	}
}

type CreateRequest struct {
	Name  string
	Email string
	Plan  string
}

// Onboarded is everything a new account needs to start sending.
type Onboarded struct {
	User   *model.User    `json:"user"`
	Quota  *model.Ledger  `json:"quota"`
	APIKey apikey.Created `json:"api_key"`
}

// Create registers a user, opens its quota ledger and issues a read/write key.
// A failure after the user row exists removes the user again.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Onboarded, error) {
	var fields []apperr.FieldError
	name := strings.TrimSpace(req.Name)
	if name == "" {
		fields = append(fields, apperr.FieldError{Field: "name", Message: "is required"})
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		fields = append(fields, apperr.FieldError{Field: "email", Message: "must be a valid email address"})
	}
	if req.Plan == "" {
		req.Plan = string(s.DefaultPlan)
	}
	plan, ok := model.ParsePlan(req.Plan)
	if !ok {
		fields = append(fields, apperr.FieldError{Field: "plan", Message: "unknown plan"})
	}
	if len(fields) > 0 {
		return Onboarded{}, apperr.Validation("invalid user", fields...)
	}

	now := s.now()
	u := &model.User{
		Name:      name,
		Email:     strings.ToLower(addr.Address),
		Status:    model.UserActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.users.Create(ctx, nil, u); err != nil {
		if repository.IsDuplicateKey(err) {
			return Onboarded{}, apperr.DuplicateKey("email", err)
		}
		return Onboarded{}, fmt.Errorf("create user: %w", err)
	}

	ledger, err := s.ledgers.Ensure(ctx, u.ID, plan)
	if err != nil {
		s.rollback(ctx, u.ID)
		return Onboarded{}, fmt.Errorf("open ledger: %w", err)
	}
	key, err := s.keys.Create(ctx, u.ID, apikey.CreateRequest{
		Name:        "default",
		Permissions: []string{string(model.PermWrite)},
	})
	if err != nil {
		s.rollback(ctx, u.ID)
		return Onboarded{}, fmt.Errorf("issue api key: %w", err)
	}

	logger.Log.Info("user created", zap.Int64("user_id", u.ID), zap.String("plan", plan.String()))
	return Onboarded{User: u, Quota: ledger, APIKey: key}, nil
}

func (s *Service) rollback(ctx context.Context, userID int64) {
	if _, err := s.users.Delete(ctx, userID); err != nil {
		logger.Log.Error("rollback user", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (s *Service) Get(ctx context.Context, id int64) (*model.User, error) {
	u, err := s.users.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u == nil {
		return nil, apperr.NotFound("user", nil)
	}
	return u, nil
}

type Page struct {
	Items []model.User `json:"items"`
	Total int64        `json:"total"`
	Limit int          `json:"limit"`
	Page  int          `json:"page"`
}

func (s *Service) List(ctx context.Context, limit, page int) (Page, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	users, total, err := s.users.List(ctx, limit, (page-1)*limit)
	if err != nil {
		return Page{}, fmt.Errorf("list users: %w", err)
	}
	if users == nil {
		users = []model.User{}
	}
	return Page{Items: users, Total: total, Limit: limit, Page: page}, nil
}

// Delete removes the user; ledger, keys, messages and contacts go with it
// through foreign-key cascades.
func (s *Service) Delete(ctx context.Context, id int64) error {
	ok, err := s.users.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if !ok {
		return apperr.NotFound("user", nil)
	}
	logger.Log.Info("user deleted", zap.Int64("user_id", id))
	return nil
}

func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.users.Count(ctx)
}
