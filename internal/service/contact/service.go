package contact

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/util"
)

const (
	maxNameLength  = 100
	maxAddMembers  = 1000
	maxGroupName   = 100
	maxDescription = 500
)

type Service struct {
	repo repository.ContactsRepository
	now  func() time.Time
}

func New(repo repository.ContactsRepository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Input is the writable part of a contact. A nil Subscribed means true on
// create and "unchanged" on update.
type Input struct {
	Email        string
	Phone        string
	FirstName    string
	LastName     string
	Subscribed   *bool
	CustomFields model.Attributes
}

func (in Input) apply(c *model.Contact) error {
	var fields []apperr.FieldError
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		fields = append(fields, apperr.FieldError{Field: "email", Message: "must be a valid email address"})
	} else {
		c.Email = util.NormalizeEmail(addr.Address)
	}

	c.Phone = ""
	if strings.TrimSpace(in.Phone) != "" {
		if c.Phone = util.NormalizePhone(in.Phone); c.Phone == "" {
			fields = append(fields, apperr.FieldError{Field: "phone", Message: "must be an E.164 phone number"})
		}
	}

	c.FirstName, c.LastName = strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName)
	if len(c.FirstName) > maxNameLength {
		fields = append(fields, apperr.FieldError{Field: "first_name", Message: fmt.Sprintf("at most %d characters", maxNameLength)})
	}
	if len(c.LastName) > maxNameLength {
		fields = append(fields, apperr.FieldError{Field: "last_name", Message: fmt.Sprintf("at most %d characters", maxNameLength)})
	}
	if err := in.CustomFields.Validate(); err != nil {
		fields = append(fields, apperr.FieldError{Field: "custom_fields", Message: err.Error()})
	}
	c.CustomFields = in.CustomFields

	if in.Subscribed != nil {
		c.Subscribed = *in.Subscribed
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid contact", fields...)
	}
	return nil
}

func (s *Service) Create(ctx context.Context, userID int64, in Input) (*model.Contact, error) {
	now := s.now()
	c := &model.Contact{UserID: userID, Subscribed: true, CreatedAt: now, UpdatedAt: now}
	if err := in.apply(c); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, c); err != nil {
		if repository.IsDuplicateKey(err) {
			return nil, apperr.DuplicateKey("email", err)
		}
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, userID, id int64) (*model.Contact, error) {
	c, err := s.repo.Get(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	if c == nil {
		return nil, apperr.NotFound("contact", nil)
	}
	return c, nil
}

type Page struct {
	Items []model.Contact `json:"items"`
	Total int64           `json:"total"`
	Limit int             `json:"limit"`
	Page  int             `json:"page"`
}

func (s *Service) List(ctx context.Context, userID int64, search string, groupID int64, limit, page int) (Page, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	rows, total, err := s.repo.List(ctx, userID, repository.ContactFilter{
		Search:  search,
		GroupID: groupID,
		Limit:   limit,
		Offset:  (page - 1) * limit,
	})
	if err != nil {
		return Page{}, fmt.Errorf("list contacts: %w", err)
	}
	if rows == nil {
		rows = []model.Contact{}
	}
	return Page{Items: rows, Total: total, Limit: limit, Page: page}, nil
}

func (s *Service) Update(ctx context.Context, userID, id int64, in Input) (*model.Contact, error) {
	c, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := in.apply(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now()

	ok, err := s.repo.Update(ctx, c)
	if err != nil {
		if repository.IsDuplicateKey(err) {
			return nil, apperr.DuplicateKey("email", err)
		}
		return nil, fmt.Errorf("update contact: %w", err)
	}
	if !ok {
		return nil, apperr.NotFound("contact", nil)
	}
	return c, nil
}

func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	ok, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if !ok {
		return apperr.NotFound("contact", nil)
	}
	return nil
}

func (s *Service) CreateGroup(ctx context.Context, userID int64, name, description string) (*model.ContactGroup, error) {
	name, description = strings.TrimSpace(name), strings.TrimSpace(description)
	var fields []apperr.FieldError
	if name == "" || len(name) > maxGroupName {
		fields = append(fields, apperr.FieldError{Field: "name", Message: fmt.Sprintf("is required and at most %d characters", maxGroupName)})
	}
	if len(description) > maxDescription {
		fields = append(fields, apperr.FieldError{Field: "description", Message: fmt.Sprintf("at most %d characters", maxDescription)})
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid contact group", fields...)
	}

	g := &model.ContactGroup{UserID: userID, Name: name, Description: description, CreatedAt: s.now()}
	if err := s.repo.CreateGroup(ctx, g); err != nil {
		if repository.IsDuplicateKey(err) {
			return nil, apperr.DuplicateKey("name", err)
		}
		return nil, fmt.Errorf("create group: %w", err)
	}
	return g, nil
}

func (s *Service) GetGroup(ctx context.Context, userID, id int64) (*model.ContactGroup, error) {
	g, err := s.repo.GetGroup(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	if g == nil {
		return nil, apperr.NotFound("contact group", nil)
	}
	return g, nil
}

func (s *Service) ListGroups(ctx context.Context, userID int64) ([]model.ContactGroup, error) {
	groups, err := s.repo.ListGroups(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	if groups == nil {
		groups = []model.ContactGroup{}
	}
	return groups, nil
}

// AddMembers links the given contacts and returns how many were newly added.
// Ids that are unknown, foreign or already members are skipped.
func (s *Service) AddMembers(ctx context.Context, userID, groupID int64, contactIDs []int64) (int64, error) {
	if len(contactIDs) == 0 || len(contactIDs) > maxAddMembers {
		return 0, apperr.InvalidArgument("contact_ids", fmt.Sprintf("between 1 and %d ids required", maxAddMembers))
	}
	if _, err := s.GetGroup(ctx, userID, groupID); err != nil {
		return 0, err
	}
	n, err := s.repo.AddMembers(ctx, userID, groupID, contactIDs)
	if err != nil {
		return 0, fmt.Errorf("add members: %w", err)
	}
	return n, nil
}

func (s *Service) ListMembers(ctx context.Context, userID, groupID int64) ([]model.Contact, error) {
	if _, err := s.GetGroup(ctx, userID, groupID); err != nil {
		return nil, err
	}
	rows, err := s.repo.ListMembers(ctx, userID, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	if rows == nil {
		rows = []model.Contact{}
	}
	return rows, nil
}
