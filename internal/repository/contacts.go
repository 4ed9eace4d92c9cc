package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

const contactColumns = `
	c.id, c.user_id, c.email, c.phone, c.first_name, c.last_name, c.subscribed, c.custom_fields,
	c.created_at, c.updated_at`

// ContactFilter narrows contact listings; Search matches email or name prefixes.
type ContactFilter struct {
	Search  string
	GroupID int64
	Limit   int
	Offset  int
}

type ContactsRepository interface {
	Create(ctx context.Context, c *model.Contact) error
	Get(ctx context.Context, userID, id int64) (*model.Contact, error)
	List(ctx context.Context, userID int64, f ContactFilter) ([]model.Contact, int64, error)
	Update(ctx context.Context, c *model.Contact) (bool, error)
	Delete(ctx context.Context, userID, id int64) (bool, error)

	CreateGroup(ctx context.Context, g *model.ContactGroup) error
	GetGroup(ctx context.Context, userID, id int64) (*model.ContactGroup, error)
	ListGroups(ctx context.Context, userID int64) ([]model.ContactGroup, error)
	// AddMembers links contacts owned by userID to the group; foreign ids are skipped.
	AddMembers(ctx context.Context, userID, groupID int64, contactIDs []int64) (int64, error)
	// ListMembers returns every subscribed contact of the group.
	ListMembers(ctx context.Context, userID, groupID int64) ([]model.Contact, error)
}

type ContactsRepositoryImpl struct {
	db *sqlx.DB
}

func NewContactsRepository(db *sqlx.DB) *ContactsRepositoryImpl {
	return &ContactsRepositoryImpl{db: db}
}

var _ ContactsRepository = (*ContactsRepositoryImpl)(nil)

func (r *ContactsRepositoryImpl) Create(ctx context.Context, c *model.Contact) error {
	if c.CustomFields == nil {
		c.CustomFields = model.Attributes{}
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO contacts
		    (user_id, email, phone, first_name, last_name, subscribed, custom_fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.UserID, c.Email, c.Phone, c.FirstName, c.LastName, c.Subscribed, c.CustomFields,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (r *ContactsRepositoryImpl) Get(ctx context.Context, userID, id int64) (*model.Contact, error) {
	var c model.Contact
	err := r.db.GetContext(ctx, &c, `
		SELECT `+contactColumns+` FROM contacts c WHERE c.id = ? AND c.user_id = ? LIMIT 1
	`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ContactsRepositoryImpl) List(ctx context.Context, userID int64, f ContactFilter) ([]model.Contact, int64, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	from := ` FROM contacts c`
	where := []string{"c.user_id = ?"}
	args := []any{userID}
	if f.GroupID > 0 {
		from += ` JOIN contact_group_members m ON m.contact_id = c.id`
		where = append(where, "m.group_id = ?")
		args = append(args, f.GroupID)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := escapeLike(s) + "%"
		where = append(where, "(c.email LIKE ? OR c.first_name LIKE ? OR c.last_name LIKE ?)")
		args = append(args, like, like, like)
	}
	cond := " WHERE " + strings.Join(where, " AND ")

	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*)`+from+cond, args...); err != nil {
		return nil, 0, err
	}

	var rows []model.Contact
	q := `SELECT ` + contactColumns + from + cond + ` ORDER BY c.id DESC LIMIT ? OFFSET ?`
	if err := r.db.SelectContext(ctx, &rows, q, append(args, f.Limit, f.Offset)...); err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *ContactsRepositoryImpl) Update(ctx context.Context, c *model.Contact) (bool, error) {
	if c.CustomFields == nil {
		c.CustomFields = model.Attributes{}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE contacts
		   SET email = ?, phone = ?, first_name = ?, last_name = ?, subscribed = ?,
		       custom_fields = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?
	`, c.Email, c.Phone, c.FirstName, c.LastName, c.Subscribed, c.CustomFields,
		c.UpdatedAt.UTC(), c.ID, c.UserID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *ContactsRepositoryImpl) Delete(ctx context.Context, userID, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *ContactsRepositoryImpl) CreateGroup(ctx context.Context, g *model.ContactGroup) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO contact_groups (user_id, name, description, created_at) VALUES (?, ?, ?, ?)
	`, g.UserID, g.Name, g.Description, g.CreatedAt.UTC())
	if err != nil {
		return err
	}
	g.ID, err = res.LastInsertId()
	return err
}

const groupSelect = `
	SELECT g.id, g.user_id, g.name, g.description, g.created_at,
	       (SELECT COUNT(*) FROM contact_group_members m WHERE m.group_id = g.id) AS member_count
	  FROM contact_groups g`

func (r *ContactsRepositoryImpl) GetGroup(ctx context.Context, userID, id int64) (*model.ContactGroup, error) {
	var g model.ContactGroup
	err := r.db.GetContext(ctx, &g, groupSelect+` WHERE g.id = ? AND g.user_id = ? LIMIT 1`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *ContactsRepositoryImpl) ListGroups(ctx context.Context, userID int64) ([]model.ContactGroup, error) {
	var groups []model.ContactGroup
	err := r.db.SelectContext(ctx, &groups, groupSelect+` WHERE g.user_id = ? ORDER BY g.name`, userID)
	return groups, err
}

func (r *ContactsRepositoryImpl) AddMembers(ctx context.Context, userID, groupID int64, contactIDs []int64) (int64, error) {
	if len(contactIDs) == 0 {
		return 0, nil
	}
	q, args, err := sqlx.In(`
		INSERT IGNORE INTO contact_group_members (group_id, contact_id)
		SELECT ?, c.id FROM contacts c WHERE c.user_id = ? AND c.id IN (?)
	`, groupID, userID, contactIDs)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *ContactsRepositoryImpl) ListMembers(ctx context.Context, userID, groupID int64) ([]model.Contact, error) {
	var rows []model.Contact
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+contactColumns+`
		  FROM contacts c
		  JOIN contact_group_members m ON m.contact_id = c.id
		 WHERE m.group_id = ? AND c.user_id = ? AND c.subscribed = 1
		 ORDER BY c.id
	`, groupID, userID)
	return rows, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
