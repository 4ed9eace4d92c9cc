package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

const messageColumns = `
	id, user_id, channel, recipient, sender, subject, html, body, status, priority, metadata,
	COALESCE(provider_id, '') AS provider_id, provider, open_count, click_count, cost, currency,
	error_message, error_code, scheduled_at, sent_at, delivered_at, last_opened_at,
	last_clicked_at, failed_at, created_at, updated_at, claimed_until`

// MessageFilter narrows List results; zero values mean "any".
type MessageFilter struct {
	Status  model.MessageStatus
	Channel model.Channel
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// StatusCount is one row of a GROUP BY status aggregation.
type StatusCount struct {
	Channel model.Channel       `db:"channel" json:"channel"`
	Status  model.MessageStatus `db:"status"  json:"status"`
	N       int64               `db:"n"       json:"count"`
}

// MessagesRepository defines persistence for the messages table.
type MessagesRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, m *model.Message) error
	// Get returns nil, nil when no message with id belongs to userID.
	Get(ctx context.Context, userID int64, id string) (*model.Message, error)
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Message, error)
	GetByProviderIDForUpdate(ctx context.Context, tx *sqlx.Tx, ch model.Channel, providerID string) (*model.Message, error)
	SaveState(ctx context.Context, tx *sqlx.Tx, m *model.Message) error
	List(ctx context.Context, userID int64, f MessageFilter) ([]model.Message, int64, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Message, error)
	// Claim leases a pending message until the given time; false means another
	// process holds it or it is no longer pending.
	Claim(ctx context.Context, id string, now, until time.Time) (bool, error)
	CountByStatus(ctx context.Context, userID int64, from, to time.Time) ([]StatusCount, error)
}

type MessagesRepositoryImpl struct {
	db *sqlx.DB
}

func NewMessagesRepository(db *sqlx.DB) *MessagesRepositoryImpl {
	return &MessagesRepositoryImpl{db: db}
}

var _ MessagesRepository = (*MessagesRepositoryImpl)(nil)

// Insert inserts a new message row as given (normally status=pending).
func (r *MessagesRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, m *model.Message) error {
	const q = `
		INSERT INTO messages
		    (id, user_id, channel, recipient, sender, subject, html, body, status, priority,
		     metadata, provider_id, provider, scheduled_at, created_at, updated_at, claimed_until)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			m.ID, m.UserID, m.Channel.String(), m.To, m.From, m.Subject, m.HTML, m.Body,
			m.Status.String(), string(m.Priority), m.Metadata, m.ProviderID, m.Provider,
			m.ScheduledAt.UTC(), m.CreatedAt.UTC(), m.UpdatedAt.UTC(), m.ClaimedUntil,
		)
		return err
	})
}

func (r *MessagesRepositoryImpl) Get(ctx context.Context, userID int64, id string) (*model.Message, error) {
	var m model.Message
	err := r.db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id = ? AND user_id = ?`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessagesRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Message, error) {
	return r.getLocked(ctx, tx, `id = ?`, id)
}

func (r *MessagesRepositoryImpl) GetByProviderIDForUpdate(ctx context.Context, tx *sqlx.Tx, ch model.Channel, providerID string) (*model.Message, error) {
	return r.getLocked(ctx, tx, `channel = ? AND provider_id = ?`, ch.String(), providerID)
}

func (r *MessagesRepositoryImpl) getLocked(ctx context.Context, tx *sqlx.Tx, where string, args ...any) (*model.Message, error) {
	if tx == nil {
		return nil, errors.New("messages: row lock requires a transaction")
	}
	var m model.Message
	err := tx.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE `+where+` FOR UPDATE`, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveState writes every field the state machine may touch.
func (r *MessagesRepositoryImpl) SaveState(ctx context.Context, tx *sqlx.Tx, m *model.Message) error {
	const q = `
		UPDATE messages
		   SET status = ?, provider_id = NULLIF(?, ''), provider = ?, open_count = ?, click_count = ?,
		       cost = ?, currency = ?, error_message = ?, error_code = ?, sent_at = ?, delivered_at = ?,
		       last_opened_at = ?, last_clicked_at = ?, failed_at = ?, updated_at = ?
		 WHERE id = ?
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			m.Status.String(), m.ProviderID, m.Provider, m.OpenCount, m.ClickCount,
			m.Cost, m.Currency, truncate(m.ErrorMessage, 1024), truncate(m.ErrorCode, 64),
			m.SentAt, m.DeliveredAt, m.LastOpenedAt, m.LastClickedAt, m.FailedAt,
			m.UpdatedAt.UTC(), m.ID,
		)
		return err
	})
}

func (r *MessagesRepositoryImpl) List(ctx context.Context, userID int64, f MessageFilter) ([]model.Message, int64, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status.String())
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel.String())
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UTC())
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM messages WHERE `+cond, args...); err != nil {
		return nil, 0, err
	}

	var rows []model.Message
	q := `SELECT ` + messageColumns + ` FROM messages WHERE ` + cond + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	if err := r.db.SelectContext(ctx, &rows, q, append(args, f.Limit, f.Offset)...); err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// ListDue returns unleased pending messages whose scheduled time has passed,
// oldest first.
func (r *MessagesRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.Message
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+`
		  FROM messages
		 WHERE status = 'pending' AND scheduled_at <= ?
		   AND (claimed_until IS NULL OR claimed_until <= ?)
		 ORDER BY scheduled_at ASC
		 LIMIT ?
	`, now.UTC(), now.UTC(), limit)
	return rows, err
}

func (r *MessagesRepositoryImpl) Claim(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		   SET claimed_until = ?
		 WHERE id = ? AND status = 'pending'
		   AND (claimed_until IS NULL OR claimed_until <= ?)
	`, until.UTC(), id, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountByStatus aggregates a user's messages (userID 0 = all users).
func (r *MessagesRepositoryImpl) CountByStatus(ctx context.Context, userID int64, from, to time.Time) ([]StatusCount, error) {
	where := []string{"1 = 1"}
	var args []any
	if userID > 0 {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}
	if !from.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, to.UTC())
	}

	var rows []StatusCount
	err := r.db.SelectContext(ctx, &rows, `
		SELECT channel, status, COUNT(*) AS n
		  FROM messages
		 WHERE `+strings.Join(where, " AND ")+`
		 GROUP BY channel, status
	`, args...)
	return rows, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
