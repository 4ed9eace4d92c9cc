package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type UsersRepository interface {
	Create(ctx context.Context, tx *sqlx.Tx, u *model.User) error
	Get(ctx context.Context, id int64) (*model.User, error)
	List(ctx context.Context, limit, offset int) ([]model.User, int64, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Count(ctx context.Context) (int64, error)
}

type UsersRepositoryImpl struct {
	db *sqlx.DB
}

func NewUsersRepository(db *sqlx.DB) *UsersRepositoryImpl {
	return &UsersRepositoryImpl{db: db}
}

var _ UsersRepository = (*UsersRepositoryImpl)(nil)

// Create inserts u and sets its ID. A taken email surfaces as a duplicate key error.
func (r *UsersRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, u *model.User) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (name, email, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, u.Name, u.Email, string(u.Status), u.CreatedAt.UTC(), u.UpdatedAt.UTC())
		if err != nil {
			return err
		}
		u.ID, err = res.LastInsertId()
		return err
	})
}

func (r *UsersRepositoryImpl) Get(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `
		SELECT id, name, email, status, created_at, updated_at
		  FROM users
		 WHERE id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UsersRepositoryImpl) List(ctx context.Context, limit, offset int) ([]model.User, int64, error) {
	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM users`); err != nil {
		return nil, 0, err
	}
	var users []model.User
	err := r.db.SelectContext(ctx, &users, `
		SELECT id, name, email, status, created_at, updated_at
		  FROM users
		 ORDER BY id DESC
		 LIMIT ? OFFSET ?
	`, limit, offset)
	return users, total, err
}

// Delete removes the user; ledgers, keys, messages and contacts cascade.
func (r *UsersRepositoryImpl) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *UsersRepositoryImpl) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}
