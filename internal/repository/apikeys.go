package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

const apiKeyColumns = `
	id, user_id, name, key_prefix, key_hash, permissions, usage_count, usage_limit, reset_at,
	ip_allowlist, expires_at, last_used_at, created_at, updated_at`

type APIKeysRepository interface {
	Create(ctx context.Context, tx *sqlx.Tx, k *model.APIKey) error
	// GetByHash returns nil, nil for unknown keys.
	GetByHash(ctx context.Context, hash string) (*model.APIKey, error)
	Get(ctx context.Context, userID, id int64) (*model.APIKey, error)
	ListByUser(ctx context.Context, userID int64) ([]model.APIKey, error)
	Rotate(ctx context.Context, userID, id int64, prefix, hash string, resetAt time.Time) (bool, error)
	Delete(ctx context.Context, userID, id int64) (bool, error)
	// ConsumeUsage rolls an expired window and then increments the counter
	// only while it stays within usage_limit.
	ConsumeUsage(ctx context.Context, id int64, now, next time.Time) (bool, error)
}

type APIKeysRepositoryImpl struct {
	db *sqlx.DB
}

func NewAPIKeysRepository(db *sqlx.DB) *APIKeysRepositoryImpl {
	return &APIKeysRepositoryImpl{db: db}
}

var _ APIKeysRepository = (*APIKeysRepositoryImpl)(nil)

func (r *APIKeysRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, k *model.APIKey) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO api_keys
			    (user_id, name, key_prefix, key_hash, permissions, usage_count, usage_limit,
			     reset_at, ip_allowlist, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
		`, k.UserID, k.Name, k.Prefix, k.Hash, k.Permissions, k.UsageLimit, k.ResetAt.UTC(),
			k.IPAllowlist, k.ExpiresAt, k.CreatedAt.UTC(), k.UpdatedAt.UTC())
		if err != nil {
			return err
		}
		k.ID, err = res.LastInsertId()
		return err
	})
}

func (r *APIKeysRepositoryImpl) GetByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return r.getOne(ctx, `key_hash = ?`, hash)
}

func (r *APIKeysRepositoryImpl) Get(ctx context.Context, userID, id int64) (*model.APIKey, error) {
	return r.getOne(ctx, `id = ? AND user_id = ?`, id, userID)
}

func (r *APIKeysRepositoryImpl) getOne(ctx context.Context, where string, args ...any) (*model.APIKey, error) {
	var k model.APIKey
	err := r.db.GetContext(ctx, &k, `SELECT `+apiKeyColumns+` FROM api_keys WHERE `+where+` LIMIT 1`, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *APIKeysRepositoryImpl) ListByUser(ctx context.Context, userID int64) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := r.db.SelectContext(ctx, &keys, `SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = ? ORDER BY id`, userID)
	return keys, err
}

// Rotate swaps the secret and restarts the usage window.
func (r *APIKeysRepositoryImpl) Rotate(ctx context.Context, userID, id int64, prefix, hash string, resetAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys
		   SET key_prefix = ?, key_hash = ?, usage_count = 0, reset_at = ?, updated_at = NOW(6)
		 WHERE id = ? AND user_id = ?
	`, prefix, hash, resetAt.UTC(), id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *APIKeysRepositoryImpl) Delete(ctx context.Context, userID, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *APIKeysRepositoryImpl) ConsumeUsage(ctx context.Context, id int64, now, next time.Time) (bool, error) {
	var ok bool
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE api_keys SET usage_count = 0, reset_at = ? WHERE id = ? AND reset_at <= ?
		`, next.UTC(), id, now.UTC()); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE api_keys
			   SET usage_count = usage_count + 1, last_used_at = ?
			 WHERE id = ? AND usage_count + 1 <= usage_limit
		`, now.UTC(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		ok = n == 1
		return err
	})
	return ok, err
}
