package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// QuotaRepository persists ledgers (quota_ledgers) and their buckets (quota_buckets).
// Every mutation of a bucket's used counter is a single conditional UPDATE.
type QuotaRepository interface {
	Create(ctx context.Context, tx *sqlx.Tx, l model.Ledger) error
	// Get returns nil, nil when the user has no ledger.
	Get(ctx context.Context, tx *sqlx.Tx, userID int64) (*model.Ledger, error)
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, userID int64) (*model.Ledger, error)
	RollExpired(ctx context.Context, tx *sqlx.Tx, userID int64, now, next time.Time) (int64, error)
	ConsumeIfAvailable(ctx context.Context, tx *sqlx.Tx, userID int64, r model.Resource, amount int64) (bool, error)
	Refund(ctx context.Context, tx *sqlx.Tx, userID int64, r model.Resource, amount int64) error
	ResetBuckets(ctx context.Context, tx *sqlx.Tx, userID int64, resources []model.Resource, next time.Time) error
	UpdateLimits(ctx context.Context, tx *sqlx.Tx, userID int64, plan model.Plan, limits model.PlanLimits) error
	SetStatus(ctx context.Context, tx *sqlx.Tx, userID int64, status model.QuotaStatus) error
	CountByStatus(ctx context.Context) (map[model.QuotaStatus]int64, error)
}

type QuotaRepositoryImpl struct {
	db *sqlx.DB
}

func NewQuotaRepository(db *sqlx.DB) *QuotaRepositoryImpl {
	return &QuotaRepositoryImpl{db: db}
}

var _ QuotaRepository = (*QuotaRepositoryImpl)(nil)

// Create inserts the ledger row and its three buckets.
func (r *QuotaRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, l model.Ledger) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO quota_ledgers (user_id, plan, status, created_at, updated_at)
			VALUES (?, ?, ?, NOW(6), NOW(6))
		`, l.UserID, l.Plan.String(), l.Status.String()); err != nil {
			return err
		}

		for _, res := range model.Resources {
			b, _ := l.Bucket(res)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO quota_buckets (user_id, resource, used, usage_limit, reset_at)
				VALUES (?, ?, ?, ?, ?)
			`, l.UserID, res.String(), b.Used, b.Limit, b.ResetAt.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *QuotaRepositoryImpl) Get(ctx context.Context, tx *sqlx.Tx, userID int64) (*model.Ledger, error) {
	return r.load(ctx, pick(r.db, tx), userID, "")
}

// GetForUpdate locks the ledger and bucket rows; tx is required.
func (r *QuotaRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, userID int64) (*model.Ledger, error) {
	if tx == nil {
		return nil, errors.New("quota: GetForUpdate requires a transaction")
	}
	return r.load(ctx, tx, userID, " FOR UPDATE")
}

func (r *QuotaRepositoryImpl) load(ctx context.Context, q queryer, userID int64, lock string) (*model.Ledger, error) {
	var l model.Ledger
	err := q.GetContext(ctx, &l, `
		SELECT user_id, plan, status, created_at, updated_at
		  FROM quota_ledgers
		 WHERE user_id = ?`+lock, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var buckets []model.Bucket
	if err := q.SelectContext(ctx, &buckets, `
		SELECT resource, used, usage_limit, reset_at
		  FROM quota_buckets
		 WHERE user_id = ?`+lock, userID); err != nil {
		return nil, err
	}
	for _, b := range buckets {
		l.SetBucket(b)
	}
	return &l, nil
}

// RollExpired zeroes buckets whose window ended and moves them to next.
func (r *QuotaRepositoryImpl) RollExpired(ctx context.Context, tx *sqlx.Tx, userID int64, now, next time.Time) (int64, error) {
	res, err := pick(r.db, tx).ExecContext(ctx, `
		UPDATE quota_buckets
		   SET used = 0, reset_at = ?
		 WHERE user_id = ? AND reset_at <= ?
	`, next.UTC(), userID, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ConsumeIfAvailable is the check-and-increment in one statement: the row is
// only touched when used + amount stays within the limit.
func (r *QuotaRepositoryImpl) ConsumeIfAvailable(ctx context.Context, tx *sqlx.Tx, userID int64, res model.Resource, amount int64) (bool, error) {
	out, err := pick(r.db, tx).ExecContext(ctx, `
		UPDATE quota_buckets
		   SET used = used + ?
		 WHERE user_id = ? AND resource = ? AND used + ? <= usage_limit
	`, amount, userID, res.String(), amount)
	if err != nil {
		return false, err
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *QuotaRepositoryImpl) Refund(ctx context.Context, tx *sqlx.Tx, userID int64, res model.Resource, amount int64) error {
	_, err := pick(r.db, tx).ExecContext(ctx, `
		UPDATE quota_buckets
		   SET used = GREATEST(used - ?, 0)
		 WHERE user_id = ? AND resource = ?
	`, amount, userID, res.String())
	return err
}

func (r *QuotaRepositoryImpl) ResetBuckets(ctx context.Context, tx *sqlx.Tx, userID int64, resources []model.Resource, next time.Time) error {
	if len(resources) == 0 {
		return nil
	}
	names := make([]string, len(resources))
	for i, res := range resources {
		names[i] = res.String()
	}
	query, args, err := sqlx.In(`
		UPDATE quota_buckets
		   SET used = 0, reset_at = ?
		 WHERE user_id = ? AND resource IN (?)
	`, next.UTC(), userID, names)
	if err != nil {
		return err
	}
	_, err = pick(r.db, tx).ExecContext(ctx, r.db.Rebind(query), args...)
	return err
}

func (r *QuotaRepositoryImpl) UpdateLimits(ctx context.Context, tx *sqlx.Tx, userID int64, plan model.Plan, limits model.PlanLimits) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE quota_ledgers SET plan = ?, updated_at = NOW(6) WHERE user_id = ?
		`, plan.String(), userID); err != nil {
			return err
		}
		for _, res := range model.Resources {
			if _, err := tx.ExecContext(ctx, `
				UPDATE quota_buckets SET usage_limit = ? WHERE user_id = ? AND resource = ?
			`, limits.For(res), userID, res.String()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *QuotaRepositoryImpl) SetStatus(ctx context.Context, tx *sqlx.Tx, userID int64, status model.QuotaStatus) error {
	_, err := pick(r.db, tx).ExecContext(ctx, `
		UPDATE quota_ledgers SET status = ?, updated_at = NOW(6) WHERE user_id = ?
	`, status.String(), userID)
	return err
}

func (r *QuotaRepositoryImpl) CountByStatus(ctx context.Context) (map[model.QuotaStatus]int64, error) {
	var rows []struct {
		Status model.QuotaStatus `db:"status"`
		N      int64             `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS n FROM quota_ledgers GROUP BY status
	`); err != nil {
		return nil, err
	}
	out := make(map[model.QuotaStatus]int64, len(rows))
	for _, rw := range rows {
		out[rw.Status] = rw.N
	}
	return out, nil
}
