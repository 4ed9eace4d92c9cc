package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return sqlx.NewDb(raw, "mysql"), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, IsDuplicateKey(&mysql.MySQLError{Number: 1062}))
	assert.True(t, IsDuplicateKey(errors.Join(errors.New("ctx"), &mysql.MySQLError{Number: 1062})))
	assert.False(t, IsDuplicateKey(&mysql.MySQLError{Number: 1213}))
	assert.False(t, IsDuplicateKey(errors.New("boom")))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO quota_ledgers")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO quota_buckets")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	l := model.NewLedger(7, model.PlanFree, model.DefaultPlanLimits[model.PlanFree], time.Now())
	err := NewQuotaRepository(db).Create(context.Background(), nil, l)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaCreateWritesEveryBucket(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO quota_ledgers")).
		WithArgs(int64(7), "starter", "normal").
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, r := range model.Resources {
		mock.ExpectExec(q("INSERT INTO quota_buckets")).
			WithArgs(int64(7), r.String(), int64(0), model.DefaultPlanLimits[model.PlanStarter].For(r), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	l := model.NewLedger(7, model.PlanStarter, model.DefaultPlanLimits[model.PlanStarter], time.Now())
	require.NoError(t, NewQuotaRepository(db).Create(context.Background(), nil, l))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaConsumeIfAvailable(t *testing.T) {
	db, mock := newMock(t)
	repo := NewQuotaRepository(db)
	mock.ExpectExec(q("SET used = used + ?")).
		WithArgs(int64(2), int64(1), "email", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.ConsumeIfAvailable(context.Background(), nil, 1, model.ResourceEmail, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(q("SET used = used + ?")).
		WithArgs(int64(1), int64(1), "sms", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.ConsumeIfAvailable(context.Background(), nil, 1, model.ResourceSMS, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaGetForUpdateRequiresTx(t *testing.T) {
	db, _ := newMock(t)
	_, err := NewQuotaRepository(db).GetForUpdate(context.Background(), nil, 1)
	assert.Error(t, err)
}

func TestQuotaGetAssemblesBuckets(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(q("FROM quota_ledgers")).WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "plan", "status", "created_at", "updated_at"}).
			AddRow(int64(3), "free", "warning", now, now))
	mock.ExpectQuery(q("FROM quota_buckets")).WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"resource", "used", "usage_limit", "reset_at"}).
			AddRow("email", int64(1600), int64(2000), now).
			AddRow("sms", int64(0), int64(0), now).
			AddRow("api", int64(5), int64(10000), now))

	l, err := NewQuotaRepository(db).Get(context.Background(), nil, 3)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, model.PlanFree, l.Plan)
	assert.Equal(t, int64(1600), l.Email.Used)
	assert.Equal(t, int64(10000), l.API.Limit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaGetMissing(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(q("FROM quota_ledgers")).WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	l, err := NewQuotaRepository(db).Get(context.Background(), nil, 9)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestQuotaResetBucketsExpandsIn(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(q("WHERE user_id = ? AND resource IN (?, ?)")).
		WithArgs(sqlmock.AnyArg(), int64(1), "email", "api").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := NewQuotaRepository(db).ResetBuckets(context.Background(), nil, 1,
		[]model.Resource{model.ResourceEmail, model.ResourceAPI}, time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaCountByStatus(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(q("GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "n"}).AddRow("normal", int64(4)).AddRow("exceeded", int64(1)))

	got, err := NewQuotaRepository(db).CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), got[model.QuotaNormal])
	assert.Equal(t, int64(1), got[model.QuotaExceeded])
}

func TestAPIKeyConsumeUsage(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(q("SET usage_count = 0, reset_at = ?")).
		WithArgs(sqlmock.AnyArg(), int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("usage_count + 1 <= usage_limit")).
		WithArgs(sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := NewAPIKeysRepository(db).ConsumeUsage(context.Background(), 5, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeyGetByHashUnknown(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(q("FROM api_keys WHERE key_hash = ?")).WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	k, err := NewAPIKeysRepository(db).GetByHash(context.Background(), "abc")
	require.NoError(t, err)
	assert.Nil(t, k)
}

func TestMessagesInsertWithinCallerTx(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO messages")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO outbox")).
		WithArgs("message", "01HX", MessageEventsTopic, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	now := time.Now()
	m := &model.Message{ID: "01HX", UserID: 1, Channel: model.ChannelEmail, Status: model.StatusPending,
		ScheduledAt: now, CreatedAt: now, UpdatedAt: now}
	msgs := NewMessagesRepository(db)
	outbox := NewOutboxRepository(db, "")

	err := NewTransactor(db).WithTx(context.Background(), func(tx *sqlx.Tx) error {
		if err := msgs.Insert(context.Background(), tx, m); err != nil {
			return err
		}
		return outbox.InsertMessageEvent(context.Background(), tx, model.EventFor(m, now))
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesListBuildsFilter(t *testing.T) {
	db, mock := newMock(t)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q("SELECT COUNT(*) FROM messages WHERE user_id = ? AND status = ? AND channel = ? AND created_at >= ?")).
		WithArgs(int64(1), "delivered", "sms", from).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)))
	mock.ExpectQuery(q("ORDER BY created_at DESC LIMIT ? OFFSET ?")).
		WithArgs(int64(1), "delivered", "sms", from, int64(20), int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "channel", "status"}).
			AddRow("01HX", int64(1), "sms", "delivered"))

	rows, total, err := NewMessagesRepository(db).List(context.Background(), 1, MessageFilter{
		Status: model.StatusDelivered, Channel: model.ChannelSMS, From: from,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, rows, 1)
	assert.Equal(t, model.StatusDelivered, rows[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesDueAndClaimHonourLease(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(5 * time.Minute)

	mock.ExpectQuery(q("AND (claimed_until IS NULL OR claimed_until <= ?)")).
		WithArgs(now, now, int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("01HX", "pending"))
	mock.ExpectExec(q("SET claimed_until = ?")).
		WithArgs(until, "01HX", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SET claimed_until = ?")).
		WithArgs(until, "01HX", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewMessagesRepository(db)
	due, err := repo.ListDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := repo.Claim(context.Background(), "01HX", now, until)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(context.Background(), "01HX", now, until)
	require.NoError(t, err)
	assert.False(t, ok, "second claimer loses")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesGetForUpdateRequiresTx(t *testing.T) {
	db, _ := newMock(t)
	_, err := NewMessagesRepository(db).GetForUpdate(context.Background(), nil, "x")
	assert.Error(t, err)
}

func TestContactsListEscapesSearch(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(q("JOIN contact_group_members m")).
		WithArgs(int64(1), int64(4), `50\%%`, `50\%%`, `50\%%`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(0)))
	mock.ExpectQuery(q("ORDER BY c.id DESC")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, total, err := NewContactsRepository(db).List(context.Background(), 1, ContactFilter{Search: "50%", GroupID: 4})
	require.NoError(t, err)
	assert.Zero(t, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContactsAddMembersScopesToOwner(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(q("SELECT ?, c.id FROM contacts c WHERE c.user_id = ? AND c.id IN (?, ?, ?)")).
		WithArgs(int64(9), int64(1), int64(10), int64(11), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := NewContactsRepository(db).AddMembers(context.Background(), 1, 9, []int64{10, 11, 12})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
