package account

import (
	"context"
	"errors"
	"testing"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository/repotest"
	"github.com/jmehdipour/campaign-gateway/internal/service/apikey"
	"github.com/jmehdipour/campaign-gateway/internal/service/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc    *Service
	users  *repotest.Users
	ledger *repotest.Quota
	keys   *apikey.Service
}

func newHarness() *harness {
	users := repotest.NewUsers()
	ledger := repotest.NewQuota()
	q := quota.New(&repotest.Transactor{}, ledger, nil, 0)
	keys := apikey.New(repotest.NewAPIKeys(), q, 0)
	return &harness{svc: New(users, q, keys), users: users, ledger: ledger, keys: keys}
}

func TestCreateOnboardsUser(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	out, err := h.svc.Create(ctx, CreateRequest{Name: "Acme", Email: "Ops@Acme.io", Plan: "starter"})
	require.NoError(t, err)
	assert.Equal(t, "ops@acme.io", out.User.Email)
	assert.Equal(t, model.UserActive, out.User.Status)
	assert.Equal(t, model.PlanStarter, out.Quota.Plan)
	assert.Equal(t, int64(1000), out.Quota.SMS.Limit)

	k, err := h.keys.Authenticate(ctx, out.APIKey.Secret, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, out.User.ID, k.UserID)
	assert.True(t, k.Permissions.Allows(model.PermWrite))
	assert.False(t, k.Permissions.Allows(model.PermAdmin))
}

func TestCreateDefaultsToFreePlan(t *testing.T) {
	h := newHarness()
	out, err := h.svc.Create(context.Background(), CreateRequest{Name: "A", Email: "a@b.io"})
	require.NoError(t, err)
	assert.Equal(t, model.PlanFree, out.Quota.Plan)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness()
	_, err := h.svc.Create(context.Background(), CreateRequest{Email: "nope", Plan: "gold"})
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, ae.Kind)
	assert.Len(t, ae.Fields, 3)
}

func TestCreateDuplicateEmail(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.svc.Create(ctx, CreateRequest{Name: "A", Email: "a@b.io"})
	require.NoError(t, err)

	_, err = h.svc.Create(ctx, CreateRequest{Name: "B", Email: "A@b.io"})
	assert.Equal(t, apperr.KindDuplicateKey, apperr.KindOf(err))
}

type failingLedgers struct{}

func (failingLedgers) Ensure(context.Context, int64, model.Plan) (*model.Ledger, error) {
	return nil, errors.New("db down")
}

func TestCreateRollsBackUserOnLedgerFailure(t *testing.T) {
	users := repotest.NewUsers()
	svc := New(users, failingLedgers{}, nil)

	_, err := svc.Create(context.Background(), CreateRequest{Name: "A", Email: "a@b.io"})
	require.Error(t, err)

	n, _ := users.Count(context.Background())
	assert.Zero(t, n)
}

func TestGetListDelete(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	for _, e := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		_, err := h.svc.Create(ctx, CreateRequest{Name: e, Email: e})
		require.NoError(t, err)
	}

	page, err := h.svc.List(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Items, 2)

	page, err = h.svc.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	u, err := h.svc.Get(ctx, page.Items[0].ID)
	require.NoError(t, err)
	require.NoError(t, h.svc.Delete(ctx, u.ID))

	_, err = h.svc.Get(ctx, u.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(h.svc.Delete(ctx, u.ID)))
}
