package apikey

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository/repotest"
	"github.com/jmehdipour/campaign-gateway/internal/service/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, apiLimit int64) (*Service, *repotest.APIKeys, *repotest.Quota) {
	t.Helper()
	keys := repotest.NewAPIKeys()
	qrepo := repotest.NewQuota()
	qrepo.Put(model.NewLedger(1, model.PlanStarter, model.PlanLimits{Email: 10, SMS: 10, API: apiLimit}, time.Now().Add(time.Hour)))
	q := quota.New(&repotest.Transactor{}, qrepo, nil, 0)
	return New(keys, q, time.Hour), keys, qrepo
}

func TestCreateReturnsSecretOnce(t *testing.T) {
	s, keys, _ := newService(t, 100)
	ctx := context.Background()

	c, err := s.Create(ctx, 1, CreateRequest{Name: "ci", Permissions: []string{"write", "read"}})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(c.Secret, "cgw_"))
	assert.Len(t, c.Secret, 44)
	assert.Equal(t, c.Secret[:12], c.Key.Prefix)
	assert.Equal(t, HashSecret(c.Secret), c.Key.Hash)
	assert.NotContains(t, c.Key.Hash, c.Secret)
	assert.Equal(t, int64(DefaultUsageLimit), c.Key.UsageLimit)

	stored, err := keys.GetByHash(ctx, HashSecret(c.Secret))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Permissions.Allows(model.PermWrite))
	assert.False(t, stored.Permissions.Allows(model.PermAdmin))
}

func TestCreateValidation(t *testing.T) {
	s, _, _ := newService(t, 100)
	past := time.Now().Add(-time.Minute)

	for name, req := range map[string]CreateRequest{
		"name":         {},
		"permissions":  {Name: "x", Permissions: []string{"root"}},
		"ip_allowlist": {Name: "x", IPAllowlist: []string{"10.0.0.0/33"}},
		"usage_limit":  {Name: "x", UsageLimit: -1},
		"expires_at":   {Name: "x", ExpiresAt: &past},
	} {
		_, err := s.Create(context.Background(), 1, req)
		ae, ok := apperr.As(err)
		require.True(t, ok, name)
		assert.Equal(t, apperr.KindValidation, ae.Kind, name)
		assert.Equal(t, name, ae.Fields[0].Field)
	}
}

func TestAuthenticateChargesApiQuota(t *testing.T) {
	s, _, qrepo := newService(t, 100)
	ctx := context.Background()
	c, err := s.Create(ctx, 1, CreateRequest{Name: "ci"})
	require.NoError(t, err)

	k, err := s.Authenticate(ctx, c.Secret, "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, int64(1), k.UserID)

	l, _ := qrepo.Snapshot(1)
	assert.Equal(t, int64(1), l.API.Used)
}

func TestAuthenticateRejects(t *testing.T) {
	s, _, _ := newService(t, 100)
	ctx := context.Background()

	_, err := s.Authenticate(ctx, "nope", "127.0.0.1")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	_, err = s.Authenticate(ctx, "cgw_"+strings.Repeat("0", 40), "127.0.0.1")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	c, err := s.Create(ctx, 1, CreateRequest{Name: "office", IPAllowlist: []string{"10.0.0.0/8"}})
	require.NoError(t, err)
	_, err = s.Authenticate(ctx, c.Secret, "192.168.1.1")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = s.Authenticate(ctx, c.Secret, "10.1.2.3")
	assert.NoError(t, err)
}

func TestAuthenticateExpiredKey(t *testing.T) {
	s, _, _ := newService(t, 100)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)
	c, err := s.Create(ctx, 1, CreateRequest{Name: "temp", ExpiresAt: &exp})
	require.NoError(t, err)

	s.now = func() time.Time { return exp.Add(time.Second) }
	_, err = s.Authenticate(ctx, c.Secret, "127.0.0.1")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAuthenticatePerKeyUsageLimit(t *testing.T) {
	s, _, qrepo := newService(t, 100)
	ctx := context.Background()
	c, err := s.Create(ctx, 1, CreateRequest{Name: "tiny", UsageLimit: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.Authenticate(ctx, c.Secret, "127.0.0.1")
		require.NoError(t, err)
	}
	_, err = s.Authenticate(ctx, c.Secret, "127.0.0.1")
	assert.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))

	l, _ := qrepo.Snapshot(1)
	assert.Equal(t, int64(2), l.API.Used, "refused request is not charged to the ledger")

	// the window rolls over
	base := s.now()
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = s.Authenticate(ctx, c.Secret, "127.0.0.1")
	assert.NoError(t, err)
}

func TestAuthenticateLedgerApiBucketExhausted(t *testing.T) {
	s, keys, _ := newService(t, 1)
	ctx := context.Background()
	c, err := s.Create(ctx, 1, CreateRequest{Name: "ci"})
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, c.Secret, "127.0.0.1")
	require.NoError(t, err)
	_, err = s.Authenticate(ctx, c.Secret, "127.0.0.1")
	assert.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))

	k, err := keys.Get(ctx, 1, c.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), k.UsageCount, "refused request does not use up the key window")
}

func TestRegenerateInvalidatesOldSecret(t *testing.T) {
	s, _, _ := newService(t, 100)
	ctx := context.Background()
	c, err := s.Create(ctx, 1, CreateRequest{Name: "ci"})
	require.NoError(t, err)
	_, err = s.Authenticate(ctx, c.Secret, "127.0.0.1")
	require.NoError(t, err)

	rotated, err := s.Regenerate(ctx, 1, c.Key.ID)
	require.NoError(t, err)
	assert.NotEqual(t, c.Secret, rotated.Secret)
	assert.Zero(t, rotated.Key.UsageCount)

	_, err = s.Authenticate(ctx, c.Secret, "127.0.0.1")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	_, err = s.Authenticate(ctx, rotated.Secret, "127.0.0.1")
	assert.NoError(t, err)

	_, err = s.Regenerate(ctx, 2, c.Key.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDeleteRevokesKey(t *testing.T) {
	s, _, _ := newService(t, 100)
	ctx := context.Background()
	c, err := s.Create(ctx, 1, CreateRequest{Name: "ci"})
	require.NoError(t, err)
	_, err = s.Authenticate(ctx, c.Secret, "127.0.0.1")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, 1, c.Key.ID))
	_, err = s.Authenticate(ctx, c.Secret, "127.0.0.1")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	keys, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
