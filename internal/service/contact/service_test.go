package contact

import (
	"context"
	"strings"
	"testing"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateNormalizes(t *testing.T) {
	s := New(repotest.NewContacts())
	c, err := s.Create(context.Background(), 1, Input{
		Email:        " Jane <Jane@Example.COM>",
		Phone:        "0044 7700 900123",
		FirstName:    " Jane ",
		CustomFields: model.Attributes{"tier": "gold"},
	})
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", c.Email)
	assert.Equal(t, "+447700900123", c.Phone)
	assert.Equal(t, "Jane", c.FirstName)
	assert.True(t, c.Subscribed)
}

func TestCreateValidation(t *testing.T) {
	s := New(repotest.NewContacts())
	_, err := s.Create(context.Background(), 1, Input{
		Email:        "not-an-email",
		Phone:        "12",
		LastName:     strings.Repeat("x", 101),
		CustomFields: model.Attributes{"Bad Key": "v"},
	})
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, ae.Kind)

	var got []string
	for _, f := range ae.Fields {
		got = append(got, f.Field)
	}
	assert.ElementsMatch(t, []string{"email", "phone", "last_name", "custom_fields"}, got)
}

func TestDuplicateEmailPerUser(t *testing.T) {
	s := New(repotest.NewContacts())
	ctx := context.Background()
	_, err := s.Create(ctx, 1, Input{Email: "a@x.io"})
	require.NoError(t, err)

	_, err = s.Create(ctx, 1, Input{Email: "A@x.io"})
	assert.Equal(t, apperr.KindDuplicateKey, apperr.KindOf(err))

	// another tenant may hold the same address
	_, err = s.Create(ctx, 2, Input{Email: "a@x.io"})
	assert.NoError(t, err)
}

func TestUpdateKeepsSubscriptionWhenOmitted(t *testing.T) {
	s := New(repotest.NewContacts())
	ctx := context.Background()
	off := false
	c, err := s.Create(ctx, 1, Input{Email: "a@x.io", Subscribed: &off})
	require.NoError(t, err)

	u, err := s.Update(ctx, 1, c.ID, Input{Email: "b@x.io", FirstName: "B"})
	require.NoError(t, err)
	assert.Equal(t, "b@x.io", u.Email)
	assert.False(t, u.Subscribed)

	_, err = s.Update(ctx, 2, c.ID, Input{Email: "c@x.io"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestListAndDelete(t *testing.T) {
	s := New(repotest.NewContacts())
	ctx := context.Background()
	for _, e := range []string{"ann@x.io", "bob@x.io", "anna@x.io"} {
		_, err := s.Create(ctx, 1, Input{Email: e})
		require.NoError(t, err)
	}

	page, err := s.List(ctx, 1, "ann", 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, 20, page.Limit)

	require.NoError(t, s.Delete(ctx, 1, page.Items[0].ID))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(s.Delete(ctx, 1, page.Items[0].ID)))
}

func TestGroups(t *testing.T) {
	repo := repotest.NewContacts()
	s := New(repo)
	ctx := context.Background()

	g, err := s.CreateGroup(ctx, 1, "VIP", "")
	require.NoError(t, err)
	_, err = s.CreateGroup(ctx, 1, "VIP", "")
	assert.Equal(t, apperr.KindDuplicateKey, apperr.KindOf(err))
	_, err = s.CreateGroup(ctx, 1, " ", "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	off := false
	a, _ := s.Create(ctx, 1, Input{Email: "a@x.io"})
	b, _ := s.Create(ctx, 1, Input{Email: "b@x.io", Subscribed: &off})
	foreign, _ := s.Create(ctx, 2, Input{Email: "f@x.io"})

	n, err := s.AddMembers(ctx, 1, g.ID, []int64{a.ID, b.ID, foreign.ID, a.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.GetGroup(ctx, 1, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.MemberCount)

	members, err := s.ListMembers(ctx, 1, g.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, a.ID, members[0].ID)

	_, err = s.AddMembers(ctx, 2, g.ID, []int64{foreign.ID})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = s.AddMembers(ctx, 1, g.ID, nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	groups, err := s.ListGroups(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}
