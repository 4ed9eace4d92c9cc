package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionsHierarchy(t *testing.T) {
	admin := Permissions{PermAdmin}
	assert.True(t, admin.Allows(PermRead))
	assert.True(t, admin.Allows(PermWrite))
	assert.True(t, admin.Allows(PermAdmin))

	read := Permissions{PermRead}
	assert.True(t, read.Allows(PermRead))
	assert.False(t, read.Allows(PermWrite))

	assert.False(t, Permissions{}.Allows(PermRead))
}

func TestPermissionsScanValue(t *testing.T) {
	v, err := Permissions{PermRead, PermWrite}.Value()
	require.NoError(t, err)
	assert.Equal(t, "read,write", v)

	var ps Permissions
	require.NoError(t, ps.Scan([]byte("read,admin")))
	assert.Equal(t, Permissions{PermRead, PermAdmin}, ps)

	assert.Error(t, ps.Scan("read,root"))
}

func TestParsePermissionsDedupes(t *testing.T) {
	ps, err := ParsePermissions([]string{"READ", "read", "write"})
	require.NoError(t, err)
	assert.Equal(t, Permissions{PermRead, PermWrite}, ps)
}

func TestIPAllowlist(t *testing.T) {
	l := IPAllowlist{"10.0.0.0/8", "203.0.113.7"}
	require.NoError(t, l.Validate())
	assert.True(t, l.Allows("10.1.2.3"))
	assert.True(t, l.Allows("203.0.113.7"))
	assert.False(t, l.Allows("203.0.113.8"))
	assert.False(t, l.Allows("garbage"))
	assert.True(t, IPAllowlist(nil).Allows("198.51.100.1"))
	assert.Error(t, IPAllowlist{"nope"}.Validate())
}

func TestAPIKeyExpired(t *testing.T) {
	now := time.Now()
	k := APIKey{}
	assert.False(t, k.Expired(now))
	past := now.Add(-time.Second)
	k.ExpiresAt = &past
	assert.True(t, k.Expired(now))
}
