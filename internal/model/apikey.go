package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	PermAdmin Permission = "admin"
)

func (p Permission) rank() int {
	switch p {
	case PermRead:
		return 1
	case PermWrite:
		return 2
	case PermAdmin:
		return 3
	}
	return 0
}

func (p Permission) Valid() bool { return p.rank() > 0 }

// Permissions is stored as a comma separated column.
type Permissions []Permission

func ParsePermissions(in []string) (Permissions, error) {
	out := make(Permissions, 0, len(in))
	seen := map[Permission]bool{}
	for _, s := range in {
		p := Permission(strings.ToLower(strings.TrimSpace(s)))
		if !p.Valid() {
			return nil, fmt.Errorf("unknown permission %q", s)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Allows reports whether the set grants want; admin implies write implies read.
func (ps Permissions) Allows(want Permission) bool {
	for _, p := range ps {
		if p.rank() >= want.rank() {
			return true
		}
	}
	return false
}

func (ps Permissions) Value() (driver.Value, error) {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ","), nil
}

func (ps *Permissions) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*ps = nil
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("unsupported permissions column type %T", src)
	}
	if s == "" {
		*ps = nil
		return nil
	}
	parsed, err := ParsePermissions(strings.Split(s, ","))
	if err != nil {
		return err
	}
	*ps = parsed
	return nil
}

// IPAllowlist holds IPs or CIDRs; empty allows everyone.
type IPAllowlist []string

func (l IPAllowlist) Validate() error {
	for _, e := range l {
		if _, _, err := net.ParseCIDR(e); err == nil {
			continue
		}
		if net.ParseIP(e) == nil {
			return fmt.Errorf("invalid IP or CIDR %q", e)
		}
	}
	return nil
}

func (l IPAllowlist) Allows(ip string) bool {
	if len(l) == 0 {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, e := range l {
		if _, n, err := net.ParseCIDR(e); err == nil {
			if n.Contains(addr) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(e); allowed != nil && allowed.Equal(addr) {
			return true
		}
	}
	return false
}

func (l IPAllowlist) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *IPAllowlist) Scan(src any) error { return scanJSON(src, l) }

type APIKey struct {
	ID          int64       `db:"id"           json:"id"`
	UserID      int64       `db:"user_id"      json:"user_id"`
	Name        string      `db:"name"         json:"name"`
	Prefix      string      `db:"key_prefix"   json:"prefix"`
	Hash        string      `db:"key_hash"     json:"-"`
	Permissions Permissions `db:"permissions"  json:"permissions"`
	UsageCount  int64       `db:"usage_count"  json:"usage_count"`
	UsageLimit  int64       `db:"usage_limit"  json:"usage_limit"`
	ResetAt     time.Time   `db:"reset_at"     json:"reset_at"`
	IPAllowlist IPAllowlist `db:"ip_allowlist" json:"ip_allowlist,omitempty"`
	ExpiresAt   *time.Time  `db:"expires_at"   json:"expires_at,omitempty"`
	LastUsedAt  *time.Time  `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt   time.Time   `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at"   json:"updated_at"`
}

func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
