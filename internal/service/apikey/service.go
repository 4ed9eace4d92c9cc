package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	SecretPrefix = "cgw_"
	secretBytes  = 20 // 40 hex chars
	displayChars = 12 // "cgw_" + 8 hex chars shown in listings

	DefaultUsageLimit  = 10000
	DefaultUsageWindow = 24 * time.Hour
	lookupTTL          = 30 * time.Second
)

// Quota charges the api bucket of the key owner.
type Quota interface {
	Consume(ctx context.Context, userID int64, r model.Resource, amount int64) (*model.Ledger, error)
	Refund(ctx context.Context, userID int64, r model.Resource, amount int64) error
}

type Service struct {
	repo   repository.APIKeysRepository
	quota  Quota
	cache  *cache.Cache
	window time.Duration
	now    func() time.Time
}

func New(repo repository.APIKeysRepository, quota Quota, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultUsageWindow
	}
	return &Service{
		repo:   repo,
		quota:  quota,
		cache:  cache.New(lookupTTL, 2*lookupTTL),
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	Name        string
	Permissions []string
	UsageLimit  int64
	IPAllowlist []string
	ExpiresAt   *time.Time
}

// Created carries the plaintext secret, which is never stored or shown again.
type Created struct {
	Key    *model.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

func newSecret() (secret, hash string, err error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	secret = SecretPrefix + hex.EncodeToString(b)
	return secret, HashSecret(secret), nil
}

// HashSecret is the lookup key persisted for a secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (s *Service) Create(ctx context.Context, userID int64, req CreateRequest) (Created, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Created{}, apperr.InvalidArgument("name", "is required")
	}
	if len(req.Permissions) == 0 {
		req.Permissions = []string{string(model.PermRead)}
	}
	perms, err := model.ParsePermissions(req.Permissions)
	if err != nil {
		return Created{}, apperr.InvalidArgument("permissions", err.Error())
	}
	allow := model.IPAllowlist(req.IPAllowlist)
	if err := allow.Validate(); err != nil {
		return Created{}, apperr.InvalidArgument("ip_allowlist", err.Error())
	}
	if req.UsageLimit < 0 {
		return Created{}, apperr.InvalidArgument("usage_limit", "must not be negative")
	}
	if req.UsageLimit == 0 {
		req.UsageLimit = DefaultUsageLimit
	}
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return Created{}, apperr.InvalidArgument("expires_at", "must be in the future")
	}

	secret, hash, err := newSecret()
	if err != nil {
		return Created{}, fmt.Errorf("generate secret: %w", err)
	}
	k := &model.APIKey{
		UserID:      userID,
		Name:        name,
		Prefix:      secret[:displayChars],
		Hash:        hash,
		Permissions: perms,
		UsageLimit:  req.UsageLimit,
		ResetAt:     now.Add(s.window),
		IPAllowlist: allow,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, nil, k); err != nil {
		return Created{}, fmt.Errorf("create api key: %w", err)
	}

	logger.Log.Info("api key created", zap.Int64("user_id", userID), zap.Int64("key_id", k.ID), zap.String("prefix", k.Prefix))
	return Created{Key: k, Secret: secret}, nil
}

func (s *Service) List(ctx context.Context, userID int64) ([]model.APIKey, error) {
	keys, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	return keys, nil
}

// Regenerate rotates the secret and restarts the usage window; the old
// secret stops working immediately on this node.
func (s *Service) Regenerate(ctx context.Context, userID, id int64) (Created, error) {
	k, err := s.repo.Get(ctx, userID, id)
	if err != nil {
		return Created{}, fmt.Errorf("load api key: %w", err)
	}
	if k == nil {
		return Created{}, apperr.NotFound("api key", nil)
	}

	secret, hash, err := newSecret()
	if err != nil {
		return Created{}, fmt.Errorf("generate secret: %w", err)
	}
	now := s.now()
	ok, err := s.repo.Rotate(ctx, userID, id, secret[:displayChars], hash, now.Add(s.window))
	if err != nil {
		return Created{}, fmt.Errorf("rotate api key: %w", err)
	}
	if !ok {
		return Created{}, apperr.NotFound("api key", nil)
	}
	s.cache.Delete(k.Hash)

	k.Prefix, k.Hash, k.UsageCount, k.ResetAt, k.UpdatedAt = secret[:displayChars], hash, 0, now.Add(s.window), now
	return Created{Key: k, Secret: secret}, nil
}

func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	k, err := s.repo.Get(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("load api key: %w", err)
	}
	if k == nil {
		return apperr.NotFound("api key", nil)
	}
	if _, err := s.repo.Delete(ctx, userID, id); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	s.cache.Delete(k.Hash)
	return nil
}

// Authenticate resolves a presented secret, enforces expiry and the IP
// allow-list, then charges one unit of the owner's api quota and one unit of
// the key's usage window. A request refused by either limit leaves both
// counters as they were.
func (s *Service) Authenticate(ctx context.Context, secret, clientIP string) (*model.APIKey, error) {
	secret = strings.TrimSpace(secret)
	if !strings.HasPrefix(secret, SecretPrefix) || len(secret) != len(SecretPrefix)+2*secretBytes {
		return nil, apperr.Unauthorized("invalid api key")
	}
	hash := HashSecret(secret)

	k, err := s.lookup(ctx, hash)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if k.Expired(now) {
		return nil, apperr.Unauthorized("api key expired")
	}
	if !k.IPAllowlist.Allows(clientIP) {
		return nil, apperr.Forbidden("client address not allowed for this api key")
	}

	if _, err := s.quota.Consume(ctx, k.UserID, model.ResourceAPI, 1); err != nil {
		return nil, err
	}

	ok, err := s.repo.ConsumeUsage(ctx, k.ID, now, now.Add(s.window))
	switch {
	case err != nil:
		err = fmt.Errorf("api key usage: %w", err)
	case !ok:
		err = apperr.QuotaExceeded("api key usage", nil)
	}
	if err != nil {
		if rerr := s.quota.Refund(ctx, k.UserID, model.ResourceAPI, 1); rerr != nil {
			logger.Log.Error("api quota refund failed", zap.Int64("user_id", k.UserID), zap.Error(rerr))
		}
		return nil, err
	}
	return k, nil
}

func (s *Service) lookup(ctx context.Context, hash string) (*model.APIKey, error) {
	if v, found := s.cache.Get(hash); found {
		return v.(*model.APIKey), nil
	}
	k, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if k == nil {
		return nil, apperr.Unauthorized("invalid api key")
	}
	s.cache.Set(hash, k, cache.DefaultExpiration)
	return k, nil
}
