package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Directory resolves plaintext API keys to active tenants. A Redis cache sits
// in front of the store when one is configured; cache failures fall through
// to the store.
type Directory struct {
	store            Store
	cache            *redis.Client
	ttl              time.Duration
	defaultRateLimit int
	log              *zap.SugaredLogger
}

type DirectoryOption func(*Directory)

func WithCache(cache *redis.Client, ttl time.Duration) DirectoryOption {
	return func(d *Directory) {
		d.cache = cache
		d.ttl = ttl
	}
}

func WithLogger(log *zap.SugaredLogger) DirectoryOption {
	return func(d *Directory) {
		d.log = log
	}
}

// WithDefaultRateLimit sets the per-minute limit given to tenants created without one.
func WithDefaultRateLimit(n int) DirectoryOption {
	return func(d *Directory) {
		d.defaultRateLimit = n
	}
}

func NewDirectory(store Store, opts ...DirectoryOption) *Directory {
	d := &Directory{
		store:            store,
		ttl:              5 * time.Minute,
		defaultRateLimit: 60,
		log:              zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func keyCacheKey(keyHash string) string { return "tenant:key:" + keyHash }
func tenantCacheKey(tenantID string) string { return "tenant:id:" + tenantID }

// Resolve returns the active tenant owning the key, or ErrUnauthorized.
func (d *Directory) Resolve(ctx context.Context, plaintext string) (*Tenant, error) {
	if plaintext == "" {
		return nil, ErrUnauthorized
	}
	keyHash := HashKey(plaintext)

	key, err := d.lookupKey(ctx, keyHash)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if key.Revoked {
		return nil, ErrUnauthorized
	}

	t, err := d.lookupTenant(ctx, key.TenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !t.IsActive() {
		return nil, ErrUnauthorized
	}
	return t, nil
}

func (d *Directory) lookupKey(ctx context.Context, keyHash string) (*APIKey, error) {
	if d.cache != nil {
		var cached APIKey
		err := d.cache.Get(ctx, keyCacheKey(keyHash)).Scan(&cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, redis.Nil) {
			d.log.Warnw("auth cache read failed", "error", err)
		}
	}

	key, err := d.store.GetKeyByHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	d.put(ctx, keyCacheKey(keyHash), key)
	return key, nil
}

func (d *Directory) lookupTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	if d.cache != nil {
		var cached Tenant
		err := d.cache.Get(ctx, tenantCacheKey(tenantID)).Scan(&cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, redis.Nil) {
			d.log.Warnw("tenant cache read failed", "tenant_id", tenantID, "error", err)
		}
	}

	t, err := d.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	d.put(ctx, tenantCacheKey(tenantID), t)
	return t, nil
}

func (d *Directory) put(ctx context.Context, key string, value any) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Set(ctx, key, value, d.ttl).Err(); err != nil {
		d.log.Warnw("cache write failed", "error", err)
	}
}

func (d *Directory) invalidate(ctx context.Context, keys ...string) error {
	if d.cache == nil {
		return nil
	}
	if err := d.cache.Del(ctx, keys...).Err(); err != nil {
		d.log.Warnw("cache invalidation failed", "keys", len(keys), "error", err)
		return fmt.Errorf("%w: %v", ErrCacheStale, err)
	}
	return nil
}

// Get returns a tenant regardless of status.
func (d *Directory) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	return d.store.GetTenant(ctx, tenantID)
}

// Create onboards a tenant. Missing plan, status and rate limit get defaults.
func (d *Directory) Create(ctx context.Context, t *Tenant) error {
	if err := t.validate(d.defaultRateLimit); err != nil {
		return err
	}
	return d.store.CreateTenant(ctx, t)
}

// Update applies plan or limit changes. Tenants are never deleted.
func (d *Directory) Update(ctx context.Context, t *Tenant) error {
	if err := t.validate(d.defaultRateLimit); err != nil {
		return err
	}
	if err := d.store.UpdateTenant(ctx, t); err != nil {
		return err
	}
	return d.invalidate(ctx, tenantCacheKey(t.ID))
}

func (d *Directory) SetStatus(ctx context.Context, tenantID string, status Status) (*Tenant, error) {
	t, err := d.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	t.Status = status
	if err := d.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// IssueKey creates a key for the tenant and returns the plaintext, which is not recoverable later.
func (d *Directory) IssueKey(ctx context.Context, tenantID string) (string, *APIKey, error) {
	if _, err := d.store.GetTenant(ctx, tenantID); err != nil {
		return "", nil, err
	}
	plaintext, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}
	key := &APIKey{TenantID: tenantID, KeyHash: HashKey(plaintext)}
	if err := d.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// ImportKey registers a caller-chosen plaintext key, e.g. for seeding.
func (d *Directory) ImportKey(ctx context.Context, tenantID, plaintext string) (*APIKey, error) {
	if plaintext == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	key := &APIKey{TenantID: tenantID, KeyHash: HashKey(plaintext)}
	if err := d.store.CreateKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RevokeKey marks the key revoked. ErrCacheStale means the revocation is
// stored but a cached copy may still resolve; revoking again is safe.
func (d *Directory) RevokeKey(ctx context.Context, keyID string) error {
	key, err := d.store.RevokeKey(ctx, keyID)
	if err != nil {
		return err
	}
	return d.invalidate(ctx, keyCacheKey(key.KeyHash))
}
