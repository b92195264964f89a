// Package tenant resolves API keys to billable tenant accounts.
package tenant

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized covers every way a key can fail to resolve: missing,
	// unknown, revoked, or owned by a tenant that is not active.
	ErrUnauthorized = errors.New("tenant: unauthorized")
	ErrNotFound     = errors.New("tenant: not found")
	ErrKeyNotFound  = errors.New("tenant: api key not found")
	ErrInvalidInput = errors.New("tenant: invalid input")
	// ErrCacheStale means a write was stored but cached copies may still be
	// served until the TTL expires. Repeating the call clears them.
	ErrCacheStale   = errors.New("tenant: cache invalidation failed")
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Quotas are monthly ceilings per resource type. Zero means unlimited.
type Quotas struct {
	TokensPerMonth       int64 `json:"tokens_per_month"`
	AudioSecondsPerMonth int64 `json:"audio_seconds_per_month"`
	OCRPagesPerMonth     int64 `json:"ocr_pages_per_month"`
}

type Tenant struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Plan               Plan      `json:"plan"`
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
	Quotas             Quotas    `json:"quotas"`
	Status             Status    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (t *Tenant) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (t *Tenant) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

type APIKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	KeyHash   string    `json:"key_hash"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	CreateTenant(ctx context.Context, t *Tenant) error
	UpdateTenant(ctx context.Context, t *Tenant) error
	CreateKey(ctx context.Context, key *APIKey) error
	// RevokeKey marks the key revoked and returns it so callers can drop cached copies.
	RevokeKey(ctx context.Context, keyID string) (*APIKey, error)
}

// HashKey is the one-way digest under which keys are stored and looked up.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

const keyPrefix = "tm_"

// GenerateKey returns a fresh plaintext key. It is shown to the caller once and never stored.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

// validate fills defaults and rejects tenants that could never be admitted.
func (t *Tenant) validate(defaultRateLimit int) error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if t.Plan == "" {
		t.Plan = PlanFree
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.RateLimitPerMinute == 0 {
		t.RateLimitPerMinute = defaultRateLimit
	}
	if t.RateLimitPerMinute < 0 {
		return fmt.Errorf("%w: rate_limit_per_minute must be positive", ErrInvalidInput)
	}
	if t.Quotas.TokensPerMonth < 0 || t.Quotas.AudioSecondsPerMonth < 0 || t.Quotas.OCRPagesPerMonth < 0 {
		return fmt.Errorf("%w: quotas must not be negative", ErrInvalidInput)
	}
	return nil
}
