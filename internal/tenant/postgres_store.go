package tenant

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schema string

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tenants and api_keys tables if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate tenant schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	query := `
		SELECT id, tenant_id, key_hash, revoked, created_at
		FROM api_keys
		WHERE key_hash = $1
	`

	var k APIKey
	err := s.db.QueryRow(ctx, query, keyHash).Scan(
		&k.ID, &k.TenantID, &k.KeyHash, &k.Revoked, &k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	return &k, nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	query := `
		SELECT id, name, plan, rate_limit_per_minute,
		       tokens_per_month, audio_seconds_per_month, ocr_pages_per_month,
		       status, created_at, updated_at
		FROM tenants
		WHERE id = $1
	`

	var t Tenant
	err := s.db.QueryRow(ctx, query, tenantID).Scan(
		&t.ID, &t.Name, &t.Plan, &t.RateLimitPerMinute,
		&t.Quotas.TokensPerMonth, &t.Quotas.AudioSecondsPerMonth, &t.Quotas.OCRPagesPerMonth,
		&t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *Tenant) error {
	query := `
		INSERT INTO tenants (name, plan, rate_limit_per_minute,
		                     tokens_per_month, audio_seconds_per_month, ocr_pages_per_month, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRow(ctx, query,
		t.Name, t.Plan, t.RateLimitPerMinute,
		t.Quotas.TokensPerMonth, t.Quotas.AudioSecondsPerMonth, t.Quotas.OCRPagesPerMonth, t.Status,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	return nil
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, t *Tenant) error {
	query := `
		UPDATE tenants
		SET name = $2, plan = $3, rate_limit_per_minute = $4,
		    tokens_per_month = $5, audio_seconds_per_month = $6, ocr_pages_per_month = $7,
		    status = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := s.db.QueryRow(ctx, query,
		t.ID, t.Name, t.Plan, t.RateLimitPerMinute,
		t.Quotas.TokensPerMonth, t.Quotas.AudioSecondsPerMonth, t.Quotas.OCRPagesPerMonth, t.Status,
	).Scan(&t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update tenant: %w", err)
	}

	return nil
}

func (s *PostgresStore) CreateKey(ctx context.Context, key *APIKey) error {
	if key.KeyHash == "" {
		return fmt.Errorf("%w: key_hash is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO api_keys (tenant_id, key_hash, revoked)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query, key.TenantID, key.KeyHash, key.Revoked).
		Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

func (s *PostgresStore) RevokeKey(ctx context.Context, keyID string) (*APIKey, error) {
	query := `
		UPDATE api_keys SET revoked = true
		WHERE id = $1
		RETURNING id, tenant_id, key_hash, revoked, created_at
	`

	var k APIKey
	err := s.db.QueryRow(ctx, query, keyID).Scan(
		&k.ID, &k.TenantID, &k.KeyHash, &k.Revoked, &k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to revoke api key: %w", err)
	}

	return &k, nil
}
