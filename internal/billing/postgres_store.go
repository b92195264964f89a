package billing

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schema string

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore serializes writes per tenant with a row lock on balances.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate billing schema: %w", err)
	}
	return nil
}

const balanceColumns = `tenant_id, balance_tokens, reserved_tokens, total_purchased, total_consumed, last_purchase_at, last_usage_at`

func scanBalance(row pgx.Row) (*Balance, error) {
	var b Balance
	err := row.Scan(
		&b.TenantID, &b.BalanceTokens, &b.ReservedTokens,
		&b.TotalPurchased, &b.TotalConsumed, &b.LastPurchaseAt, &b.LastUsageAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// withTx runs fn in a transaction. Errors that are not billing sentinels are
// reported as ErrPersistence so callers know to retry.
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.db, fn)
	if err == nil {
		return nil
	}
	for _, domain := range []error{ErrInsufficientFunds, ErrInvalidAmount, ErrAlreadySettled} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// lockBalance creates the row if needed and locks it for the rest of the transaction.
func lockBalance(ctx context.Context, tx pgx.Tx, tenantID string) (*Balance, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO balances (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`, tenantID); err != nil {
		return nil, fmt.Errorf("failed to init balance: %w", err)
	}
	b, err := scanBalance(tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE tenant_id = $1 FOR UPDATE`, tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	b, err := scanBalance(s.db.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE tenant_id = $1`, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Balance{TenantID: tenantID}, nil
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Credit(ctx context.Context, tenantID string, amount int64, reason, reference string) (*Balance, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	var (
		out     *Balance
		applied bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		b, err := lockBalance(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO credits (tenant_id, amount, reason, reference)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, reference) WHERE reference <> '' DO NOTHING
		`, tenantID, amount, reason, reference)
		if err != nil {
			return fmt.Errorf("failed to insert credit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			out = b
			return nil
		}
		applied = true

		out, err = scanBalance(tx.QueryRow(ctx, `
			UPDATE balances
			SET total_purchased = total_purchased + $2,
			    balance_tokens = total_purchased + $2 - total_consumed,
			    last_purchase_at = NOW()
			WHERE tenant_id = $1
			RETURNING `+balanceColumns, tenantID, amount))
		if err != nil {
			return fmt.Errorf("failed to credit balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func (s *PostgresStore) Debit(ctx context.Context, tenantID string, amount int64) (*Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var out *Balance
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		b, err := lockBalance(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if amount > b.Available() {
			return ErrInsufficientFunds
		}
		out, err = consume(ctx, tx, tenantID, amount, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// consume charges amount and releases hold in one statement.
func consume(ctx context.Context, tx pgx.Tx, tenantID string, amount, hold int64) (*Balance, error) {
	b, err := scanBalance(tx.QueryRow(ctx, `
		UPDATE balances
		SET total_consumed = total_consumed + $2,
		    balance_tokens = total_purchased - (total_consumed + $2),
		    reserved_tokens = reserved_tokens - $3,
		    last_usage_at = NOW()
		WHERE tenant_id = $1
		RETURNING `+balanceColumns, tenantID, amount, hold))
	if err != nil {
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, r Reservation) (*Balance, error) {
	if r.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var out *Balance
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		b, err := lockBalance(ctx, tx, r.TenantID)
		if err != nil {
			return err
		}

		var settled bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM usage_events WHERE tenant_id = $1 AND request_id = $2)`,
			r.TenantID, r.RequestID).Scan(&settled)
		if err != nil {
			return fmt.Errorf("failed to check usage event: %w", err)
		}
		if settled {
			return ErrAlreadySettled
		}

		var held bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM reservations WHERE tenant_id = $1 AND request_id = $2)`,
			r.TenantID, r.RequestID).Scan(&held)
		if err != nil {
			return fmt.Errorf("failed to check reservation: %w", err)
		}
		if held {
			out = b
			return nil
		}
		if r.Amount > b.Available() {
			return ErrInsufficientFunds
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO reservations (tenant_id, request_id, amount) VALUES ($1, $2, $3)`,
			r.TenantID, r.RequestID, r.Amount); err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		out, err = scanBalance(tx.QueryRow(ctx, `
			UPDATE balances SET reserved_tokens = reserved_tokens + $2
			WHERE tenant_id = $1
			RETURNING `+balanceColumns, r.TenantID, r.Amount))
		if err != nil {
			return fmt.Errorf("failed to hold balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const eventColumns = `id, tenant_id, request_id, route, method, tokens_input, tokens_output,
	audio_seconds, ocr_pages, charged, shortfall, latency_ms, model, status_code, created_at`

func scanEvent(row pgx.Row) (*UsageEvent, error) {
	var e UsageEvent
	err := row.Scan(
		&e.ID, &e.TenantID, &e.RequestID, &e.Route, &e.Method,
		&e.Usage.TokensInput, &e.Usage.TokensOutput, &e.Usage.AudioSeconds, &e.Usage.OCRPages,
		&e.Charged, &e.Shortfall, &e.LatencyMs, &e.Model, &e.StatusCode, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) Settle(ctx context.Context, event *UsageEvent) (*Settlement, error) {
	if event.Charged < 0 {
		return nil, ErrInvalidAmount
	}

	var out *Settlement
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		b, err := lockBalance(ctx, tx, event.TenantID)
		if err != nil {
			return err
		}

		prior, err := scanEvent(tx.QueryRow(ctx,
			`SELECT `+eventColumns+` FROM usage_events WHERE tenant_id = $1 AND request_id = $2`,
			event.TenantID, event.RequestID))
		if err == nil {
			out = &Settlement{Event: prior, Balance: b, Replayed: true}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check usage event: %w", err)
		}

		var hold int64
		err = tx.QueryRow(ctx,
			`DELETE FROM reservations WHERE tenant_id = $1 AND request_id = $2 RETURNING amount`,
			event.TenantID, event.RequestID).Scan(&hold)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to release reservation: %w", err)
		}
		charged, shortfall := capCharge(event.Charged, b.Available()+hold)

		stored, err := scanEvent(tx.QueryRow(ctx, `
			INSERT INTO usage_events (tenant_id, request_id, route, method, tokens_input, tokens_output,
			                          audio_seconds, ocr_pages, charged, shortfall, latency_ms, model, status_code)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING `+eventColumns,
			event.TenantID, event.RequestID, event.Route, event.Method,
			event.Usage.TokensInput, event.Usage.TokensOutput, event.Usage.AudioSeconds, event.Usage.OCRPages,
			charged, shortfall, event.LatencyMs, event.Model, event.StatusCode))
		if err != nil {
			return fmt.Errorf("failed to insert usage event: %w", err)
		}

		bal, err := consume(ctx, tx, event.TenantID, stored.Charged, hold)
		if err != nil {
			return err
		}
		out = &Settlement{Event: stored, Balance: bal}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) StaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]Reservation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tenant_id, request_id, amount, created_at
		FROM reservations
		WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.TenantID, &r.RequestID, &r.Amount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reservations: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM usage_events
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var events []*UsageEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) UsageSummary(ctx context.Context, tenantID string, from, to time.Time) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(tokens_input), 0),
		       COALESCE(SUM(tokens_output), 0),
		       COALESCE(SUM(audio_seconds), 0),
		       COALESCE(SUM(ocr_pages), 0),
		       COALESCE(SUM(charged), 0)
		FROM usage_events
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`, tenantID, from, to).Scan(
		&sum.Requests, &sum.TokensInput, &sum.TokensOutput, &sum.AudioSeconds, &sum.OCRPages, &sum.Charged,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return &sum, nil
}

func (s *PostgresStore) ListCredits(ctx context.Context, tenantID string, limit int) ([]*Credit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, amount, reason, reference, created_at
		FROM credits
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	defer rows.Close()

	var credits []*Credit
	for rows.Next() {
		var c Credit
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Amount, &c.Reason, &c.Reference, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		credits = append(credits, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credits: %w", err)
	}
	return credits, nil
}
