// Package billing holds per-tenant token balances and the append-only usage ledger.
//
// Every mutation of a balance goes through Credit, Debit, Reserve or Settle;
// implementations serialize them per tenant and keep
// BalanceTokens == TotalPurchased - TotalConsumed with BalanceTokens >= 0.
package billing

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	// ErrInsufficientFunds is returned when a debit would take the available balance below zero.
	ErrInsufficientFunds = errors.New("billing: insufficient funds")
	// ErrPersistence wraps storage failures during a write. The caller must retry.
	ErrPersistence   = errors.New("billing: persistence failure")
	ErrInvalidAmount = errors.New("billing: amount must be positive")
	// ErrAlreadySettled is returned when reserving for a request that already has a usage event.
	ErrAlreadySettled = errors.New("billing: request already settled")
)

// Usage is the resource consumption of one request.
type Usage struct {
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	AudioSeconds float64 `json:"audio_seconds"`
	OCRPages     int64   `json:"ocr_pages"`
}

func (u Usage) Validate() error {
	if u.TokensInput < 0 || u.TokensOutput < 0 || u.AudioSeconds < 0 || u.OCRPages < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Rates convert non-token resources into billable tokens.
type Rates struct {
	AudioSecondTokens int64
	OCRPageTokens     int64
}

// Cost is the number of balance tokens the usage is charged. Audio rounds up.
func (u Usage) Cost(r Rates) int64 {
	audio := int64(math.Ceil(u.AudioSeconds * float64(r.AudioSecondTokens)))
	return u.TokensInput + u.TokensOutput + audio + u.OCRPages*r.OCRPageTokens
}

// UsageEvent is immutable once written. (TenantID, RequestID) is unique.
type UsageEvent struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	RequestID  string    `json:"request_id"`
	Route      string    `json:"route"`
	Method     string    `json:"method"`
	Usage      Usage     `json:"usage"`
	Charged    int64     `json:"charged"`
	// Shortfall is the part of the usage cost the balance could not cover.
	Shortfall  int64     `json:"shortfall,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	Model      string    `json:"model"`
	StatusCode int       `json:"status_code"`
	CreatedAt  time.Time `json:"created_at"`
}

type Balance struct {
	TenantID       string     `json:"tenant_id"`
	BalanceTokens  int64      `json:"balance_tokens"`
	ReservedTokens int64      `json:"reserved_tokens"`
	TotalPurchased int64      `json:"total_purchased"`
	TotalConsumed  int64      `json:"total_consumed"`
	LastPurchaseAt *time.Time `json:"last_purchase_at,omitempty"`
	LastUsageAt    *time.Time `json:"last_usage_at,omitempty"`
}

// Available is the balance not held by open reservations.
func (b *Balance) Available() int64 {
	return b.BalanceTokens - b.ReservedTokens
}

type Credit struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Reservation holds an estimated amount for an admitted request until it is settled.
type Reservation struct {
	TenantID  string    `json:"tenant_id"`
	RequestID string    `json:"request_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type Settlement struct {
	Event   *UsageEvent `json:"event"`
	Balance *Balance    `json:"balance"`
	// Replayed is set when the request had already been settled; nothing was written.
	Replayed bool `json:"replayed"`
}

type Summary struct {
	Requests     int64   `json:"requests"`
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	AudioSeconds float64 `json:"audio_seconds"`
	OCRPages     int64   `json:"ocr_pages"`
	Charged      int64   `json:"charged"`
}

type Store interface {
	GetBalance(ctx context.Context, tenantID string) (*Balance, error)
	// Credit adds purchased tokens. A repeated non-empty reference is a no-op
	// and reports applied=false.
	Credit(ctx context.Context, tenantID string, amount int64, reason, reference string) (*Balance, bool, error)
	Debit(ctx context.Context, tenantID string, amount int64) (*Balance, error)
	Reserve(ctx context.Context, r Reservation) (*Balance, error)
	// Settle records event with its full usage. Charged is capped at what the
	// tenant can cover including its hold; the rest is stored as Shortfall.
	Settle(ctx context.Context, event *UsageEvent) (*Settlement, error)
	StaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]Reservation, error)

	ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageEvent, error)
	UsageSummary(ctx context.Context, tenantID string, from, to time.Time) (*Summary, error)
	ListCredits(ctx context.Context, tenantID string, limit int) ([]*Credit, error)
}

// capCharge splits cost into what covered tokens can pay and the remainder.
func capCharge(cost, covered int64) (charged, shortfall int64) {
	covered = max(covered, 0)
	if cost <= covered {
		return cost, 0
	}
	return covered, cost - covered
}

// IsRetryable reports whether the operation may succeed if repeated with the same request ID.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}
