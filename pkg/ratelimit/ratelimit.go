// Package ratelimit throttles billable tokens per tenant per minute.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// TokenThrottle is shared across instances through Redis.
type TokenThrottle struct {
	store extratelimit.Limiter
}

func NewTokenThrottle(rdb *redis.Client, tokensPerMinute int64) *TokenThrottle {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &TokenThrottle{store: store}
}

// NewWithStore wraps an existing limiter, mostly for tests.
func NewWithStore(store extratelimit.Limiter) *TokenThrottle {
	return &TokenThrottle{store: store}
}

func key(tenantID string) string {
	return fmt.Sprintf("tpm:tenant:%s", tenantID)
}

// AllowTokens reports whether the tenant may spend tokens more this minute.
func (t *TokenThrottle) AllowTokens(ctx context.Context, tenantID string, tokens int64) (bool, error) {
	if tokens <= 0 {
		return true, nil
	}
	res, err := t.store.AllowN(ctx, key(tenantID), int(tokens))
	if err != nil {
		return false, fmt.Errorf("token throttle: %w", err)
	}
	return res.Allowed, nil
}

func (t *TokenThrottle) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	return t.store.Status(ctx, key(tenantID))
}
