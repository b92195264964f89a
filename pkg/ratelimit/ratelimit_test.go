package ratelimit

import (
	"context"
	"errors"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
)

type mockLimiterStore struct {
	allowed bool
	err     error
	lastKey string
	lastN   int
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.lastKey, m.lastN = key, n
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	m.lastKey = key
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestAllowTokens(t *testing.T) {
	store := &mockLimiterStore{allowed: true}
	th := NewWithStore(store)

	ok, err := th.AllowTokens(context.Background(), "t1", 250)
	if err != nil || !ok {
		t.Fatalf("expected allowed, got %v %v", ok, err)
	}
	if store.lastKey != "tpm:tenant:t1" || store.lastN != 250 {
		t.Errorf("unexpected call: key=%q n=%d", store.lastKey, store.lastN)
	}
}

func TestAllowTokens_Rejected(t *testing.T) {
	th := NewWithStore(&mockLimiterStore{allowed: false})

	ok, err := th.AllowTokens(context.Background(), "t1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected rejection")
	}
}

func TestAllowTokens_ZeroSkipsStore(t *testing.T) {
	store := &mockLimiterStore{err: errors.New("unreachable")}
	th := NewWithStore(store)

	ok, err := th.AllowTokens(context.Background(), "t1", 0)
	if err != nil || !ok {
		t.Fatalf("expected allowed without store call, got %v %v", ok, err)
	}
	if store.lastKey != "" {
		t.Error("store should not be called")
	}
}

func TestAllowTokens_StoreError(t *testing.T) {
	th := NewWithStore(&mockLimiterStore{err: errors.New("redis down")})

	if _, err := th.AllowTokens(context.Background(), "t1", 5); err == nil {
		t.Fatal("expected error")
	}
}
