package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/tenant-meter/internal/billing"
)

var rates = billing.Rates{AudioSecondTokens: 25, OCRPageTokens: 1000}

type countingSink struct {
	mu     sync.Mutex
	events []*billing.UsageEvent
}

func (c *countingSink) Emit(_ context.Context, e *billing.UsageEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// mockStore overrides Settle on top of a working memory store.
type mockStore struct {
	*billing.MemoryStore
	settleFn func(ctx context.Context, e *billing.UsageEvent) (*billing.Settlement, error)
}

func (m *mockStore) Settle(ctx context.Context, e *billing.UsageEvent) (*billing.Settlement, error) {
	if m.settleFn != nil {
		return m.settleFn(ctx, e)
	}
	return m.MemoryStore.Settle(ctx, e)
}

func fundedStore(t *testing.T, amount int64) *billing.MemoryStore {
	t.Helper()
	s := billing.NewMemoryStore()
	_, _, err := s.Credit(context.Background(), "t1", amount, "seed", "")
	require.NoError(t, err)
	return s
}

func TestSettle_DebitsActualUsage(t *testing.T) {
	store := fundedStore(t, 100)
	sink := &countingSink{}
	s := NewSettler(store, rates, WithSink(sink))

	res, err := s.Settle(context.Background(), "t1", "r1", Outcome{
		Route: "/v1/chat/completions", Method: "POST", StatusCode: 200,
		Usage: billing.Usage{TokensInput: 10, TokensOutput: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Event.Charged)
	assert.Equal(t, int64(70), res.Balance.BalanceTokens)
	assert.Equal(t, 1, sink.count())
}

func TestSettle_ReplayIsNotDoubleCounted(t *testing.T) {
	store := fundedStore(t, 100)
	sink := &countingSink{}
	s := NewSettler(store, rates, WithSink(sink))
	ctx := context.Background()
	out := Outcome{StatusCode: 200, Usage: billing.Usage{TokensInput: 30}}

	first, err := s.Settle(ctx, "t1", "r1", out)
	require.NoError(t, err)

	second, err := s.Settle(ctx, "t1", "r1", out)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Equal(t, int64(70), second.Balance.BalanceTokens)
	assert.Equal(t, 1, sink.count())

	events, _ := store.ListUsage(ctx, "t1", time.Time{}, time.Now().Add(time.Hour))
	assert.Len(t, events, 1)
}

func TestSettle_ConcurrentDuplicatesEmitOnce(t *testing.T) {
	store := fundedStore(t, 1000)
	sink := &countingSink{}
	s := NewSettler(store, rates, WithSink(sink))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Settle(context.Background(), "t1", "dup", Outcome{StatusCode: 200, Usage: billing.Usage{TokensOutput: 5}})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sink.count())
	b, _ := store.GetBalance(context.Background(), "t1")
	assert.Equal(t, int64(995), b.BalanceTokens)
}

func TestSettle_FailedRequestChargedZero(t *testing.T) {
	for _, code := range []int{0, 400, 502} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			store := fundedStore(t, 100)
			s := NewSettler(store, rates)

			res, err := s.Settle(context.Background(), "t1", "r1", Outcome{
				StatusCode: code,
				Usage:      billing.Usage{TokensInput: 40},
			})
			require.NoError(t, err)
			assert.Equal(t, int64(0), res.Event.Charged)
			assert.Equal(t, int64(40), res.Event.Usage.TokensInput)
			assert.Equal(t, int64(100), res.Balance.BalanceTokens)
		})
	}
}

func TestSettle_ReleasesReservation(t *testing.T) {
	store := fundedStore(t, 100)
	ctx := context.Background()
	_, err := store.Reserve(ctx, billing.Reservation{TenantID: "t1", RequestID: "r1", Amount: 90})
	require.NoError(t, err)

	res, err := NewSettler(store, rates).Settle(ctx, "t1", "r1", Outcome{StatusCode: 200, Usage: billing.Usage{TokensOutput: 25}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance.ReservedTokens)
	assert.Equal(t, int64(75), res.Balance.BalanceTokens)
}

func TestSettle_PersistenceFailureIsRetryable(t *testing.T) {
	sink := &countingSink{}
	store := &mockStore{
		MemoryStore: fundedStore(t, 100),
		settleFn: func(context.Context, *billing.UsageEvent) (*billing.Settlement, error) {
			return nil, fmt.Errorf("%w: connection reset", billing.ErrPersistence)
		},
	}
	s := NewSettler(store, rates, WithSink(sink))

	_, err := s.Settle(context.Background(), "t1", "r1", Outcome{StatusCode: 200, Usage: billing.Usage{TokensInput: 10}})
	require.Error(t, err)
	assert.True(t, billing.IsRetryable(err))
	assert.Equal(t, 0, sink.count())

	// once storage recovers the same request ID settles normally
	store.settleFn = nil
	res, err := s.Settle(context.Background(), "t1", "r1", Outcome{StatusCode: 200, Usage: billing.Usage{TokensInput: 10}})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, sink.count())
}

func TestSettle_Validation(t *testing.T) {
	s := NewSettler(billing.NewMemoryStore(), rates)

	_, err := s.Settle(context.Background(), "t1", "", Outcome{StatusCode: 200})
	assert.ErrorIs(t, err, ErrMissingRequestID)

	_, err = s.Settle(context.Background(), "t1", "r1", Outcome{StatusCode: 200, Usage: billing.Usage{TokensInput: -1}})
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)
}

func TestSettle_UsageAboveHoldRecordsShortfall(t *testing.T) {
	store := fundedStore(t, 100)
	ctx := context.Background()
	_, err := store.Reserve(ctx, billing.Reservation{TenantID: "t1", RequestID: "r1", Amount: 60})
	require.NoError(t, err)

	sink := &countingSink{}
	res, err := NewSettler(store, rates, WithSink(sink)).Settle(ctx, "t1", "r1", Outcome{
		StatusCode: 200,
		Usage:      billing.Usage{TokensInput: 50, TokensOutput: 70},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Event.Charged)
	assert.Equal(t, int64(20), res.Event.Shortfall)
	assert.Equal(t, int64(70), res.Event.Usage.TokensOutput)
	assert.Equal(t, int64(0), res.Balance.BalanceTokens)
	assert.Equal(t, 1, sink.count())

	// the sweeper must not find it later and overwrite the usage with a 499
	stale, err := store.StaleReservations(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestSweeper_ReleasesStaleReservations(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := billing.NewMemoryStore(billing.WithClock(clock))
	ctx := context.Background()
	_, _, err := store.Credit(ctx, "t1", 100, "seed", "")
	require.NoError(t, err)

	_, err = store.Reserve(ctx, billing.Reservation{TenantID: "t1", RequestID: "abandoned", Amount: 60})
	require.NoError(t, err)
	now = now.Add(20 * time.Minute)
	_, err = store.Reserve(ctx, billing.Reservation{TenantID: "t1", RequestID: "fresh", Amount: 30})
	require.NoError(t, err)

	sweeper := NewSweeper(store, NewSettler(store, rates), 15*time.Minute, time.Minute, nil)
	sweeper.now = clock

	swept, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	b, _ := store.GetBalance(ctx, "t1")
	assert.Equal(t, int64(100), b.BalanceTokens)
	assert.Equal(t, int64(30), b.ReservedTokens)

	events, _ := store.ListUsage(ctx, "t1", time.Time{}, now.Add(time.Hour))
	require.Len(t, events, 1)
	assert.Equal(t, "abandoned", events[0].RequestID)
	assert.Equal(t, StatusClientClosed, events[0].StatusCode)
	assert.Equal(t, int64(0), events[0].Charged)

	// a late settle from the original caller is a replay
	res, err := NewSettler(store, rates).Settle(ctx, "t1", "abandoned", Outcome{StatusCode: 200, Usage: billing.Usage{TokensInput: 10}})
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	swept, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestSweeper_ContinuesPastFailures(t *testing.T) {
	base := fundedStore(t, 100)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := base.Reserve(ctx, billing.Reservation{TenantID: "t1", RequestID: id, Amount: 10})
		require.NoError(t, err)
	}
	store := &mockStore{MemoryStore: base, settleFn: func(ctx context.Context, e *billing.UsageEvent) (*billing.Settlement, error) {
		if e.RequestID == "a" {
			return nil, errors.New("boom")
		}
		return base.Settle(ctx, e)
	}}

	sweeper := NewSweeper(store, NewSettler(store, rates), 0, time.Minute, nil)
	sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }

	swept, err := sweeper.SweepOnce(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, swept)
}
