package metering

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/tenant-meter/internal/billing"
	"github.com/vnmchuo/tenant-meter/internal/quota"
	"github.com/vnmchuo/tenant-meter/internal/settlement"
	"github.com/vnmchuo/tenant-meter/internal/telemetry"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
)

type fixture struct {
	core   *Core
	dir    *tenant.Directory
	ledger *billing.MemoryStore
	tenant *tenant.Tenant
	apiKey string
	keyID  string
}

func newFixture(t *testing.T, rpm int) *fixture {
	t.Helper()
	ctx := context.Background()
	rates := billing.Rates{AudioSecondTokens: 25, OCRPageTokens: 1000}

	dir := tenant.NewDirectory(tenant.NewMemoryStore())
	ledger := billing.NewMemoryStore()
	enforcer := quota.NewEnforcer(ledger, quota.NewLocalWindow(time.Minute, 8), quota.NewEstimator(rates))
	settler := settlement.NewSettler(ledger, rates)

	tn := &tenant.Tenant{Name: "acme", RateLimitPerMinute: rpm}
	require.NoError(t, dir.Create(ctx, tn))
	plaintext, key, err := dir.IssueKey(ctx, tn.ID)
	require.NoError(t, err)

	return &fixture{
		core:   NewCore(dir, enforcer, settler, ledger),
		dir:    dir,
		ledger: ledger,
		tenant: tn,
		apiKey: plaintext,
		keyID:  key.ID,
	}
}

func TestCore_AdmitSettleFlow(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.core.Credit(ctx, f.tenant.ID, 100, "purchase", "")
	require.NoError(t, err)

	tn, err := f.core.Resolve(ctx, f.apiKey)
	require.NoError(t, err)

	adm, err := f.core.Admit(ctx, tn, quota.Request{RequestID: "req-1", MaxOutputTokens: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(50), adm.Balance.ReservedTokens)

	res, err := f.core.Settle(ctx, tn.ID, adm.RequestID, settlement.Outcome{
		StatusCode: 200,
		Usage:      billing.Usage{TokensInput: 10, TokensOutput: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Balance.BalanceTokens)
	assert.Equal(t, int64(0), res.Balance.ReservedTokens)

	replay, err := f.core.Settle(ctx, tn.ID, adm.RequestID, settlement.Outcome{StatusCode: 200, Usage: billing.Usage{TokensInput: 99}})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	bal, err := f.core.GetBalance(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal.BalanceTokens)
	assert.Equal(t, bal.TotalPurchased-bal.TotalConsumed, bal.BalanceTokens)

	events, err := f.ledger.ListUsage(ctx, tn.ID, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCore_RevokedKeyIsUnauthorized(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	require.NoError(t, f.dir.RevokeKey(ctx, f.keyID))
	_, err := f.core.Resolve(ctx, f.apiKey)
	assert.ErrorIs(t, err, tenant.ErrUnauthorized)
}

func TestCore_QuotaExceededLeavesBalance(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	_, err := f.core.Credit(ctx, f.tenant.ID, 100, "purchase", "")
	require.NoError(t, err)

	_, err = f.core.Admit(ctx, f.tenant, quota.Request{MaxOutputTokens: 150})
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)

	bal, _ := f.core.GetBalance(ctx, f.tenant.ID)
	assert.Equal(t, int64(100), bal.BalanceTokens)
}

func TestCore_DebitFailsClosed(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	_, err := f.core.Credit(ctx, f.tenant.ID, 100, "purchase", "")
	require.NoError(t, err)

	bal, err := f.core.Debit(ctx, f.tenant.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal.BalanceTokens)

	_, err = f.core.Debit(ctx, f.tenant.ID, 71)
	assert.ErrorIs(t, err, billing.ErrInsufficientFunds)
}

func TestCore_CreditUnknownTenant(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.core.Credit(context.Background(), "missing", 10, "purchase", "")
	assert.ErrorIs(t, err, tenant.ErrNotFound)
}

func TestCore_RedeliveredCreditNotCounted(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	credited := telemetry.CreditedTokensTotal.WithLabelValues("redelivery_test")
	before := testutil.ToFloat64(credited)

	for i := 0; i < 3; i++ {
		bal, err := f.core.Credit(ctx, f.tenant.ID, 500, "redelivery_test", "evt_redelivered")
		require.NoError(t, err)
		assert.Equal(t, int64(500), bal.BalanceTokens)
	}
	assert.Equal(t, float64(500), testutil.ToFloat64(credited)-before)
}

func TestCore_RateLimitAcrossAdmits(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	_, err := f.core.Credit(ctx, f.tenant.ID, 1000, "purchase", "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.core.Admit(ctx, f.tenant, quota.Request{MaxOutputTokens: 1})
		require.NoError(t, err)
	}
	_, err = f.core.Admit(ctx, f.tenant, quota.Request{MaxOutputTokens: 1})
	assert.ErrorIs(t, err, quota.ErrRateLimited)
}
