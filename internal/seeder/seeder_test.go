package seeder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/tenant-meter/internal/billing"
	"github.com/vnmchuo/tenant-meter/internal/metering"
	"github.com/vnmchuo/tenant-meter/internal/quota"
	"github.com/vnmchuo/tenant-meter/internal/settlement"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
)

func TestSeedTestTenant_Idempotent(t *testing.T) {
	ctx := context.Background()
	dir := tenant.NewDirectory(tenant.NewMemoryStore())
	ledger := billing.NewMemoryStore()
	core := metering.NewCore(dir,
		quota.NewEnforcer(ledger, quota.NewLocalWindow(time.Minute, 1), quota.NewEstimator(billing.Rates{})),
		settlement.NewSettler(ledger, billing.Rates{}),
		ledger)

	for i := 0; i < 2; i++ {
		require.NoError(t, SeedTestTenant(ctx, dir, core, 5000, nil))
	}

	tn, err := core.Resolve(ctx, TestAPIKey)
	require.NoError(t, err)
	assert.Equal(t, TestTenantID, tn.ID)

	bal, err := core.GetBalance(ctx, TestTenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bal.BalanceTokens)
}
