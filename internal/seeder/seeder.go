// Package seeder provisions a demo tenant for local development.
package seeder

import (
	"context"
	"errors"
	"fmt"

	"github.com/vnmchuo/tenant-meter/internal/metering"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
	"go.uber.org/zap"
)

const (
	TestAPIKey   = "tm_test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"

	DefaultOpeningBalance = 1_000_000
	openingReference      = "seed:" + TestTenantID
)

// SeedTestTenant creates the demo tenant, registers TestAPIKey for it and
// grants the opening balance. Running it again changes nothing.
func SeedTestTenant(ctx context.Context, dir *tenant.Directory, core *metering.Core, openingBalance int64, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	_, err := dir.Get(ctx, TestTenantID)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		t := &tenant.Tenant{
			ID:                 TestTenantID,
			Name:               "demo",
			Plan:               tenant.PlanPro,
			RateLimitPerMinute: 600,
		}
		if err := dir.Create(ctx, t); err != nil {
			return fmt.Errorf("seed tenant: %w", err)
		}
		if _, err := dir.ImportKey(ctx, t.ID, TestAPIKey); err != nil {
			return fmt.Errorf("seed api key: %w", err)
		}
		log.Infow("seeded test tenant", "tenant_id", t.ID)
	case err != nil:
		return fmt.Errorf("seed tenant: %w", err)
	default:
		log.Infow("test tenant already exists, skipping", "tenant_id", TestTenantID)
	}

	if openingBalance > 0 {
		bal, err := core.Credit(ctx, TestTenantID, openingBalance, "seed", openingReference)
		if err != nil {
			return fmt.Errorf("seed balance: %w", err)
		}
		log.Infow("seeded opening balance", "tenant_id", TestTenantID, "balance_tokens", bal.BalanceTokens)
	}
	return nil
}
