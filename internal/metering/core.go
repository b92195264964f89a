// Package metering wires tenant resolution, admission, settlement and the
// balance store behind one entry point.
package metering

import (
	"context"
	"fmt"

	"github.com/vnmchuo/tenant-meter/internal/billing"
	"github.com/vnmchuo/tenant-meter/internal/quota"
	"github.com/vnmchuo/tenant-meter/internal/settlement"
	"github.com/vnmchuo/tenant-meter/internal/telemetry"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
)

type Core struct {
	directory *tenant.Directory
	enforcer  *quota.Enforcer
	settler   *settlement.Settler
	balances  billing.Store
}

func NewCore(directory *tenant.Directory, enforcer *quota.Enforcer, settler *settlement.Settler, balances billing.Store) *Core {
	return &Core{
		directory: directory,
		enforcer:  enforcer,
		settler:   settler,
		balances:  balances,
	}
}

// Resolve maps a plaintext API key to an active tenant.
func (c *Core) Resolve(ctx context.Context, apiKey string) (*tenant.Tenant, error) {
	return c.directory.Resolve(ctx, apiKey)
}

// Admit checks rate and quota for t and reserves the request's estimated cost.
func (c *Core) Admit(ctx context.Context, t *tenant.Tenant, req quota.Request) (*quota.Admission, error) {
	return c.enforcer.Admit(ctx, t, req)
}

// Settle finalizes requestID. Repeated calls return the first result.
func (c *Core) Settle(ctx context.Context, tenantID, requestID string, out settlement.Outcome) (*billing.Settlement, error) {
	return c.settler.Settle(ctx, tenantID, requestID, out)
}

func (c *Core) GetBalance(ctx context.Context, tenantID string) (*billing.Balance, error) {
	return c.balances.GetBalance(ctx, tenantID)
}

// Credit adds purchased or refunded tokens. A non-empty reference makes the
// credit idempotent; a repeat returns the current balance and is not counted.
func (c *Core) Credit(ctx context.Context, tenantID string, amount int64, reason, reference string) (*billing.Balance, error) {
	if _, err := c.directory.Get(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("credit: %w", err)
	}
	bal, applied, err := c.balances.Credit(ctx, tenantID, amount, reason, reference)
	if err != nil {
		return nil, err
	}
	if applied {
		telemetry.CreditedTokensTotal.WithLabelValues(reason).Add(float64(amount))
	}
	return bal, nil
}

// Debit removes tokens outside the admit/settle flow. It never takes the
// balance below zero.
func (c *Core) Debit(ctx context.Context, tenantID string, amount int64) (*billing.Balance, error) {
	return c.balances.Debit(ctx, tenantID, amount)
}
