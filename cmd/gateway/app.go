package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/tenant-meter/config"
	"github.com/vnmchuo/tenant-meter/internal/billing"
	"github.com/vnmchuo/tenant-meter/internal/metering"
	"github.com/vnmchuo/tenant-meter/internal/quota"
	"github.com/vnmchuo/tenant-meter/internal/settlement"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
	"github.com/vnmchuo/tenant-meter/pkg/logger"
	"github.com/vnmchuo/tenant-meter/pkg/ratelimit"
)

const windowShards = 64

// app holds the wired metering components shared by every command.
type app struct {
	cfg *config.Config
	log *zap.SugaredLogger

	pool *pgxpool.Pool
	rdb  *redis.Client

	tenants   tenant.Store
	directory *tenant.Directory
	ledger    billing.Store
	window    quota.Window
	settler   *settlement.Settler
	sweeper   *settlement.Sweeper
	core      *metering.Core
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logger.Named("app")}

	if cfg.MemoryMode {
		a.log.Warn("memory mode: balances and usage are not persisted")
		a.tenants = tenant.NewMemoryStore()
		a.ledger = billing.NewMemoryStore()
	} else {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		a.pool = pool
		if err := pool.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		a.log.Info("PostgreSQL connected")

		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		a.log.Info("Redis connected")

		a.tenants = tenant.NewPostgresStore(pool)
		a.ledger = billing.NewPostgresStore(pool)
	}

	dirOpts := []tenant.DirectoryOption{
		tenant.WithLogger(logger.Named("tenant")),
		tenant.WithDefaultRateLimit(cfg.DefaultRateLimitPerMinute),
	}
	if a.rdb != nil {
		dirOpts = append(dirOpts, tenant.WithCache(a.rdb, cfg.AuthCacheTTL))
	}
	a.directory = tenant.NewDirectory(a.tenants, dirOpts...)

	if cfg.RateWindowBackend == "redis" {
		a.window = quota.NewRedisWindow(a.rdb, quota.DefaultWindow)
	} else {
		a.window = quota.NewLocalWindow(quota.DefaultWindow, windowShards)
	}

	rates := billing.Rates{AudioSecondTokens: cfg.AudioSecondTokens, OCRPageTokens: cfg.OCRPageTokens}
	tracer := otel.Tracer(appName)

	enforcerOpts := []quota.Option{
		quota.WithTracer(tracer),
		quota.WithLogger(logger.Named("quota")),
	}
	if a.rdb != nil && cfg.DefaultRateLimitTPM > 0 {
		enforcerOpts = append(enforcerOpts, quota.WithThrottle(ratelimit.NewTokenThrottle(a.rdb, cfg.DefaultRateLimitTPM)))
	}
	enforcer := quota.NewEnforcer(a.ledger, a.window, quota.NewEstimator(rates), enforcerOpts...)

	a.settler = settlement.NewSettler(a.ledger, rates,
		settlement.WithSink(settlement.MetricsSink{}),
		settlement.WithTracer(tracer),
		settlement.WithLogger(logger.Named("settlement")),
	)
	a.sweeper = settlement.NewSweeper(a.ledger, a.settler, cfg.ReservationGrace, cfg.SweepInterval, logger.Named("sweeper"))
	a.core = metering.NewCore(a.directory, enforcer, a.settler, a.ledger)
	return a, nil
}

// migrate applies both embedded schemas. It is a no-op in memory mode.
func (a *app) migrate(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := tenant.NewPostgresStore(a.pool).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate tenants: %w", err)
	}
	if err := billing.NewPostgresStore(a.pool).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate billing: %w", err)
	}
	return nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
