package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/tenant-meter/internal/billing"
	"github.com/vnmchuo/tenant-meter/internal/telemetry"
	"github.com/vnmchuo/tenant-meter/internal/worker"
	"go.uber.org/zap"
)

const (
	sweepRoute     = "reservation-sweeper"
	sweepBatchSize = 500
)

// Sweeper settles reservations that were never settled by their caller. Each
// is settled with zero usage, which releases the hold without charging.
type Sweeper struct {
	store    billing.Store
	settler  *Settler
	grace    time.Duration
	interval time.Duration
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewSweeper(store billing.Store, settler *Settler, grace, interval time.Duration, log *zap.SugaredLogger) *Sweeper {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sweeper{
		store:    store,
		settler:  settler,
		grace:    grace,
		interval: interval,
		now:      time.Now,
		log:      log,
	}
}

func (s *Sweeper) Name() string {
	return sweepRoute
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Infow("reservation sweeper started", "grace", s.grace, "interval", s.interval)
	err := worker.Every(ctx, s.interval, s, s.log)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Sweeper) RunOnce(ctx context.Context) error {
	_, err := s.SweepOnce(ctx)
	return err
}

// SweepOnce settles up to one batch of reservations older than the grace
// period and returns how many were released.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.store.StaleReservations(ctx, s.now().Add(-s.grace), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale reservations: %w", err)
	}

	var errs []error
	swept := 0
	for _, r := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, err := s.settler.Settle(ctx, r.TenantID, r.RequestID, Outcome{
			Route:      sweepRoute,
			StatusCode: StatusClientClosed,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		swept++
		s.log.Infow("released abandoned reservation",
			"tenant_id", r.TenantID, "request_id", r.RequestID, "amount", r.Amount, "age", s.now().Sub(r.CreatedAt))
	}
	telemetry.SweptReservationsTotal.Add(float64(swept))
	return swept, errors.Join(errs...)
}
