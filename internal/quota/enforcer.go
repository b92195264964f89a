// Package quota decides whether a tenant may start a request and reserves its
// estimated cost against the tenant's balance.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vnmchuo/tenant-meter/internal/billing"
	"github.com/vnmchuo/tenant-meter/internal/telemetry"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrRateLimited    = errors.New("quota: rate limited")
	ErrQuotaExceeded  = errors.New("quota: quota exceeded")
	ErrInvalidRequest = errors.New("quota: invalid request")
)

type Reason string

const (
	ReasonRateLimited   Reason = "rate_limited"
	ReasonQuotaExceeded Reason = "quota_exceeded"
	ReasonUnauthorized  Reason = "unauthorized"
)

// Rejection is a machine-readable refusal. Retryable distinguishes a temporary
// condition (rate) from one that needs tenant action (quota).
type Rejection struct {
	Reason     Reason
	Retryable  bool
	RetryAfter time.Duration
	Detail     string
	err        error
}

func (r *Rejection) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("%s: %s", r.err, r.Detail)
	}
	return r.err.Error()
}

func (r *Rejection) Unwrap() error {
	return r.err
}

func rateLimited(retryAfter time.Duration, detail string) *Rejection {
	return &Rejection{Reason: ReasonRateLimited, Retryable: true, RetryAfter: retryAfter, Detail: detail, err: ErrRateLimited}
}

func quotaExceeded(detail string) *Rejection {
	return &Rejection{Reason: ReasonQuotaExceeded, Detail: detail, err: ErrQuotaExceeded}
}

// Classify maps err to a Rejection. It returns nil for errors that are not
// rejections, such as storage failures.
func Classify(err error) *Rejection {
	var rej *Rejection
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rej):
		return rej
	case errors.Is(err, tenant.ErrUnauthorized):
		return &Rejection{Reason: ReasonUnauthorized, err: err}
	case errors.Is(err, ErrRateLimited):
		return &Rejection{Reason: ReasonRateLimited, Retryable: true, RetryAfter: DefaultWindow, err: err}
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, billing.ErrInsufficientFunds):
		return &Rejection{Reason: ReasonQuotaExceeded, err: err}
	}
	return nil
}

// TokenThrottle caps billable tokens per minute. Implemented by pkg/ratelimit.
type TokenThrottle interface {
	AllowTokens(ctx context.Context, tenantID string, tokens int64) (bool, error)
}

// Admission is a granted request with its reserved estimate.
type Admission struct {
	RequestID string           `json:"request_id"`
	Estimate  int64            `json:"estimate"`
	Usage     billing.Usage    `json:"estimated_usage"`
	Balance   *billing.Balance `json:"balance"`
}

type Enforcer struct {
	store     billing.Store
	window    Window
	estimator *Estimator
	throttle  TokenThrottle
	tracer    trace.Tracer
	log       *zap.SugaredLogger
	now       func() time.Time
}

type Option func(*Enforcer)

func WithThrottle(t TokenThrottle) Option {
	return func(e *Enforcer) {
		e.throttle = t
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Enforcer) {
		e.tracer = t
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Enforcer) {
		e.log = log
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) {
		e.now = now
	}
}

func NewEnforcer(store billing.Store, window Window, estimator *Estimator, opts ...Option) *Enforcer {
	e := &Enforcer{
		store:     store,
		window:    window,
		estimator: estimator,
		tracer:    otel.Tracer("tenant-meter/quota"),
		log:       zap.NewNop().Sugar(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Enforcer) Estimator() *Estimator {
	return e.estimator
}

// Admit runs the rate check, the optional token throttle, the monthly ceilings
// and finally reserves the estimate. A request refused after the rate check
// keeps its rate slot.
func (e *Enforcer) Admit(ctx context.Context, t *tenant.Tenant, req Request) (*Admission, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx, span := e.tracer.Start(ctx, "quota.Admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", t.ID),
		attribute.String("request_id", req.RequestID),
		attribute.String("route", req.Route),
	)

	adm, err := e.admit(ctx, t, req)
	outcome := "admitted"
	if rej := Classify(err); rej != nil {
		outcome = string(rej.Reason)
		span.SetAttributes(attribute.String("rejection", outcome))
	} else if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	telemetry.AdmissionsTotal.WithLabelValues(outcome).Inc()
	return adm, err
}

func (e *Enforcer) admit(ctx context.Context, t *tenant.Tenant, req Request) (*Admission, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !t.IsActive() {
		return nil, tenant.ErrUnauthorized
	}

	dec, err := e.window.Allow(ctx, t.ID, t.RateLimitPerMinute)
	if err != nil {
		return nil, fmt.Errorf("rate window: %w", err)
	}
	if !dec.Allowed {
		return nil, rateLimited(dec.RetryAfter, fmt.Sprintf("%d requests per minute", t.RateLimitPerMinute))
	}

	usage := e.estimator.Usage(req)
	estimate := e.estimator.Estimate(req)

	if e.throttle != nil {
		ok, err := e.throttle.AllowTokens(ctx, t.ID, estimate)
		if err != nil {
			// Throttle errors fail open; the balance reservation still applies.
			e.log.Warnw("token throttle unavailable", "tenant_id", t.ID, "error", err)
		} else if !ok {
			return nil, rateLimited(DefaultWindow, "tokens per minute")
		}
	}

	if err := e.checkCeilings(ctx, t, usage); err != nil {
		return nil, err
	}

	bal, err := e.store.Reserve(ctx, billing.Reservation{
		TenantID:  t.ID,
		RequestID: req.RequestID,
		Amount:    estimate,
	})
	if err != nil {
		if errors.Is(err, billing.ErrInsufficientFunds) {
			return nil, quotaExceeded(fmt.Sprintf("estimated %d tokens exceeds available balance", estimate))
		}
		return nil, err
	}
	telemetry.ReservedTokensTotal.Add(float64(estimate))

	return &Admission{
		RequestID: req.RequestID,
		Estimate:  estimate,
		Usage:     usage,
		Balance:   bal,
	}, nil
}

func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// checkCeilings compares month-to-date usage plus the estimate against the
// tenant's monthly quotas. Zero quotas are unlimited.
func (e *Enforcer) checkCeilings(ctx context.Context, t *tenant.Tenant, est billing.Usage) error {
	q := t.Quotas
	if q.TokensPerMonth == 0 && q.AudioSecondsPerMonth == 0 && q.OCRPagesPerMonth == 0 {
		return nil
	}
	now := e.now()
	sum, err := e.store.UsageSummary(ctx, t.ID, monthStart(now), now)
	if err != nil {
		return fmt.Errorf("usage summary: %w", err)
	}

	if tokens := est.TokensInput + est.TokensOutput; q.TokensPerMonth > 0 && tokens > 0 {
		if sum.TokensInput+sum.TokensOutput+tokens > q.TokensPerMonth {
			return quotaExceeded(fmt.Sprintf("monthly token quota of %d reached", q.TokensPerMonth))
		}
	}
	if q.AudioSecondsPerMonth > 0 && est.AudioSeconds > 0 {
		if math.Ceil(sum.AudioSeconds+est.AudioSeconds) > float64(q.AudioSecondsPerMonth) {
			return quotaExceeded(fmt.Sprintf("monthly audio quota of %ds reached", q.AudioSecondsPerMonth))
		}
	}
	if q.OCRPagesPerMonth > 0 && est.OCRPages > 0 {
		if sum.OCRPages+est.OCRPages > q.OCRPagesPerMonth {
			return quotaExceeded(fmt.Sprintf("monthly OCR quota of %d pages reached", q.OCRPagesPerMonth))
		}
	}
	return nil
}
