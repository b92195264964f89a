// Package settlement converts admitted requests into final usage events and debits.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/vnmchuo/tenant-meter/internal/billing"
	"github.com/vnmchuo/tenant-meter/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StatusClientClosed marks requests that were abandoned before completion.
const StatusClientClosed = 499

var ErrMissingRequestID = errors.New("settlement: request id is required")

// Outcome is what actually happened to an admitted request.
type Outcome struct {
	Route      string        `json:"route"`
	Method     string        `json:"method"`
	Usage      billing.Usage `json:"usage"`
	LatencyMs  int64         `json:"latency_ms"`
	Model      string        `json:"model,omitempty"`
	StatusCode int           `json:"status_code"`
}

// Failed reports whether the downstream work did not complete. Failed
// outcomes are recorded but never charged.
func (o Outcome) Failed() bool {
	return o.StatusCode == 0 || o.StatusCode >= 400
}

// EventSink receives each usage event exactly once, after it is committed.
type EventSink interface {
	Emit(ctx context.Context, event *billing.UsageEvent)
}

// MetricsSink feeds committed events into the Prometheus counters.
type MetricsSink struct{}

func (MetricsSink) Emit(_ context.Context, e *billing.UsageEvent) {
	telemetry.SettlementsTotal.WithLabelValues(statusClass(e.StatusCode)).Inc()
	if e.Charged > 0 {
		telemetry.ChargedTokensTotal.WithLabelValues(e.Route).Add(float64(e.Charged))
	}
	if e.Shortfall > 0 {
		telemetry.ShortfallTokensTotal.WithLabelValues(e.Route).Add(float64(e.Shortfall))
	}
}

func statusClass(code int) string {
	if code <= 0 {
		return "cancelled"
	}
	return strconv.Itoa(code/100) + "xx"
}

type Settler struct {
	store  billing.Store
	rates  billing.Rates
	sinks  []EventSink
	tracer trace.Tracer
	log    *zap.SugaredLogger
}

type Option func(*Settler)

func WithSink(sink EventSink) Option {
	return func(s *Settler) {
		s.sinks = append(s.sinks, sink)
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Settler) {
		s.tracer = t
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Settler) {
		s.log = log
	}
}

func NewSettler(store billing.Store, rates billing.Rates, opts ...Option) *Settler {
	s := &Settler{
		store:  store,
		rates:  rates,
		tracer: otel.Tracer("tenant-meter/settlement"),
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle records the outcome of requestID and debits its cost. Calling it again
// with the same request ID returns the first result with Replayed set. An
// ErrPersistence error means nothing was written and the call must be retried.
func (s *Settler) Settle(ctx context.Context, tenantID, requestID string, out Outcome) (*billing.Settlement, error) {
	if requestID == "" {
		return nil, ErrMissingRequestID
	}
	if err := out.Usage.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "settlement.Settle")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.Int("status_code", out.StatusCode),
	)

	var charged int64
	if !out.Failed() {
		charged = out.Usage.Cost(s.rates)
	}

	res, err := s.store.Settle(ctx, &billing.UsageEvent{
		TenantID:   tenantID,
		RequestID:  requestID,
		Route:      out.Route,
		Method:     out.Method,
		Usage:      out.Usage,
		Charged:    charged,
		LatencyMs:  out.LatencyMs,
		Model:      out.Model,
		StatusCode: out.StatusCode,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if billing.IsRetryable(err) {
			s.log.Errorw("settlement not persisted", "tenant_id", tenantID, "request_id", requestID, "error", err)
		}
		return nil, fmt.Errorf("settle %s: %w", requestID, err)
	}

	span.SetAttributes(attribute.Bool("replayed", res.Replayed), attribute.Int64("charged", res.Event.Charged))
	if res.Replayed {
		telemetry.ReplaysTotal.Inc()
		return res, nil
	}
	if res.Event.Shortfall > 0 {
		span.SetAttributes(attribute.Int64("shortfall", res.Event.Shortfall))
		s.log.Warnw("usage exceeds available balance", "tenant_id", tenantID, "request_id", requestID,
			"cost", charged, "charged", res.Event.Charged, "shortfall", res.Event.Shortfall)
	}
	for _, sink := range s.sinks {
		sink.Emit(ctx, res.Event)
	}
	return res, nil
}
