package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vnmchuo/tenant-meter/internal/auth"
	"github.com/vnmchuo/tenant-meter/internal/billing"
	"github.com/vnmchuo/tenant-meter/internal/metering"
	"github.com/vnmchuo/tenant-meter/internal/provider"
	"github.com/vnmchuo/tenant-meter/internal/quota"
	"github.com/vnmchuo/tenant-meter/internal/settlement"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	routeChat       = "chat"
	maxBodyBytes    = 1 << 20
	settleAttempts  = 3
	settleBackoff   = 50 * time.Millisecond
	defaultUsageAge = 30 * 24 * time.Hour
	creditListLimit = 50
)

type Handler struct {
	core      *metering.Core
	directory *tenant.Directory
	ledger    billing.Store
	router    *Router
	tracer    trace.Tracer
	log       *zap.SugaredLogger

	webhookSecret string
}

type HandlerOption func(*Handler)

func WithWebhookSecret(secret string) HandlerOption {
	return func(h *Handler) {
		h.webhookSecret = secret
	}
}

func WithLogger(log *zap.SugaredLogger) HandlerOption {
	return func(h *Handler) {
		h.log = log
	}
}

func NewHandler(core *metering.Core, directory *tenant.Directory, ledger billing.Store, router *Router, tracer trace.Tracer, opts ...HandlerOption) *Handler {
	h := &Handler{
		core:      core,
		directory: directory,
		ledger:    ledger,
		router:    router,
		tracer:    tracer,
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeFailure(w, http.StatusBadRequest, reasonInvalidRequest, "invalid request body", false)
		return false
	}
	return true
}

func requireTenant(w http.ResponseWriter, r *http.Request) *tenant.Tenant {
	t := auth.GetTenant(r.Context())
	if t == nil {
		writeFailure(w, http.StatusUnauthorized, string(quota.ReasonUnauthorized), "unauthorized", false)
	}
	return t
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

// HandleChatCompletions admits the request against the tenant's balance,
// forwards it upstream and settles the tokens the provider reports.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	t := requireTenant(w, r)
	if t == nil {
		return
	}
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeFailure(w, http.StatusBadRequest, reasonInvalidRequest, "messages must not be empty", false)
		return
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = quota.DefaultMaxOutputTokens
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.chat_completions")
	defer span.End()
	requestID := auth.GetRequestID(ctx)
	span.SetAttributes(
		attribute.String("tenant_id", t.ID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	p, err := h.router.Route(req.Model)
	if err != nil {
		if errors.Is(err, ErrUnknownModel) {
			writeFailure(w, http.StatusBadRequest, reasonInvalidRequest, err.Error(), false)
			return
		}
		writeFailure(w, http.StatusServiceUnavailable, reasonUnavailable, err.Error(), true)
		return
	}

	adm, err := h.core.Admit(ctx, t, quota.Request{
		RequestID:       requestID,
		Route:           routeChat,
		Model:           req.Model,
		Prompt:          provider.PromptText(req.Messages),
		Messages:        len(req.Messages),
		MaxOutputTokens: int64(req.MaxTokens),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(w, err)
		return
	}

	// Settlement must survive the client hanging up.
	settleCtx := context.WithoutCancel(ctx)
	start := time.Now()
	resp, err := h.router.Execute(ctx, p, req.Messages, provider.Params{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		status := http.StatusBadGateway
		var se *provider.StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 {
			status = se.StatusCode
		}
		if ctx.Err() != nil {
			status = settlement.StatusClientClosed
		}
		if _, serr := h.settle(settleCtx, t.ID, adm.RequestID, settlement.Outcome{
			Route:      routeChat,
			Method:     r.Method,
			LatencyMs:  time.Since(start).Milliseconds(),
			Model:      req.Model,
			StatusCode: status,
		}); serr != nil {
			h.log.Errorw("failed to release reservation", "tenant_id", t.ID, "request_id", adm.RequestID, "error", serr)
		}
		writeFailure(w, http.StatusBadGateway, reasonUpstream, err.Error(), true)
		return
	}

	settled, err := h.settle(settleCtx, t.ID, adm.RequestID, settlement.Outcome{
		Route:  routeChat,
		Method: r.Method,
		Usage: billing.Usage{
			TokensInput:  resp.InputTokens,
			TokensOutput: resp.OutputTokens,
		},
		LatencyMs:  resp.LatencyMs,
		Model:      resp.Model,
		StatusCode: http.StatusOK,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.log.Errorw("settlement failed", "tenant_id", t.ID, "request_id", adm.RequestID, "error", err)
		writeError(w, err)
		return
	}
	// This request was admitted here, so a replay means something else
	// settled it while the provider ran and the usage went unbilled.
	if settled.Replayed {
		span.SetStatus(codes.Error, "settled elsewhere")
		h.log.Errorw("request settled by another caller mid-flight", "tenant_id", t.ID, "request_id", adm.RequestID,
			"charged", settled.Event.Charged, "tokens_input", resp.InputTokens, "tokens_output", resp.OutputTokens)
		writeError(w, billing.ErrAlreadySettled)
		return
	}
	span.SetAttributes(attribute.Int64("charged", settled.Event.Charged))

	respID := resp.ID
	if respID == "" {
		respID = uuid.New().String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         respID,
		"object":     "chat.completion",
		"model":      resp.Model,
		"provider":   resp.Provider,
		"request_id": adm.RequestID,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int64{
			"prompt_tokens":     resp.InputTokens,
			"completion_tokens": resp.OutputTokens,
			"total_tokens":      resp.InputTokens + resp.OutputTokens,
			"charged":           settled.Event.Charged,
		},
		"balance": settled.Balance,
	})
}

// settle retries transient storage failures. Settlement is idempotent per
// request ID so a retry after a lost commit replays the first result.
func (h *Handler) settle(ctx context.Context, tenantID, requestID string, out settlement.Outcome) (*billing.Settlement, error) {
	var err error
	for attempt := 0; attempt < settleAttempts; attempt++ {
		var s *billing.Settlement
		s, err = h.core.Settle(ctx, tenantID, requestID, out)
		if err == nil || !billing.IsRetryable(err) {
			return s, err
		}
		time.Sleep(settleBackoff * time.Duration(attempt+1))
	}
	return nil, err
}

// HandleAdmit reserves the estimated cost of non-LLM work (audio, OCR,
// video) so the calling service can settle it later.
func (h *Handler) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	t := requireTenant(w, r)
	if t == nil {
		return
	}
	var req quota.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = auth.GetRequestID(r.Context())
	}
	adm, err := h.core.Admit(r.Context(), t, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adm)
}

type settleRequest struct {
	RequestID string `json:"request_id"`
	settlement.Outcome
}

func (h *Handler) HandleSettle(w http.ResponseWriter, r *http.Request) {
	t := requireTenant(w, r)
	if t == nil {
		return
	}
	var req settleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Method == "" {
		req.Method = r.Method
	}

	s, err := h.core.Settle(r.Context(), t.ID, req.RequestID, req.Outcome)
	if err != nil {
		if !billing.IsRetryable(err) {
			h.log.Warnw("settle rejected", "tenant_id", t.ID, "request_id", req.RequestID, "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	t := requireTenant(w, r)
	if t == nil {
		return
	}
	bal, err := h.core.GetBalance(r.Context(), t.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":        bal.TenantID,
		"balance_tokens":   bal.BalanceTokens,
		"reserved_tokens":  bal.ReservedTokens,
		"available_tokens": bal.Available(),
		"total_purchased":  bal.TotalPurchased,
		"total_consumed":   bal.TotalConsumed,
		"last_purchase_at": bal.LastPurchaseAt,
		"last_usage_at":    bal.LastUsageAt,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	t := requireTenant(w, r)
	if t == nil {
		return
	}
	ctx := r.Context()

	now := time.Now().UTC()
	from := now.Add(-defaultUsageAge)
	to := now
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		v := r.URL.Query().Get(p.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, reasonInvalidRequest, "invalid '"+p.name+"' date format (use RFC3339)", false)
			return
		}
		*p.dst = ts
	}
	if !from.Before(to) {
		writeFailure(w, http.StatusBadRequest, reasonInvalidRequest, "'from' must be before 'to'", false)
		return
	}

	events, err := h.ledger.ListUsage(ctx, t.ID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.ledger.UsageSummary(ctx, t.ID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	credits, err := h.ledger.ListCredits(ctx, t.ID, creditListLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": t.ID,
		"from":      from,
		"to":        to,
		"summary":   summary,
		"events":    events,
		"credits":   credits,
	})
}
