package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vnmchuo/tenant-meter/internal/auth"
	"github.com/vnmchuo/tenant-meter/internal/telemetry"
)

// metrics records request counts and latency by route pattern, not raw path,
// to keep label cardinality bounded.
func metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		telemetry.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Routes mounts every endpoint. Tenant routes sit behind authn, operator
// routes behind the admin token. Metering routes need the service token and
// the forwarded tenant key, so a tenant cannot report its own usage.
func Routes(h *Handler, authn, service, admin auth.Middleware) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "tenant-meter"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhooks/stripe", h.HandleStripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/v1/chat/completions", h.HandleChatCompletions)
		r.Get("/v1/balance", h.HandleBalance)
		r.Get("/v1/usage", h.HandleUsage)
	})

	r.Group(func(r chi.Router) {
		r.Use(service, authn)
		r.Post("/v1/metering/admit", h.HandleAdmit)
		r.Post("/v1/metering/settle", h.HandleSettle)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(admin)
		r.Post("/tenants", h.HandleCreateTenant)
		r.Get("/tenants/{id}", h.HandleGetTenant)
		r.Post("/tenants/{id}/keys", h.HandleIssueKey)
		r.Post("/tenants/{id}/credits", h.HandleCredit)
		r.Post("/tenants/{id}/debits", h.HandleDebit)
		r.Post("/tenants/{id}/suspend", h.HandleSuspend)
		r.Post("/tenants/{id}/activate", h.HandleActivate)
		r.Delete("/keys/{keyID}", h.HandleRevokeKey)
	})

	return r
}
