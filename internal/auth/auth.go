// Package auth authenticates inbound requests by API key and carries the
// resolved tenant and request ID in the request context.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey       = "X-API-Key"
	HeaderRequestID    = "X-Request-ID"
	HeaderAdminToken   = "X-Admin-Token"
	HeaderServiceToken = "X-Service-Token"

	maxRequestIDLen = 128
)

// Resolver maps a plaintext key to an active tenant.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (*tenant.Tenant, error)
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	tenantKey    contextKey = "tenant"
	requestIDKey contextKey = "request_id"
)

// ExtractKey reads the key from X-API-Key, falling back to a Bearer token.
func ExtractKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// requestID honours a client-supplied X-Request-ID so retries of the same
// logical request settle idempotently.
func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderRequestID)); id != "" && len(id) <= maxRequestIDLen {
		return id
	}
	return uuid.New().String()
}

func writeUnauthorized(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     msg,
		"reason":    "unauthorized",
		"retryable": false,
	})
}

func NewMiddleware(resolver Resolver, log *zap.SugaredLogger) Middleware {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			reqID := requestID(r)
			ctx = WithRequestID(ctx, reqID)
			w.Header().Set(HeaderRequestID, reqID)

			key := ExtractKey(r)
			if key == "" {
				writeUnauthorized(w, http.StatusUnauthorized, "missing API key")
				return
			}

			t, err := resolver.Resolve(ctx, key)
			if err != nil {
				if errors.Is(err, tenant.ErrUnauthorized) {
					writeUnauthorized(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				log.Errorw("tenant lookup failed", "request_id", reqID, "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(ctx, t)))
		})
	}
}

// NewAdminMiddleware guards operator endpoints with a shared token. An empty
// token disables them.
func NewAdminMiddleware(token string) Middleware {
	return sharedToken(HeaderAdminToken, token, "admin token required")
}

// NewServiceMiddleware guards the metering endpoints that trusted callers use
// to report usage on a tenant's behalf. An empty token disables them.
func NewServiceMiddleware(token string) Middleware {
	return sharedToken(HeaderServiceToken, token, "service token required")
}

func sharedToken(header, token, msg string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeUnauthorized(w, http.StatusForbidden, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Helpers to extract from context
func GetTenant(ctx context.Context) *tenant.Tenant {
	if t, ok := ctx.Value(tenantKey).(*tenant.Tenant); ok {
		return t
	}
	return nil
}

func GetTenantID(ctx context.Context) string {
	if t := GetTenant(ctx); t != nil {
		return t.ID
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithTenant(ctx context.Context, t *tenant.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
