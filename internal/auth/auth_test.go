package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/tenant-meter/internal/tenant"
)

type mockResolver struct {
	resolveFunc func(ctx context.Context, apiKey string) (*tenant.Tenant, error)
}

func (m *mockResolver) Resolve(ctx context.Context, apiKey string) (*tenant.Tenant, error) {
	return m.resolveFunc(ctx, apiKey)
}

func resolverFor(valid string) *mockResolver {
	return &mockResolver{resolveFunc: func(_ context.Context, key string) (*tenant.Tenant, error) {
		if key == valid {
			return &tenant.Tenant{ID: "tenant-1", Status: tenant.StatusActive}, nil
		}
		return nil, tenant.ErrUnauthorized
	}}
}

func captureHandler(gotTenant *string, gotRequestID *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotTenant = GetTenantID(r.Context())
		*gotRequestID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_KeySources(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
	}{
		{"x-api-key", HeaderAPIKey, "tm_good"},
		{"bearer", "Authorization", "Bearer tm_good"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tenantID, reqID string
			h := NewMiddleware(resolverFor("tm_good"), nil)(captureHandler(&tenantID, &reqID))

			req := httptest.NewRequest("GET", "/v1/balance", nil)
			req.Header.Set(tt.header, tt.value)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}
			if tenantID != "tenant-1" {
				t.Errorf("Expected tenant-1 in context, got %q", tenantID)
			}
			if reqID == "" || w.Header().Get(HeaderRequestID) != reqID {
				t.Errorf("Expected generated request id echoed in header")
			}
		})
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	for _, key := range []string{"", "tm_bad"} {
		var tenantID, reqID string
		h := NewMiddleware(resolverFor("tm_good"), nil)(captureHandler(&tenantID, &reqID))

		req := httptest.NewRequest("GET", "/v1/balance", nil)
		if key != "" {
			req.Header.Set(HeaderAPIKey, key)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("key %q: expected 401, got %d", key, w.Code)
		}
		if !strings.Contains(w.Body.String(), `"reason":"unauthorized"`) {
			t.Errorf("key %q: expected machine-readable reason, got %s", key, w.Body.String())
		}
		if tenantID != "" {
			t.Errorf("handler should not run")
		}
	}
}

func TestMiddleware_StoreErrorIs500(t *testing.T) {
	resolver := &mockResolver{resolveFunc: func(context.Context, string) (*tenant.Tenant, error) {
		return nil, errors.New("db down")
	}}
	var tenantID, reqID string
	h := NewMiddleware(resolver, nil)(captureHandler(&tenantID, &reqID))

	req := httptest.NewRequest("GET", "/v1/balance", nil)
	req.Header.Set(HeaderAPIKey, "tm_any")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestMiddleware_ClientRequestID(t *testing.T) {
	var tenantID, reqID string
	h := NewMiddleware(resolverFor("tm_good"), nil)(captureHandler(&tenantID, &reqID))

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set(HeaderAPIKey, "tm_good")
	req.Header.Set(HeaderRequestID, "client-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if reqID != "client-123" {
		t.Errorf("Expected client request id, got %q", reqID)
	}

	req.Header.Set(HeaderRequestID, strings.Repeat("x", maxRequestIDLen+1))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if reqID == "client-123" || len(reqID) > maxRequestIDLen {
		t.Errorf("Expected oversized request id to be replaced, got %q", reqID)
	}
}

func TestAdminMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name     string
		token    string
		header   string
		expected int
	}{
		{"valid", "secret", "secret", http.StatusNoContent},
		{"wrong", "secret", "nope", http.StatusForbidden},
		{"disabled", "", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/admin/tenants", nil)
			req.Header.Set(HeaderAdminToken, tt.header)
			w := httptest.NewRecorder()
			NewAdminMiddleware(tt.token)(ok).ServeHTTP(w, req)
			if w.Code != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, w.Code)
			}
		})
	}
}

func TestServiceMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name     string
		token    string
		header   string
		apiKey   string
		expected int
	}{
		{"valid", "svc", "svc", "", http.StatusNoContent},
		{"tenant key alone", "svc", "", "tm_tenant", http.StatusForbidden},
		{"admin token is not a service token", "svc", "secret", "", http.StatusForbidden},
		{"disabled", "", "", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/metering/settle", nil)
			if tt.header != "" {
				req.Header.Set(HeaderServiceToken, tt.header)
			}
			if tt.apiKey != "" {
				req.Header.Set(HeaderAPIKey, tt.apiKey)
			}
			w := httptest.NewRecorder()
			NewServiceMiddleware(tt.token)(ok).ServeHTTP(w, req)
			if w.Code != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, w.Code)
			}
		})
	}
}
