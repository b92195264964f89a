package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
)

const reasonAdminGrant = "admin_grant"

type createTenantRequest struct {
	Name               string        `json:"name"`
	Plan               tenant.Plan   `json:"plan"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute"`
	Quotas             tenant.Quotas `json:"quotas"`
	InitialCredit      int64         `json:"initial_credit"`
	IssueKey           bool          `json:"issue_key"`
}

// HandleCreateTenant onboards a tenant, optionally with an opening credit and
// a first API key.
func (h *Handler) HandleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.InitialCredit < 0 {
		writeFailure(w, http.StatusBadRequest, reasonInvalidRequest, "initial_credit must not be negative", false)
		return
	}
	ctx := r.Context()

	t := &tenant.Tenant{
		Name:               req.Name,
		Plan:               req.Plan,
		RateLimitPerMinute: req.RateLimitPerMinute,
		Quotas:             req.Quotas,
	}
	if err := h.directory.Create(ctx, t); err != nil {
		writeError(w, err)
		return
	}
	h.log.Infow("tenant created", "tenant_id", t.ID, "plan", t.Plan)

	resp := map[string]any{"tenant": t}
	if req.InitialCredit > 0 {
		bal, err := h.core.Credit(ctx, t.ID, req.InitialCredit, reasonAdminGrant, "opening:"+t.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["balance"] = bal
	}
	if req.IssueKey {
		plaintext, key, err := h.directory.IssueKey(ctx, t.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["api_key"] = plaintext
		resp["key_id"] = key.ID
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) HandleGetTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := h.directory.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	bal, err := h.core.GetBalance(ctx, t.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": t, "balance": bal})
}

// HandleIssueKey returns the plaintext key once. Only its hash is stored.
func (h *Handler) HandleIssueKey(w http.ResponseWriter, r *http.Request) {
	plaintext, key, err := h.directory.IssueKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Infow("api key issued", "tenant_id", key.TenantID, "key_id", key.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"api_key":    plaintext,
		"key_id":     key.ID,
		"tenant_id":  key.TenantID,
		"created_at": key.CreatedAt,
	})
}

func (h *Handler) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if err := h.directory.RevokeKey(r.Context(), keyID); err != nil {
		writeError(w, err)
		return
	}
	h.log.Infow("api key revoked", "key_id", keyID)
	w.WriteHeader(http.StatusNoContent)
}

type creditRequest struct {
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
}

func (h *Handler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = reasonAdminGrant
	}
	tenantID := chi.URLParam(r, "id")
	bal, err := h.core.Credit(r.Context(), tenantID, req.Amount, req.Reason, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Infow("tenant credited", "tenant_id", tenantID, "amount", req.Amount, "reason", req.Reason)
	writeJSON(w, http.StatusOK, bal)
}

type debitRequest struct {
	Amount int64 `json:"amount"`
}

// HandleDebit applies a manual adjustment. It fails closed like any debit.
func (h *Handler) HandleDebit(w http.ResponseWriter, r *http.Request) {
	var req debitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tenantID := chi.URLParam(r, "id")
	if _, err := h.directory.Get(r.Context(), tenantID); err != nil {
		writeError(w, err)
		return
	}
	bal, err := h.core.Debit(r.Context(), tenantID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Infow("tenant debited", "tenant_id", tenantID, "amount", req.Amount)
	writeJSON(w, http.StatusOK, bal)
}

func (h *Handler) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, tenant.StatusSuspended)
}

func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, tenant.StatusActive)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, status tenant.Status) {
	t, err := h.directory.SetStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Infow("tenant status changed", "tenant_id", t.ID, "status", status)
	writeJSON(w, http.StatusOK, t)
}
