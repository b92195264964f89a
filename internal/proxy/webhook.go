package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"github.com/vnmchuo/tenant-meter/internal/billing"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
)

const (
	eventCheckoutCompleted = "checkout.session.completed"
	metadataTokens         = "tokens"
	reasonPurchase         = "purchase"
	maxWebhookBytes        = 65536
)

// HandleStripeWebhook credits purchased tokens. The Stripe event ID is the
// credit reference, so redelivered events are applied once.
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		writeFailure(w, http.StatusNotFound, reasonNotFound, "webhooks disabled", false)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeFailure(w, http.StatusServiceUnavailable, reasonInvalidRequest, "error reading request body", true)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.log.Warnw("rejected stripe webhook", "error", err)
		writeFailure(w, http.StatusBadRequest, reasonInvalidRequest, "failed to verify webhook signature", false)
		return
	}

	if event.Type != eventCheckoutCompleted {
		h.log.Debugw("ignoring stripe event", "type", event.Type, "event_id", event.ID)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		writeFailure(w, http.StatusBadRequest, reasonInvalidRequest, "failed to parse checkout session", false)
		return
	}

	tokens, err := strconv.ParseInt(session.Metadata[metadataTokens], 10, 64)
	if err != nil || tokens <= 0 || session.ClientReferenceID == "" {
		// Stripe retries non-2xx responses; a malformed session never becomes valid.
		h.log.Errorw("unusable checkout session", "event_id", event.ID, "session_id", session.ID,
			"tenant_id", session.ClientReferenceID, "tokens", session.Metadata[metadataTokens])
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	bal, err := h.core.Credit(r.Context(), session.ClientReferenceID, tokens, reasonPurchase, event.ID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) || errors.Is(err, billing.ErrInvalidAmount) {
			h.log.Errorw("checkout session for unknown tenant", "event_id", event.ID, "tenant_id", session.ClientReferenceID)
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		h.log.Errorw("failed to credit purchase", "event_id", event.ID, "tenant_id", session.ClientReferenceID, "error", err)
		writeError(w, err)
		return
	}

	h.log.Infow("purchase credited", "event_id", event.ID, "tenant_id", bal.TenantID, "tokens", tokens)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
