package proxy

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/vnmchuo/tenant-meter/internal/billing"
	"github.com/vnmchuo/tenant-meter/internal/quota"
	"github.com/vnmchuo/tenant-meter/internal/settlement"
	"github.com/vnmchuo/tenant-meter/internal/tenant"
)

// errorBody is the machine-readable refusal every endpoint returns.
type errorBody struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
}

const (
	reasonInvalidRequest = "invalid_request"
	reasonNotFound       = "not_found"
	reasonConflict       = "conflict"
	reasonUnavailable    = "unavailable"
	reasonUpstream       = "upstream_error"
	reasonInternal       = "internal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, reason, msg string, retryable bool) {
	writeJSON(w, status, errorBody{Error: msg, Reason: reason, Retryable: retryable})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	if rej := quota.Classify(err); rej != nil {
		status := http.StatusTooManyRequests
		if rej.Reason == quota.ReasonUnauthorized {
			status = http.StatusUnauthorized
		}
		if rej.Reason == quota.ReasonRateLimited {
			w.Header().Set("Retry-After", retryAfterSeconds(rej.RetryAfter))
		}
		writeFailure(w, status, string(rej.Reason), rej.Error(), rej.Retryable)
		return
	}

	switch {
	case errors.Is(err, billing.ErrAlreadySettled):
		writeFailure(w, http.StatusConflict, reasonConflict, err.Error(), false)
	case errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, tenant.ErrInvalidInput),
		errors.Is(err, quota.ErrInvalidRequest),
		errors.Is(err, settlement.ErrMissingRequestID):
		writeFailure(w, http.StatusBadRequest, reasonInvalidRequest, err.Error(), false)
	case errors.Is(err, tenant.ErrNotFound), errors.Is(err, tenant.ErrKeyNotFound):
		writeFailure(w, http.StatusNotFound, reasonNotFound, err.Error(), false)
	case errors.Is(err, tenant.ErrCacheStale):
		writeFailure(w, http.StatusServiceUnavailable, reasonUnavailable, "change saved but auth cache not cleared, retry", true)
	case billing.IsRetryable(err):
		writeFailure(w, http.StatusServiceUnavailable, reasonUnavailable, "storage temporarily unavailable", true)
	default:
		writeFailure(w, http.StatusInternalServerError, reasonInternal, "internal error", false)
	}
}
