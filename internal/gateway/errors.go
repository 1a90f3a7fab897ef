package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/basket/hopper/internal/hoppererr"
)

// statusFor maps the typed error taxonomy onto HTTP status codes. The core
// packages never see HTTP; this is the only place the mapping lives.
func statusFor(err error) int {
	switch {
	case hoppererr.IsValidation(err):
		return http.StatusBadRequest
	case hoppererr.IsNotFound(err):
		return http.StatusNotFound
	case hoppererr.IsInvalidTransition(err),
		hoppererr.IsActiveDelegation(err),
		errors.Is(err, hoppererr.ErrConflict):
		return http.StatusConflict
	case hoppererr.IsCapacityExceeded(err):
		return http.StatusTooManyRequests
	case hoppererr.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case hoppererr.IsTimeout(err):
		// Routing deadline exhaustion is a transient service condition, not an
		// upstream gateway failure.
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}

	var ve *hoppererr.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	var ce *hoppererr.CapacityError
	if errors.As(err, &ce) {
		body["instance_id"] = ce.InstanceID
		body["active"] = ce.Active
		body["max"] = ce.Max
	}
	var ad *hoppererr.ActiveDelegationError
	if errors.As(err, &ad) {
		body["delegation_id"] = ad.DelegationID
	}

	writeJSON(w, statusFor(err), body)
}
