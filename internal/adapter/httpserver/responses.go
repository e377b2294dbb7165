// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the REST surface of the orchestrator: auth, job submission
// and lifecycle, the account registry, worker task polling, result
// ingestion and the admin surface. The package keeps HTTP concerns
// (decoding, status mapping, rate limiting) apart from the business rules
// in usecase.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy to wire codes. Sentinel order
// matters: the credit and limit errors are matched before the generic
// invalid_argument case so their dedicated codes win.
func writeError(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		status, code = http.StatusBadRequest, "insufficient_credits"
		var ic *domain.InsufficientCreditsError
		if details == nil && errors.As(err, &ic) {
			details = map[string]int64{"required": ic.Required, "available": ic.Available}
		}
	case errors.Is(err, domain.ErrConcurrentLimit):
		status, code = http.StatusBadRequest, "concurrent_limit_exceeded"
	case errors.Is(err, domain.ErrNoEligibleAccounts):
		status, code = http.StatusBadRequest, "no_eligible_accounts"
	case errors.Is(err, domain.ErrInvalidJobState):
		status, code = http.StatusBadRequest, "invalid_job_state"
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrUnauthenticated):
		status, code = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, domain.ErrPermissionDenied):
		status, code = http.StatusForbidden, "permission_denied"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrPayloadTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Adapter errors carry op= context not meant for clients.
		LoggerFrom(r).Error("internal error", slog.Any("error", err))
		msg = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: msg, Details: details}})
}

// decodeJSON unmarshals a request body, translating size-cap hits into the
// payload_too_large sentinel.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: body exceeds %d bytes", domain.ErrPayloadTooLarge, maxErr.Limit)
		}
		return fmt.Errorf("%w: malformed json: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
