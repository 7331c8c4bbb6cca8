// Package httpserver exposes the management REST surface: health and
// admission metrics, per-project freshness and analysis operations, cron job
// administration, and operator-guarded circuit controls.
package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrAdmissionDenied):
		code = http.StatusTooManyRequests
		codeStr = "ADMISSION_DENIED"
		var admErr *domain.AdmissionError
		if errors.As(err, &admErr) {
			if admErr.Decision.WaitTime > 0 {
				secs := int(math.Ceil(admErr.Decision.WaitTime.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			if details == nil {
				details = admErr.Decision
			}
		}
	case errors.Is(err, domain.ErrBackendUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "BACKEND_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
