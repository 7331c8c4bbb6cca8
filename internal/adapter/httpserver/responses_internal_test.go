package httpserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

func TestWriteErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err      error
		status   int
		code     string
	}{
		{fmt.Errorf("%w: bad input", domain.ErrInvalidArgument), http.StatusBadRequest, "INVALID_ARGUMENT"},
		{fmt.Errorf("op=project.find: %w", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("%w: already running", domain.ErrConflict), http.StatusConflict, "CONFLICT"},
		{fmt.Errorf("%w", domain.ErrAdmissionDenied), http.StatusTooManyRequests, "ADMISSION_DENIED"},
		{fmt.Errorf("backend: %w", domain.ErrBackendUnavailable), http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE"},
		{fmt.Errorf("something unexpected"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err, nil)
		assert.Equal(t, tc.status, rec.Code, tc.code)
		assert.Contains(t, rec.Body.String(), tc.code)
	}
}

func TestWriteErrorAdmissionDecisionDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	err := &domain.AdmissionError{Decision: domain.RateLimitDecision{
		Gate:     domain.GateCircuit,
		Reason:   "breaker open",
		WaitTime: 2500 * time.Millisecond,
		Fallback: "use cached snapshot",
	}}
	writeError(rec, httptest.NewRequest(http.MethodPost, "/", nil), err, nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	// 2.5s rounds up to the next whole second
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "use cached snapshot")
}

func TestWriteErrorCircuitDenyStillMapsTo429(t *testing.T) {
	err := &domain.AdmissionError{Decision: domain.RateLimitDecision{Gate: domain.GateCircuit, Reason: "open"}}
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodPost, "/", nil), fmt.Errorf("task: %w", err), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}
