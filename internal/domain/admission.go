package domain

import (
	"fmt"
	"time"
)

// AdmissionPriority ranks a unit of work for admission purposes.
type AdmissionPriority string

const (
	AdmissionCritical AdmissionPriority = "critical"
	AdmissionHigh     AdmissionPriority = "high"
	AdmissionNormal   AdmissionPriority = "normal"
	AdmissionLow      AdmissionPriority = "low"
)

// AdmissionSource tags where a request originated.
type AdmissionSource string

const (
	SourceInitialReport   AdmissionSource = "initial_report"
	SourceScheduledReport AdmissionSource = "scheduled_report"
	SourceManualRequest   AdmissionSource = "manual_request"
	SourceTest            AdmissionSource = "test"
)

// AdmissionContext describes one outbound unit of work (a scrape or an AI
// request) presented to the admission gates.
type AdmissionContext struct {
	ProjectID        string
	CompetitorID     string // optional
	Domain           string
	Priority         AdmissionPriority
	Source           AdmissionSource
	EstimatedCostUSD *float64
	RequestID        string
}

// QuotaRemaining reports headroom at decision time.
type QuotaRemaining struct {
	Daily      int `json:"daily"`
	Hourly     int `json:"hourly"`
	Concurrent int `json:"concurrent"`
}

// CostProjection is the would-be spend if this request were admitted.
type CostProjection struct {
	HourlyUSD float64 `json:"hourly_usd"`
	DailyUSD  float64 `json:"daily_usd"`
}

// AdmissionGate names the gate that produced a decision. Gates are evaluated
// in a fixed total order; the first failing gate wins.
type AdmissionGate string

const (
	GateCircuit     AdmissionGate = "circuit_breaker"
	GateCost        AdmissionGate = "cost"
	GateUsage       AdmissionGate = "usage"
	GateDomain      AdmissionGate = "domain_throttle"
	GateProject     AdmissionGate = "project_throttle"
	GateConcurrency AdmissionGate = "concurrency"
	GateNone        AdmissionGate = ""
)

// RateLimitDecision is the outcome of applying all admission gates.
type RateLimitDecision struct {
	Allowed        bool           `json:"allowed"`
	Gate           AdmissionGate  `json:"gate,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	WaitTime       time.Duration  `json:"wait_time_ms,omitempty"`
	Fallback       string         `json:"fallback,omitempty"`
	QuotaRemaining QuotaRemaining `json:"quota_remaining"`
	CostProjection CostProjection `json:"cost_projection"`
}

// AdmissionError carries a deny decision as an error. It unwraps to
// ErrAdmissionDenied, and additionally to ErrCircuitOpen when the circuit
// gate produced the deny.
type AdmissionError struct {
	Decision RateLimitDecision
}

func (e *AdmissionError) Error() string {
	if e.Decision.WaitTime > 0 {
		return fmt.Sprintf("admission denied (%s): %s, retry in %s", e.Decision.Gate, e.Decision.Reason, e.Decision.WaitTime)
	}
	return fmt.Sprintf("admission denied (%s): %s", e.Decision.Gate, e.Decision.Reason)
}

func (e *AdmissionError) Unwrap() []error {
	if e.Decision.Gate == GateCircuit {
		return []error{ErrAdmissionDenied, ErrCircuitOpen}
	}
	return []error{ErrAdmissionDenied}
}

// CircuitStateKind is the breaker position.
type CircuitStateKind string

const (
	CircuitClosed   CircuitStateKind = "CLOSED"
	CircuitOpened   CircuitStateKind = "OPEN"
	CircuitHalfOpen CircuitStateKind = "HALF_OPEN"
)

// CircuitSnapshot is a readable view of breaker state for decisions and metrics.
type CircuitSnapshot struct {
	State                CircuitStateKind `json:"state"`
	ErrorCount           int              `json:"error_count"`
	SuccessCount         int              `json:"success_count"`
	TotalRequests        int              `json:"total_requests"`
	ErrorRate            float64          `json:"error_rate"`
	LastFailure          *time.Time       `json:"last_failure,omitempty"`
	NextRetry            *time.Time       `json:"next_retry,omitempty"`
	HalfOpenTestRequests int              `json:"half_open_test_requests"`
	TripReason           string           `json:"trip_reason,omitempty"`
}

// ThrottleEntry is the per-key (domain or project) spacing record.
type ThrottleEntry struct {
	Key          string    `json:"key"`
	LastRequest  time.Time `json:"last_request"`
	NextAllowed  time.Time `json:"next_allowed"`
	RequestCount int64     `json:"request_count"`
	Throttled    bool      `json:"throttled"`
}

// AdmissionSnapshot aggregates controller state for the metrics surface.
type AdmissionSnapshot struct {
	Circuit           CircuitSnapshot `json:"circuit"`
	DailyUsed         int             `json:"daily_used"`
	HourlyUsed        int             `json:"hourly_used"`
	DailyLimit        int             `json:"daily_limit"`
	HourlyLimit       int             `json:"hourly_limit"`
	HourlyCostUSD     float64         `json:"hourly_cost_usd"`
	DailyCostUSD      float64         `json:"daily_cost_usd"`
	GlobalInFlight    int             `json:"global_in_flight"`
	MaxGlobalInFlight int             `json:"max_global_in_flight"`
	ActiveThrottles   int             `json:"active_throttles"`
	Allowed           int64           `json:"allowed_total"`
	Denied            int64           `json:"denied_total"`
	Throttled         int64           `json:"throttled_total"`
	HealthScore       int             `json:"health_score"`
}
