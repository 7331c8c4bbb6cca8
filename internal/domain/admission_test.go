package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAdmissionErrorUnwrap(t *testing.T) {
	throttled := &AdmissionError{Decision: RateLimitDecision{
		Gate:     GateDomain,
		Reason:   "domain example.com is throttled",
		WaitTime: 5 * time.Second,
	}}
	if !errors.Is(throttled, ErrAdmissionDenied) {
		t.Error("throttle deny must unwrap to ErrAdmissionDenied")
	}
	if errors.Is(throttled, ErrCircuitOpen) {
		t.Error("throttle deny must not report circuit open")
	}

	tripped := &AdmissionError{Decision: RateLimitDecision{
		Gate:   GateCircuit,
		Reason: "Circuit breaker is open",
	}}
	if !errors.Is(tripped, ErrAdmissionDenied) {
		t.Error("circuit deny must unwrap to ErrAdmissionDenied")
	}
	if !errors.Is(tripped, ErrCircuitOpen) {
		t.Error("circuit deny must unwrap to ErrCircuitOpen")
	}
}

func TestAdmissionErrorMessage(t *testing.T) {
	e := &AdmissionError{Decision: RateLimitDecision{
		Gate:     GateUsage,
		Reason:   "hourly snapshot limit reached",
		WaitTime: 90 * time.Second,
	}}
	msg := e.Error()
	if !strings.Contains(msg, "hourly snapshot limit reached") {
		t.Errorf("message missing reason: %q", msg)
	}
	if !strings.Contains(msg, "retry in") {
		t.Errorf("message missing wait hint: %q", msg)
	}

	noWait := &AdmissionError{Decision: RateLimitDecision{Gate: GateCost, Reason: "daily cost limit"}}
	if strings.Contains(noWait.Error(), "retry in") {
		t.Errorf("zero wait must omit retry hint: %q", noWait.Error())
	}
}

func TestAdmissionErrorAsTarget(t *testing.T) {
	var err error = &AdmissionError{Decision: RateLimitDecision{Gate: GateProject, Reason: "project throttled", WaitTime: time.Second}}
	var ae *AdmissionError
	if !errors.As(err, &ae) {
		t.Fatal("errors.As must find AdmissionError")
	}
	if ae.Decision.WaitTime != time.Second {
		t.Errorf("WaitTime = %v, want 1s", ae.Decision.WaitTime)
	}
}
