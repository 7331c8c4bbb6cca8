// Package admission decides whether an outbound unit of work (one scrape or
// one AI request) may run now, how long to wait otherwise, and what fallback
// to suggest. All state is in-memory and process-global; loss on restart is
// acceptable.
package admission

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// circuitEvent is one observed outcome inside the sliding window.
type circuitEvent struct {
	ts      time.Time
	success bool
}

// CircuitBreaker tracks outcomes over a sliding window and trips when the
// windowed error rate crosses the threshold. Manual trips force OPEN with a
// reason; manual resets force CLOSED with zeroed counters.
type CircuitBreaker struct {
	mu sync.Mutex

	window         time.Duration
	errorThreshold float64
	recovery       time.Duration
	halfOpenMax    int
	minSamples     int
	now            func() time.Time

	state             domain.CircuitStateKind
	events            []circuitEvent
	lastFailure       time.Time
	nextRetry         time.Time
	halfOpenTests     int
	halfOpenSuccesses int
	tripReason        string

	onState func(domain.CircuitStateKind)
}

// minWindowSamples guards against tripping on a handful of unlucky requests.
const minWindowSamples = 10

// NewCircuitBreaker builds a breaker. onState may be nil.
func NewCircuitBreaker(window, recovery time.Duration, errorThreshold float64, halfOpenMax int, now func() time.Time, onState func(domain.CircuitStateKind)) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	if halfOpenMax <= 0 {
		halfOpenMax = 5
	}
	if errorThreshold <= 0 {
		errorThreshold = 0.5
	}
	return &CircuitBreaker{
		window:         window,
		errorThreshold: errorThreshold,
		recovery:       recovery,
		halfOpenMax:    halfOpenMax,
		minSamples:     minWindowSamples,
		now:            now,
		state:          domain.CircuitClosed,
		onState:        onState,
	}
}

// Allow evaluates the circuit gate. A deny returns the wait until the next
// retry window. Admitting while HALF_OPEN consumes one test slot.
func (cb *CircuitBreaker) Allow() (allowed bool, wait time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case domain.CircuitOpened:
		if now.Before(cb.nextRetry) {
			return false, cb.nextRetry.Sub(now)
		}
		cb.transition(domain.CircuitHalfOpen)
		cb.halfOpenTests = 0
		cb.halfOpenSuccesses = 0
		cb.halfOpenTests++
		return true, 0
	case domain.CircuitHalfOpen:
		if cb.halfOpenTests >= cb.halfOpenMax {
			return false, time.Minute
		}
		cb.halfOpenTests++
		return true, 0
	default:
		return true, 0
	}
}

// RecordSuccess notes a successful execution.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.events = append(cb.events, circuitEvent{ts: now, success: true})
	cb.trim(now)

	if cb.state == domain.CircuitHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.halfOpenMax {
			cb.events = nil
			cb.tripReason = ""
			cb.transition(domain.CircuitClosed)
			slog.Info("circuit breaker closed after successful half-open tests",
				slog.Int("successes", cb.halfOpenSuccesses))
			cb.halfOpenTests = 0
			cb.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure notes a failed execution and trips the breaker when the
// windowed error rate crosses the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.events = append(cb.events, circuitEvent{ts: now, success: false})
	cb.trim(now)
	cb.lastFailure = now

	switch cb.state {
	case domain.CircuitHalfOpen:
		cb.open(now, "failure during half-open test")
	case domain.CircuitClosed:
		failures, total := cb.windowCounts()
		if total >= cb.minSamples && float64(failures)/float64(total) >= cb.errorThreshold {
			cb.open(now, "error rate threshold exceeded")
		}
	}
}

// Trip forces the breaker OPEN with a reason. Repeated trips keep one active
// retry window.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == domain.CircuitOpened {
		cb.tripReason = reason
		return
	}
	cb.open(cb.now(), reason)
}

// Reset forces the breaker CLOSED and zeroes all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.events = nil
	cb.lastFailure = time.Time{}
	cb.nextRetry = time.Time{}
	cb.halfOpenTests = 0
	cb.halfOpenSuccesses = 0
	cb.tripReason = ""
	cb.transition(domain.CircuitClosed)
	slog.Info("circuit breaker reset to closed state")
}

// Snapshot returns a consistent view of the breaker for decisions and the
// metrics surface.
func (cb *CircuitBreaker) Snapshot() domain.CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trim(cb.now())
	failures, total := cb.windowCounts()
	snap := domain.CircuitSnapshot{
		State:                cb.state,
		ErrorCount:           failures,
		SuccessCount:         total - failures,
		TotalRequests:        total,
		HalfOpenTestRequests: cb.halfOpenTests,
		TripReason:           cb.tripReason,
	}
	if total > 0 {
		snap.ErrorRate = float64(failures) / float64(total)
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		snap.LastFailure = &t
	}
	if !cb.nextRetry.IsZero() && cb.state == domain.CircuitOpened {
		t := cb.nextRetry
		snap.NextRetry = &t
	}
	return snap
}

// open must be called with the lock held.
func (cb *CircuitBreaker) open(now time.Time, reason string) {
	cb.nextRetry = now.Add(cb.recovery)
	cb.tripReason = reason
	cb.halfOpenTests = 0
	cb.halfOpenSuccesses = 0
	cb.transition(domain.CircuitOpened)
	slog.Warn("circuit breaker opened",
		slog.String("reason", reason),
		slog.Time("next_retry", cb.nextRetry))
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to domain.CircuitStateKind) {
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.onState != nil {
		cb.onState(to)
	}
}

// trim drops events older than the window. Must be called with the lock held.
func (cb *CircuitBreaker) trim(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for ; i < len(cb.events); i++ {
		if cb.events[i].ts.After(cutoff) {
			break
		}
	}
	if i > 0 {
		cb.events = append([]circuitEvent(nil), cb.events[i:]...)
	}
}

// windowCounts must be called with the lock held.
func (cb *CircuitBreaker) windowCounts() (failures, total int) {
	for _, e := range cb.events {
		if !e.success {
			failures++
		}
	}
	return failures, len(cb.events)
}
