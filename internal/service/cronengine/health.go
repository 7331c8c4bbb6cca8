package cronengine

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// PerformHealthChecks grades every installed job: is the tick wheel live,
// has the job executed within its expected interval, and where do its
// failure counters sit against the DEGRADED/UNHEALTHY thresholds.
func (e *Engine) PerformHealthChecks() []domain.JobHealth {
	e.mu.Lock()
	rts := make([]*jobRuntime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		rts = append(rts, rt)
	}
	e.mu.Unlock()

	now := e.opts.Now()
	out := make([]domain.JobHealth, 0, len(rts))
	for _, rt := range rts {
		out = append(out, e.assess(rt, now))
	}
	return out
}

func (e *Engine) assess(rt *jobRuntime, now time.Time) domain.JobHealth {
	st := rt.status(now)
	h := domain.JobHealth{
		JobID:               st.Job.ID,
		Name:                st.Job.Name,
		Kind:                st.Job.Kind,
		State:               st.State,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastExecution:       st.LastExecution,
		LastSuccess:         st.LastSuccess,
		NextRun:             st.NextRun,
		WheelLive:           st.WheelLive,
	}

	if st.State == string(statePaused) {
		h.Status = domain.JobPaused
		return h
	}

	switch {
	case st.ConsecutiveFailures >= e.opts.EscalationThreshold:
		h.Status = domain.JobUnhealthy
		h.Issues = append(h.Issues, fmt.Sprintf("%d consecutive failures at or beyond escalation threshold %d",
			st.ConsecutiveFailures, e.opts.EscalationThreshold))
	case st.ConsecutiveFailures >= e.opts.MaxConsecutiveFailures:
		h.Status = domain.JobDegraded
		h.Issues = append(h.Issues, fmt.Sprintf("%d consecutive failures at or beyond degradation threshold %d",
			st.ConsecutiveFailures, e.opts.MaxConsecutiveFailures))
	default:
		h.Status = domain.JobHealthy
	}

	if !st.WheelLive && st.State != string(stateReady) {
		if h.Status == domain.JobHealthy {
			h.Status = domain.JobDegraded
		}
		h.Issues = append(h.Issues, "tick wheel is not live")
	}

	if overdue, by := e.executionOverdue(rt, now); overdue {
		if h.Status == domain.JobHealthy {
			h.Status = domain.JobDegraded
		}
		h.Issues = append(h.Issues, fmt.Sprintf("no execution for %s, beyond expected interval", by.Round(time.Second)))
	}
	return h
}

// executionOverdue reports whether the job has missed its expected cadence.
// The expected interval is the gap between two consecutive scheduled ticks;
// a job is overdue when twice that interval has passed without an execution.
func (e *Engine) executionOverdue(rt *jobRuntime, now time.Time) (bool, time.Duration) {
	rt.mu.Lock()
	last := rt.lastExecution
	first := rt.schedule.Next(now)
	second := rt.schedule.Next(first)
	rt.mu.Unlock()

	interval := second.Sub(first)
	if interval <= 0 {
		return false, 0
	}
	if last == nil {
		// Never executed; tolerated until the engine has had two chances.
		return false, 0
	}
	sinceLast := now.Sub(*last)
	if sinceLast > 2*interval {
		return true, sinceLast
	}
	return false, 0
}
