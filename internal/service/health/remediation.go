package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// remediate applies the enabled remediation actions that the current status
// calls for. Every action is cooldown-guarded so a flapping condition cannot
// hammer the same lever each sweep.
func (s *Supervisor) remediate(ctx context.Context, status *domain.SystemHealthStatus) []domain.RemediationRecord {
	var records []domain.RemediationRecord

	if s.wantsClearCache(status) {
		records = append(records, s.apply(ctx, domain.RemediationClearCache))
	}
	if s.wantsReduceLoad(status) {
		records = append(records, s.apply(ctx, domain.RemediationReduceLoad))
	} else {
		s.maybeRestoreLoad(ctx, status, &records)
	}
	if s.wantsCleanup(status) {
		records = append(records, s.apply(ctx, domain.RemediationCleanup))
	}
	if status.Score < 20 {
		records = append(records, s.apply(ctx, domain.RemediationRestartService))
	}

	for _, rec := range records {
		s.metrics().Remediation(string(rec.Action), string(rec.Status))
		s.logger().InfoContext(ctx, "remediation applied",
			slog.String("action", string(rec.Action)),
			slog.String("status", string(rec.Status)),
			slog.Float64("effectiveness", rec.Effectiveness),
			slog.String("detail", rec.Detail))
	}
	return records
}

func (s *Supervisor) wantsClearCache(status *domain.SystemHealthStatus) bool {
	return status.Admission.ActiveThrottles > s.opts.ThrottleClearThreshold
}

func (s *Supervisor) wantsReduceLoad(status *domain.SystemHealthStatus) bool {
	return status.Admission.Circuit.State == domain.CircuitOpened || status.Score < 40
}

func (s *Supervisor) wantsCleanup(status *domain.SystemHealthStatus) bool {
	if s.Cleaner == nil {
		return false
	}
	return status.Integrity.OrphanedSnapshots > 0 || status.Score < 70
}

// apply runs one action through the enable and cooldown gates.
func (s *Supervisor) apply(ctx context.Context, action domain.RemediationAction) domain.RemediationRecord {
	now := s.opts.Now()
	rec := domain.RemediationRecord{Action: action, At: now}

	if !s.enabled(action) {
		rec.Status = domain.RemediationFailed
		rec.Effectiveness = 0
		rec.Detail = "disabled by policy"
		return rec
	}

	s.mu.Lock()
	last, seen := s.lastApplied[action]
	if seen && now.Sub(last) < s.opts.Cooldown {
		s.mu.Unlock()
		rec.Status = domain.RemediationSkipped
		rec.Detail = fmt.Sprintf("cooldown active, last applied %s ago", now.Sub(last).Round(time.Second))
		return rec
	}
	s.lastApplied[action] = now
	s.mu.Unlock()

	switch action {
	case domain.RemediationClearCache:
		cleared := s.Admission.ClearThrottles()
		var dropped int
		if s.Cache != nil {
			n, err := s.Cache.Clear(ctx)
			if err != nil {
				s.logger().WarnContext(ctx, "snapshot cache clear failed", slog.Any("error", err))
			}
			dropped = n
		}
		rec.Status = domain.RemediationSuccess
		rec.Detail = fmt.Sprintf("cleared %d throttle entries, dropped %d cached snapshots", cleared, dropped)
		if cleared > 0 || dropped > 0 {
			rec.Effectiveness = 1
		}
	case domain.RemediationReduceLoad:
		remaining := s.Admission.ReduceLoad(s.opts.ReduceLoadFactor)
		s.mu.Lock()
		s.loadReduced = true
		s.reducedAt = now
		s.mu.Unlock()
		rec.Status = domain.RemediationSuccess
		rec.Effectiveness = 1
		rec.Detail = fmt.Sprintf("capacity reduced to %d slots", remaining)
	case domain.RemediationCleanup:
		removed, err := s.Cleaner.Cleanup(ctx)
		if err != nil {
			rec.Status = domain.RemediationFailed
			rec.Detail = "cleanup failed: " + err.Error()
			break
		}
		rec.Status = domain.RemediationSuccess
		rec.Detail = fmt.Sprintf("removed %d retained rows", removed)
		if removed > 0 {
			rec.Effectiveness = 1
		} else {
			rec.Effectiveness = 0.5
		}
	default:
		rec.Status = domain.RemediationFailed
		rec.Effectiveness = 0
		rec.Detail = "no automated handler for action"
	}
	return rec
}

// maybeRestoreLoad lifts a previous REDUCE_LOAD once the system has been
// healthy for a full cooldown window.
func (s *Supervisor) maybeRestoreLoad(ctx context.Context, status *domain.SystemHealthStatus, records *[]domain.RemediationRecord) {
	now := s.opts.Now()

	s.mu.Lock()
	reduced, at := s.loadReduced, s.reducedAt
	s.mu.Unlock()
	if !reduced || status.Score < 70 || now.Sub(at) < s.opts.Cooldown {
		return
	}

	s.Admission.RestoreLoad()
	s.mu.Lock()
	s.loadReduced = false
	s.mu.Unlock()

	rec := domain.RemediationRecord{
		Action:        domain.RemediationReduceLoad,
		Status:        domain.RemediationSuccess,
		Effectiveness: 1,
		Detail:        "restored full admission capacity",
		At:            now,
	}
	*records = append(*records, rec)
	s.logger().InfoContext(ctx, "admission capacity restored", slog.Int("score", status.Score))
}

func (s *Supervisor) enabled(action domain.RemediationAction) bool {
	for _, a := range s.opts.Enabled {
		if a == action {
			return true
		}
	}
	return false
}
