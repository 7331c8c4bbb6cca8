package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces the retention bounds: per-target snapshot history,
// per-job execution history, and orphaned snapshot rows.
type CleanupService struct {
	Pool               PgxPool
	SnapshotsPerTarget int
	ExecutionsPerJob   int
}

// NewCleanupService creates a cleanup service with the given retention bounds.
func NewCleanupService(pool PgxPool, snapshotsPerTarget, executionsPerJob int) *CleanupService {
	if snapshotsPerTarget <= 0 {
		snapshotsPerTarget = 50
	}
	if executionsPerJob <= 0 {
		executionsPerJob = 100
	}
	return &CleanupService{Pool: pool, SnapshotsPerTarget: snapshotsPerTarget, ExecutionsPerJob: executionsPerJob}
}

// Cleanup runs one retention pass and returns how many rows were removed.
func (s *CleanupService) Cleanup(ctx context.Context) (int, error) {
	total := 0

	// Snapshots beyond the per-target bound, oldest first.
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM snapshots WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY target_id ORDER BY captured_at DESC) AS rn
				FROM snapshots
			) ranked WHERE rn > $1
		)`, s.SnapshotsPerTarget)
	if err != nil {
		return total, fmt.Errorf("op=cleanup.snapshots: %w", err)
	}
	total += int(tag.RowsAffected())

	// Executions beyond the per-job bound.
	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM job_executions WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY job_id ORDER BY started_at DESC) AS rn
				FROM job_executions
			) ranked WHERE rn > $1
		)`, s.ExecutionsPerJob)
	if err != nil {
		return total, fmt.Errorf("op=cleanup.executions: %w", err)
	}
	total += int(tag.RowsAffected())

	// Snapshots whose target row is gone.
	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM snapshots s WHERE NOT EXISTS (SELECT 1 FROM targets t WHERE t.id = s.target_id)`)
	if err != nil {
		return total, fmt.Errorf("op=cleanup.orphaned: %w", err)
	}
	total += int(tag.RowsAffected())

	slog.InfoContext(ctx, "retention cleanup completed", slog.Int("rows_removed", total))
	return total, nil
}

// RunPeriodic runs Cleanup on an interval until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := s.Cleanup(ctx); err != nil {
		slog.ErrorContext(ctx, "initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				slog.ErrorContext(ctx, "periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
