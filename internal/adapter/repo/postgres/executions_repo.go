package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// ExecutionRepo persists the bounded per-job execution history.
type ExecutionRepo struct{ Pool PgxPool }

// NewExecutionRepo constructs an ExecutionRepo with the given pool.
func NewExecutionRepo(p PgxPool) *ExecutionRepo { return &ExecutionRepo{Pool: p} }

// Append inserts an execution row and returns its id (generates one if empty).
func (r *ExecutionRepo) Append(ctx domain.Context, e domain.JobExecution) (string, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Append")
	defer span.End()
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO job_executions (id, job_id, started_at, ended_at, status, attempt, output, error, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, e.JobID, e.StartedAt.UTC(), e.EndedAt, e.Status, e.Attempt, e.Output, e.Error, e.DurationMs)
	if err != nil {
		return "", fmt.Errorf("op=execution.append: %w", err)
	}
	return id, nil
}

// Complete settles a RUNNING row with its final status and timing.
func (r *ExecutionRepo) Complete(ctx domain.Context, id string, status domain.ExecutionStatus, output, errMsg string, endedAt time.Time, durationMs int64) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Complete")
	defer span.End()
	q := `UPDATE job_executions SET status=$2, output=$3, error=$4, ended_at=$5, duration_ms=$6 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, output, errMsg, endedAt.UTC(), durationMs)
	if err != nil {
		return fmt.Errorf("op=execution.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=execution.complete: %w", domain.ErrNotFound)
	}
	return nil
}

// ListByJob returns up to limit executions, newest first.
func (r *ExecutionRepo) ListByJob(ctx domain.Context, jobID string, limit int) ([]domain.JobExecution, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.ListByJob")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, job_id, started_at, ended_at, status, attempt, output, error, duration_ms
		FROM job_executions WHERE job_id=$1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=execution.list_by_job: %w", err)
	}
	defer rows.Close()
	var out []domain.JobExecution
	for rows.Next() {
		var e domain.JobExecution
		if err := rows.Scan(&e.ID, &e.JobID, &e.StartedAt, &e.EndedAt, &e.Status, &e.Attempt, &e.Output, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("op=execution.list_by_job: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=execution.list_by_job: %w", err)
	}
	return out, nil
}

// Trim keeps the keepN most recent executions for the job and evicts the rest.
func (r *ExecutionRepo) Trim(ctx domain.Context, jobID string, keepN int) (int, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Trim")
	defer span.End()
	if keepN < 0 {
		keepN = 0
	}
	q := `DELETE FROM job_executions WHERE job_id=$1 AND id NOT IN (
		SELECT id FROM job_executions WHERE job_id=$1 ORDER BY started_at DESC LIMIT $2)`
	tag, err := r.Pool.Exec(ctx, q, jobID, keepN)
	if err != nil {
		return 0, fmt.Errorf("op=execution.trim: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailRunning settles rows stuck in RUNNING, stamping the given reason.
// Called once at engine startup to clean up after a crashed process.
func (r *ExecutionRepo) FailRunning(ctx domain.Context, reason string) (int, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.FailRunning")
	defer span.End()
	q := `UPDATE job_executions SET status=$1, error=$2, ended_at=$3 WHERE status=$4`
	tag, err := r.Pool.Exec(ctx, q, domain.ExecFailed, reason, time.Now().UTC(), domain.ExecRunning)
	if err != nil {
		return 0, fmt.Errorf("op=execution.fail_running: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
