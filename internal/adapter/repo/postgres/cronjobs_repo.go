package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// CronJobRepo persists cron job definitions using a minimal pgx pool.
type CronJobRepo struct{ Pool PgxPool }

// NewCronJobRepo constructs a CronJobRepo with the given pool.
func NewCronJobRepo(p PgxPool) *CronJobRepo { return &CronJobRepo{Pool: p} }

const cronJobColumns = `id, name, expression, kind, active, max_retries, retry_delay_ms, timeout_ms, project_id, timezone, metadata, created_at, updated_at`

// Upsert inserts the job or updates an existing row by id, returning the id
// (generates one if empty). Definitions survive restarts; the engine reloads
// them at startup.
func (r *CronJobRepo) Upsert(ctx domain.Context, job domain.CronJob) (string, error) {
	tracer := otel.Tracer("repo.cronjobs")
	ctx, span := tracer.Start(ctx, "cronjobs.Upsert")
	defer span.End()
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO cron_jobs (` + cronJobColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, expression=EXCLUDED.expression, kind=EXCLUDED.kind, active=EXCLUDED.active,
			max_retries=EXCLUDED.max_retries, retry_delay_ms=EXCLUDED.retry_delay_ms, timeout_ms=EXCLUDED.timeout_ms,
			project_id=EXCLUDED.project_id, timezone=EXCLUDED.timezone, metadata=EXCLUDED.metadata, updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, id, job.Name, job.Expression, job.Kind, job.Active,
		job.MaxRetries, job.RetryDelay.Milliseconds(), job.Timeout.Milliseconds(),
		job.ProjectID, job.Timezone, job.Metadata, now)
	if err != nil {
		return "", fmt.Errorf("op=cronjob.upsert: %w", err)
	}
	return id, nil
}

// List returns every persisted job definition.
func (r *CronJobRepo) List(ctx domain.Context) ([]domain.CronJob, error) {
	return r.list(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs ORDER BY created_at`)
}

// ListActive returns only active job definitions.
func (r *CronJobRepo) ListActive(ctx domain.Context) ([]domain.CronJob, error) {
	return r.list(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE active ORDER BY created_at`)
}

func (r *CronJobRepo) list(ctx domain.Context, q string) ([]domain.CronJob, error) {
	tracer := otel.Tracer("repo.cronjobs")
	ctx, span := tracer.Start(ctx, "cronjobs.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=cronjob.list: %w", err)
	}
	defer rows.Close()
	var out []domain.CronJob
	for rows.Next() {
		var j domain.CronJob
		var retryDelayMs, timeoutMs int64
		if err := rows.Scan(&j.ID, &j.Name, &j.Expression, &j.Kind, &j.Active, &j.MaxRetries,
			&retryDelayMs, &timeoutMs, &j.ProjectID, &j.Timezone, &j.Metadata, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=cronjob.list: %w", err)
		}
		j.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
		j.Timeout = time.Duration(timeoutMs) * time.Millisecond
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=cronjob.list: %w", err)
	}
	return out, nil
}

// SetActive flips a job's active flag.
func (r *CronJobRepo) SetActive(ctx domain.Context, id string, active bool) error {
	tracer := otel.Tracer("repo.cronjobs")
	ctx, span := tracer.Start(ctx, "cronjobs.SetActive")
	defer span.End()
	q := `UPDATE cron_jobs SET active=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=cronjob.set_active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=cronjob.set_active: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a job definition; execution rows cascade.
func (r *CronJobRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.cronjobs")
	ctx, span := tracer.Start(ctx, "cronjobs.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM cron_jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=cronjob.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=cronjob.delete: %w", domain.ErrNotFound)
	}
	return nil
}
