package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// TargetRepo loads monitored targets using a minimal pgx pool.
type TargetRepo struct{ Pool PgxPool }

// NewTargetRepo constructs a TargetRepo with the given pool.
func NewTargetRepo(p PgxPool) *TargetRepo { return &TargetRepo{Pool: p} }

// ListByProject returns all targets owned by a project.
func (r *TargetRepo) ListByProject(ctx domain.Context, projectID string) ([]domain.Target, error) {
	tracer := otel.Tracer("repo.targets")
	ctx, span := tracer.Start(ctx, "targets.ListByProject")
	defer span.End()
	q := `SELECT id, project_id, kind, name, url, created_at FROM targets WHERE project_id=$1 ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=target.list_by_project: %w", err)
	}
	defer rows.Close()
	var out []domain.Target
	for rows.Next() {
		var t domain.Target
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Kind, &t.Name, &t.URL, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=target.list_by_project: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=target.list_by_project: %w", err)
	}
	return out, nil
}

// FindByURL looks a target up by its exact URL.
func (r *TargetRepo) FindByURL(ctx domain.Context, url string) (domain.Target, error) {
	tracer := otel.Tracer("repo.targets")
	ctx, span := tracer.Start(ctx, "targets.FindByURL")
	defer span.End()
	q := `SELECT id, project_id, kind, name, url, created_at FROM targets WHERE url=$1 LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, url)
	var t domain.Target
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Kind, &t.Name, &t.URL, &t.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Target{}, fmt.Errorf("op=target.find_by_url: %w", domain.ErrNotFound)
		}
		return domain.Target{}, fmt.Errorf("op=target.find_by_url: %w", err)
	}
	return t, nil
}

// CountWithoutSnapshots returns targets that have never been captured.
func (r *TargetRepo) CountWithoutSnapshots(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.targets")
	ctx, span := tracer.Start(ctx, "targets.CountWithoutSnapshots")
	defer span.End()
	q := `SELECT COUNT(*) FROM targets t WHERE NOT EXISTS (SELECT 1 FROM snapshots s WHERE s.target_id = t.id)`
	row := r.Pool.QueryRow(ctx, q)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=target.count_without_snapshots: %w", err)
	}
	return count, nil
}
