package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// ProjectRepo persists and loads projects using a minimal pgx pool.
type ProjectRepo struct{ Pool PgxPool }

// NewProjectRepo constructs a ProjectRepo with the given pool.
func NewProjectRepo(p PgxPool) *ProjectRepo { return &ProjectRepo{Pool: p} }

// Find loads a project by id.
func (r *ProjectRepo) Find(ctx domain.Context, id string) (domain.Project, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Find")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "projects"),
	)
	q := `SELECT id, name, status, priority, schedule, metadata, created_at, updated_at FROM projects WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Status, &p.Priority, &p.Schedule, &p.Metadata, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Project{}, fmt.Errorf("op=project.find: %w", domain.ErrNotFound)
		}
		return domain.Project{}, fmt.Errorf("op=project.find: %w", err)
	}
	return p, nil
}

// List returns projects, optionally filtered by status, ordered by priority
// then creation time so HIGH projects come back first.
func (r *ProjectRepo) List(ctx domain.Context, status *domain.ProjectStatus) ([]domain.Project, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.List")
	defer span.End()
	q := `SELECT id, name, status, priority, schedule, metadata, created_at, updated_at FROM projects
		WHERE ($1::text IS NULL OR status=$1)
		ORDER BY CASE priority WHEN 'HIGH' THEN 0 WHEN 'NORMAL' THEN 1 ELSE 2 END, created_at`
	var arg any
	if status != nil {
		arg = string(*status)
	}
	rows, err := r.Pool.Query(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("op=project.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Priority, &p.Schedule, &p.Metadata, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=project.list: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=project.list: %w", err)
	}
	return out, nil
}

// UpdateStatus flips a project's status and merges the given metadata keys.
func (r *ProjectRepo) UpdateStatus(ctx domain.Context, id string, status domain.ProjectStatus, metadata map[string]string) error {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.UpdateStatus")
	defer span.End()
	q := `UPDATE projects SET status=$2, metadata = COALESCE(metadata,'{}'::jsonb) || COALESCE($3,'{}'::jsonb), updated_at=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, metadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=project.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=project.update_status: %w", domain.ErrNotFound)
	}
	return nil
}
