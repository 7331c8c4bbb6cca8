package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// AnalysisRepo persists completed analysis records using a minimal pgx pool.
// Records are immutable after write.
type AnalysisRepo struct{ Pool PgxPool }

// NewAnalysisRepo constructs an AnalysisRepo with the given pool.
func NewAnalysisRepo(p PgxPool) *AnalysisRepo { return &AnalysisRepo{Pool: p} }

// Create stores an analysis record and returns its id (generates one if empty).
func (r *AnalysisRepo) Create(ctx domain.Context, a domain.AnalysisRecord) (string, error) {
	tracer := otel.Tracer("repo.analyses")
	ctx, span := tracer.Start(ctx, "analyses.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "analyses"),
	)
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO analyses (id, project_id, created_at, snapshot_ids, type, output, quality, duration_ms, estimated_cost_usd)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, a.ProjectID, a.CreatedAt.UTC(), a.SnapshotIDs, a.Type, a.Output, a.Quality, a.DurationMs, a.EstimatedCostUSD)
	if err != nil {
		return "", fmt.Errorf("op=analysis.create: %w", err)
	}
	return id, nil
}

// LatestByProject returns the most recent analysis for a project.
func (r *AnalysisRepo) LatestByProject(ctx domain.Context, projectID string) (domain.AnalysisRecord, error) {
	return r.one(ctx, projectID, "analyses.LatestByProject", "op=analysis.latest", "DESC")
}

// FirstByProject returns the oldest analysis for a project; it anchors the
// time-to-first-analysis figure.
func (r *AnalysisRepo) FirstByProject(ctx domain.Context, projectID string) (domain.AnalysisRecord, error) {
	return r.one(ctx, projectID, "analyses.FirstByProject", "op=analysis.first", "ASC")
}

func (r *AnalysisRepo) one(ctx domain.Context, projectID, spanName, op, order string) (domain.AnalysisRecord, error) {
	tracer := otel.Tracer("repo.analyses")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	q := `SELECT id, project_id, created_at, snapshot_ids, type, output, quality, duration_ms, estimated_cost_usd
		FROM analyses WHERE project_id=$1 ORDER BY created_at ` + order + ` LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, projectID)
	var a domain.AnalysisRecord
	if err := row.Scan(&a.ID, &a.ProjectID, &a.CreatedAt, &a.SnapshotIDs, &a.Type, &a.Output, &a.Quality, &a.DurationMs, &a.EstimatedCostUSD); err != nil {
		if err == pgx.ErrNoRows {
			return domain.AnalysisRecord{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.AnalysisRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}
