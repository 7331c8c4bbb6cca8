package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// SnapshotRepo persists and loads captured snapshots using a minimal pgx pool.
type SnapshotRepo struct{ Pool PgxPool }

// NewSnapshotRepo constructs a SnapshotRepo with the given pool.
func NewSnapshotRepo(p PgxPool) *SnapshotRepo { return &SnapshotRepo{Pool: p} }

// Create stores the snapshot and its metadata in one transaction and returns
// the snapshot id (generates one if empty). A failure in either insert rolls
// the whole write back so no snapshot exists without its meta row.
func (r *SnapshotRepo) Create(ctx domain.Context, s domain.Snapshot) (string, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "snapshots"),
	)
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=snapshot.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO snapshots (id, target_id, captured_at, html, text, title) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := tx.Exec(ctx, q, id, s.TargetID, s.CapturedAt.UTC(), s.HTML, s.Text, s.Title); err != nil {
		return "", fmt.Errorf("op=snapshot.create: %w", err)
	}
	qm := `INSERT INTO snapshot_meta (snapshot_id, status_code, headers, duration_ms, html_length, text_length, retry_count, method, content_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if _, err := tx.Exec(ctx, qm, id, s.Meta.StatusCode, s.Meta.Headers, s.Meta.DurationMs,
		s.Meta.HTMLLength, s.Meta.TextLength, s.Meta.RetryCount, s.Meta.Method, s.Meta.ContentType); err != nil {
		return "", fmt.Errorf("op=snapshot.create_meta: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=snapshot.create: %w", err)
	}
	return id, nil
}

// LatestByTarget returns the most recent snapshot for a target.
func (r *SnapshotRepo) LatestByTarget(ctx domain.Context, targetID string) (domain.Snapshot, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.LatestByTarget")
	defer span.End()
	q := `SELECT s.id, s.target_id, s.captured_at, s.html, s.text, s.title,
			m.status_code, m.headers, m.duration_ms, m.html_length, m.text_length, m.retry_count, m.method, m.content_type
		FROM snapshots s JOIN snapshot_meta m ON m.snapshot_id = s.id
		WHERE s.target_id=$1 ORDER BY s.captured_at DESC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, targetID)
	var s domain.Snapshot
	if err := row.Scan(&s.ID, &s.TargetID, &s.CapturedAt, &s.HTML, &s.Text, &s.Title,
		&s.Meta.StatusCode, &s.Meta.Headers, &s.Meta.DurationMs, &s.Meta.HTMLLength,
		&s.Meta.TextLength, &s.Meta.RetryCount, &s.Meta.Method, &s.Meta.ContentType); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Snapshot{}, fmt.Errorf("op=snapshot.latest: %w", domain.ErrNotFound)
		}
		return domain.Snapshot{}, fmt.Errorf("op=snapshot.latest: %w", err)
	}
	return s, nil
}

// ListByTarget returns up to limit snapshots, newest first.
func (r *SnapshotRepo) ListByTarget(ctx domain.Context, targetID string, limit int) ([]domain.Snapshot, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.ListByTarget")
	defer span.End()
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT s.id, s.target_id, s.captured_at, s.html, s.text, s.title,
			m.status_code, m.headers, m.duration_ms, m.html_length, m.text_length, m.retry_count, m.method, m.content_type
		FROM snapshots s JOIN snapshot_meta m ON m.snapshot_id = s.id
		WHERE s.target_id=$1 ORDER BY s.captured_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=snapshot.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		if err := rows.Scan(&s.ID, &s.TargetID, &s.CapturedAt, &s.HTML, &s.Text, &s.Title,
			&s.Meta.StatusCode, &s.Meta.Headers, &s.Meta.DurationMs, &s.Meta.HTMLLength,
			&s.Meta.TextLength, &s.Meta.RetryCount, &s.Meta.Method, &s.Meta.ContentType); err != nil {
			return nil, fmt.Errorf("op=snapshot.list: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=snapshot.list: %w", err)
	}
	return out, nil
}

// DeleteOlderThan keeps the newest keepN snapshots for the target and removes
// the rest, returning how many were evicted.
func (r *SnapshotRepo) DeleteOlderThan(ctx domain.Context, targetID string, keepN int) (int, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.DeleteOlderThan")
	defer span.End()
	if keepN < 0 {
		keepN = 0
	}
	q := `DELETE FROM snapshots WHERE target_id=$1 AND id NOT IN (
		SELECT id FROM snapshots WHERE target_id=$1 ORDER BY captured_at DESC LIMIT $2)`
	tag, err := r.Pool.Exec(ctx, q, targetID, keepN)
	if err != nil {
		return 0, fmt.Errorf("op=snapshot.delete_older_than: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountOrphaned returns snapshots whose target row no longer exists.
func (r *SnapshotRepo) CountOrphaned(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.CountOrphaned")
	defer span.End()
	q := `SELECT COUNT(*) FROM snapshots s LEFT JOIN targets t ON t.id = s.target_id WHERE t.id IS NULL`
	row := r.Pool.QueryRow(ctx, q)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=snapshot.count_orphaned: %w", err)
	}
	return count, nil
}
