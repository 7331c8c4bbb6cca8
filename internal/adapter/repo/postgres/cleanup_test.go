package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compintel-pipeline/internal/adapter/repo/postgres"
)

func TestCleanupSumsRemovedRows(t *testing.T) {
	pool := &poolStub{execTags: []pgconn.CommandTag{
		pgconn.NewCommandTag("DELETE 5"),
		pgconn.NewCommandTag("DELETE 12"),
		pgconn.NewCommandTag("DELETE 1"),
	}}
	svc := postgres.NewCleanupService(pool, 50, 100)

	n, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	require.Len(t, pool.execSQL, 3)
	assert.Contains(t, pool.execSQL[0], "FROM snapshots")
	assert.Contains(t, pool.execSQL[1], "FROM job_executions")
}

func TestCleanupPropagatesError(t *testing.T) {
	pool := &poolStub{execErr: errors.New("connection reset")}
	svc := postgres.NewCleanupService(pool, 50, 100)

	_, err := svc.Cleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=cleanup.snapshots")
}

func TestCleanupDefaultsRetentionBounds(t *testing.T) {
	svc := postgres.NewCleanupService(&poolStub{}, 0, 0)
	assert.Equal(t, 50, svc.SnapshotsPerTarget)
	assert.Equal(t, 100, svc.ExecutionsPerJob)
}
