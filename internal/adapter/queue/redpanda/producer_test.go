package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer(nil, "test-producer")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCreateTopicValidatesParameters(t *testing.T) {
	ctx := context.Background()

	err := createTopicIfNotExists(ctx, nil, "", 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic name")

	err = createTopicIfNotExists(ctx, nil, "reports.generate", 0, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partitions")

	err = createTopicIfNotExists(ctx, nil, "reports.generate", 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replication factor")
}
