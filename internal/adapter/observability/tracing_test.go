package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compintel-pipeline/internal/config"
)

func TestSetupTracingDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(config.Config{OTELServiceName: "compintel-pipeline"})
	require.NoError(t, err)
	assert.Nil(t, shutdown)
}

func TestSetupTracingWithEndpoint(t *testing.T) {
	// The grpc exporter connects lazily, so setup succeeds without a collector.
	shutdown, err := SetupTracing(config.Config{
		OTLPEndpoint:    "localhost:4317",
		OTELServiceName: "compintel-pipeline",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
}
