package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw  string
		want Target
	}{
		{"collector", Target{Endpoint: "collector:4318", Insecure: true}},
		{"collector:9000", Target{Endpoint: "collector:9000", Insecure: true}},
		{"http://collector", Target{Endpoint: "collector:4318", Insecure: true}},
		{"https://otel.example.com:443/v1/traces/", Target{Endpoint: "otel.example.com:443", Path: "/v1/traces"}},
	}
	for _, tt := range tests {
		got, err := ParseEndpoint(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	_, err := ParseEndpoint("grpc://collector:4317")
	assert.Error(t, err)
	_, err = ParseEndpoint("  ")
	assert.Error(t, err)
}

func TestSetupDisabled(t *testing.T) {
	p, err := Setup(context.Background(), "", "test")
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NotNil(t, Tracer())
}
