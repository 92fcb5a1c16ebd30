package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/next-trace/scg-bus-runtime/config"
)

func TestNewProvider_None(t *testing.T) {
	p, err := NewProvider(context.Background(), config.Tracing{Exporter: "none"})
	require.NoError(t, err)

	assert.Nil(t, p.sdk)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_HTTP(t *testing.T) {
	p, err := NewProvider(context.Background(), config.Tracing{
		Exporter:     "http",
		Endpoint:     "127.0.0.1:4318",
		ServiceName:  "busd-test",
		SamplingRate: 0.5,
	})
	require.NoError(t, err)
	require.NotNil(t, p.sdk)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = p.Shutdown(ctx)
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := NewProvider(context.Background(), config.Tracing{Exporter: "zipkin"})
	require.Error(t, err)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
