package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = secret ,broken,=nokey, tenant=ledger")
	require.Equal(t, map[string]string{"api-key": "secret", "tenant": "ledger"}, got)
	require.Empty(t, ParseHeaders(""))
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := FromEnv("ledgerd", "dev")
	require.False(t, cfg.Traces)
	require.False(t, cfg.Metrics)
	require.True(t, cfg.Insecure)

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-token=abc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	cfg = FromEnv("ledgerd", "prod")
	require.True(t, cfg.Traces)
	require.True(t, cfg.Metrics)
	require.False(t, cfg.Insecure)
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.Equal(t, "abc", cfg.Headers["x-token"])
	require.Equal(t, 0.25, cfg.SampleRatio)
}

func TestInitWithoutExporters(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "ledgerd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
