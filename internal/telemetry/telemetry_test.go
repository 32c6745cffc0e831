package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitInstallsProvidersAndBridgesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	providers, err := Init(context.Background(), Config{
		ServiceName:    "crawl-worker-test",
		ServiceVersion: "v0.0.1",
		SampleRatio:    1,
		Registerer:     reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, providers.Shutdown(context.Background())) })

	require.Same(t, providers.Tracer, otel.GetTracerProvider())

	counter, err := otel.Meter("telemetry-test").Int64Counter("bridge_check")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	require.Contains(t, names, "bridge_check_total")
}

func TestTracerProviderRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	res, err := newResource(context.Background(), Config{})
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(1)),
		sdktrace.WithSyncer(exporter),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "worker.job")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "worker.job", spans[0].Name)
}

func TestSampler(t *testing.T) {
	t.Parallel()

	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	require.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestShutdownNil(t *testing.T) {
	t.Parallel()

	var p *Providers
	require.NoError(t, p.Shutdown(context.Background()))
}
