package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordCacheHit(ctx, "ephemeral")
		m.RecordCacheMiss(ctx)
		m.RecordCoalescedWait(ctx)
		m.RecordProviderCall(ctx, "openai", "success")
		m.RecordProviderFallback(ctx)
		m.RecordIndexFailure(ctx, "upsert")
	})
}

func TestNewMetricsOnNoopMeter(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.RecordCacheHit(context.Background(), "durable")
		m.RecordProviderCall(context.Background(), "gemini", "error")
	})
}

func TestInitTracingWithoutEndpoint(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{ServiceName: "test"})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "test.span")
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
}

func TestInitMeterProviderWithoutEndpoint(t *testing.T) {
	mp, err := InitMeterProvider(context.Background(), TracingConfig{ServiceName: "test"})
	require.NoError(t, err)
	assert.NoError(t, mp.Shutdown(context.Background()))

	var nilProvider *MeterProvider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}

func TestMetricsRecordOnSDKReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordProviderCall(ctx, "openai", "rate_limited")
	m.RecordProviderCall(ctx, "openai", "rate_limited")
	m.RecordProviderCall(ctx, "gemini", "success")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "embedding.provider.calls" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				provider, _ := dp.Attributes.Value("provider")
				outcome, _ := dp.Attributes.Value("outcome")
				counts[provider.AsString()+"/"+outcome.AsString()] = dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"openai/rate_limited": 2, "gemini/success": 1}, counts)
}
