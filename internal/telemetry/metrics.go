package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// DefaultExportInterval is how often counters are pushed to the collector.
const DefaultExportInterval = 30 * time.Second

// MeterProvider wraps the OpenTelemetry meter provider.
type MeterProvider struct {
	provider *sdkmetric.MeterProvider
}

// InitMeterProvider installs a global meter provider exporting over OTLP gRPC.
// Returns a no-op provider if OTLPEndpoint is empty.
func InitMeterProvider(ctx context.Context, cfg TracingConfig) (*MeterProvider, error) {
	if cfg.OTLPEndpoint == "" {
		return &MeterProvider{}, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP metric exporter: %w", err)
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(DefaultExportInterval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return &MeterProvider{provider: provider}, nil
}

// Shutdown flushes pending measurements.
func (mp *MeterProvider) Shutdown(ctx context.Context) error {
	if mp != nil && mp.provider != nil {
		return mp.provider.Shutdown(ctx)
	}
	return nil
}

// Metrics holds the embedding pipeline counters.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	CoalescedWaits    metric.Int64Counter
	ProviderCalls     metric.Int64Counter
	ProviderFallbacks metric.Int64Counter
	IndexFailures     metric.Int64Counter
}

// InitMetrics creates the counters on the global meter provider.
func InitMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(TracerName))
}

// NewMetrics creates the counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	cacheHits, err := meter.Int64Counter(
		"embedding.cache.hits",
		metric.WithDescription("Embedding cache hits by layer"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"embedding.cache.misses",
		metric.WithDescription("Embedding lookups missing every cache layer"),
	)
	if err != nil {
		return nil, err
	}

	coalescedWaits, err := meter.Int64Counter(
		"embedding.cache.coalesced",
		metric.WithDescription("Resolves that joined an in-flight computation"),
	)
	if err != nil {
		return nil, err
	}

	providerCalls, err := meter.Int64Counter(
		"embedding.provider.calls",
		metric.WithDescription("Embedding provider calls by provider and outcome"),
	)
	if err != nil {
		return nil, err
	}

	providerFallbacks, err := meter.Int64Counter(
		"embedding.provider.fallbacks",
		metric.WithDescription("Embedding requests served by the secondary provider path"),
	)
	if err != nil {
		return nil, err
	}

	indexFailures, err := meter.Int64Counter(
		"vector_index.failures",
		metric.WithDescription("Vector index operations that failed"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		CacheHits:         cacheHits,
		CacheMisses:       cacheMisses,
		CoalescedWaits:    coalescedWaits,
		ProviderCalls:     providerCalls,
		ProviderFallbacks: providerFallbacks,
		IndexFailures:     indexFailures,
	}, nil
}

// RecordCacheHit records a hit in the named cache layer ("ephemeral", "durable").
func (m *Metrics) RecordCacheHit(ctx context.Context, layer string) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.layer", layer)))
}

// RecordCacheMiss records a lookup that missed every layer.
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

// RecordCoalescedWait records a caller sharing another caller's computation.
func (m *Metrics) RecordCoalescedWait(ctx context.Context) {
	if m == nil {
		return
	}
	m.CoalescedWaits.Add(ctx, 1)
}

// RecordProviderCall records one provider call with its outcome
// ("success", "rate_limited" or "error").
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// RecordProviderFallback records a switch to the secondary provider.
func (m *Metrics) RecordProviderFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.ProviderFallbacks.Add(ctx, 1)
}

// RecordIndexFailure records a failed vector index operation.
func (m *Metrics) RecordIndexFailure(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.IndexFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("index.op", op)))
}
