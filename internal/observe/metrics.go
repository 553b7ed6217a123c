// Package observe provides application-wide observability primitives for
// Cantara: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks pipeline stage latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CacheHits counts artifact cache hits. Use with attributes:
	//   attribute.String("class", ...), attribute.String("tier", ...)
	CacheHits metric.Int64Counter

	// CacheMisses counts artifact cache misses. Use with attribute:
	//   attribute.String("class", ...)
	CacheMisses metric.Int64Counter

	// TasksProcessed counts worker tasks by queue and outcome. Use with attributes:
	//   attribute.String("queue", ...), attribute.String("status", ...)
	TasksProcessed metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live karaoke sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveStreams tracks the number of open event-stream connections.
	ActiveStreams metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Pipeline
// stages range from sub-second cache probes to multi-minute GPU jobs.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("cantara.pipeline.stage.duration",
		metric.WithDescription("Latency of analysis pipeline stages."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("cantara.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("cantara.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("cantara.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("cantara.cache.hits",
		metric.WithDescription("Artifact cache hits by class and tier."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("cantara.cache.misses",
		metric.WithDescription("Artifact cache misses by class."),
	); err != nil {
		return nil, err
	}
	if met.TasksProcessed, err = m.Int64Counter("cantara.worker.tasks",
		metric.WithDescription("Worker tasks processed by queue and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("cantara.active_sessions",
		metric.WithDescription("Number of live karaoke sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("cantara.active_streams",
		metric.WithDescription("Number of open event-stream connections."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records one pipeline stage execution.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheHit records an artifact cache hit on the given tier
// ("hot" or "cold" or "blob").
func (m *Metrics) RecordCacheHit(ctx context.Context, class, tier string) {
	m.CacheHits.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("class", class),
			attribute.String("tier", tier),
		),
	)
}

// RecordCacheMiss records an artifact cache miss.
func (m *Metrics) RecordCacheMiss(ctx context.Context, class string) {
	m.CacheMisses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("class", class)),
	)
}

// RecordTask records one worker task completion.
func (m *Metrics) RecordTask(ctx context.Context, queue, status string) {
	m.TasksProcessed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("status", status),
		),
	)
}
