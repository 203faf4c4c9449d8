// Package observe provides application-wide observability primitives for the
// memory engine: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all memory engine
// metrics.
const meterName = "github.com/lucidgraph/memengine"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per write-pipeline stage ---

	// ExtractionDuration tracks fact-extraction model call latency.
	ExtractionDuration metric.Float64Histogram

	// JudgmentDuration tracks ADD/UPDATE/DELETE/NONE judgment latency,
	// including the nearest-candidate vector lookup.
	JudgmentDuration metric.Float64Histogram

	// ReconcileDuration tracks the time to apply one judgment's decisions
	// across the vector index, graph, and record store.
	ReconcileDuration metric.Float64Histogram

	// RetrievalDuration tracks end-to-end composeContext latency.
	RetrievalDuration metric.Float64Histogram

	// TaskDuration tracks total task-runtime processing time, from dequeue
	// to ack/nack. Use with attribute.String("kind", ...).
	TaskDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts model gateway calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// TasksProcessed counts completed tasks by kind and outcome. Use with
	// attributes: attribute.String("kind", ...), attribute.String("outcome", ...)
	// where outcome is one of "success", "retry", "dead_letter".
	TasksProcessed metric.Int64Counter

	// JudgmentOperations counts judgment decisions by event. Use with
	// attribute.String("event", ...) — one of ADD/UPDATE/DELETE/NONE.
	JudgmentOperations metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveWorkers tracks the number of currently running task-runtime
	// worker goroutines.
	ActiveWorkers metric.Int64UpDownCounter

	// QueueDepth tracks the approximate backlog of a task queue. Use with
	// attribute.String("queue", ...).
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for model-call and task-processing latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractionDuration, err = m.Float64Histogram("memengine.extraction.duration",
		metric.WithDescription("Latency of fact-extraction model calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JudgmentDuration, err = m.Float64Histogram("memengine.judgment.duration",
		metric.WithDescription("Latency of one judgment invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReconcileDuration, err = m.Float64Histogram("memengine.reconcile.duration",
		metric.WithDescription("Latency of applying one judgment's decisions across the three stores."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("memengine.retrieval.duration",
		metric.WithDescription("Latency of composing a retrieval context."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TaskDuration, err = m.Float64Histogram("memengine.task.duration",
		metric.WithDescription("Total task processing time, from dequeue to ack/nack."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("memengine.provider.requests",
		metric.WithDescription("Total model gateway requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.TasksProcessed, err = m.Int64Counter("memengine.task.processed",
		metric.WithDescription("Total tasks processed by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.JudgmentOperations, err = m.Int64Counter("memengine.judgment.operations",
		metric.WithDescription("Total judgment decisions by event (ADD/UPDATE/DELETE/NONE)."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("memengine.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveWorkers, err = m.Int64UpDownCounter("memengine.active_workers",
		metric.WithDescription("Number of currently running task worker goroutines."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("memengine.queue_depth",
		metric.WithDescription("Approximate backlog of a task queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("memengine.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordTaskProcessed is a convenience method that records a completed task
// counter increment with the standard attribute set.
func (m *Metrics) RecordTaskProcessed(ctx context.Context, kind, outcome string) {
	m.TasksProcessed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordJudgmentOperation is a convenience method that records a judgment
// decision counter increment.
func (m *Metrics) RecordJudgmentOperation(ctx context.Context, event string) {
	m.JudgmentOperations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
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
