// Package observe provides application-wide observability primitives for
// the ingestion service: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider]; it registers with the
// default Prometheus registry and does not itself serve an HTTP endpoint.
// A package-level default
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

// meterName is the instrumentation scope name used for all ingestd metrics.
const meterName = "github.com/glyphoxa/ingestd"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage (spec §4) ---

	// ASRDuration tracks ASR transcription latency.
	ASRDuration metric.Float64Histogram

	// EnrichmentDuration tracks a single enrichment LLM call's latency
	// (per attempt, not the cumulative retry duration).
	EnrichmentDuration metric.Float64Histogram

	// FilterDuration tracks FilterChain gate evaluation latency.
	FilterDuration metric.Float64Histogram

	// PersistenceDuration tracks the transactional persistence write.
	PersistenceDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// SegmentsIngested counts ingress payloads by terminal outcome. Use with attribute:
	//   attribute.String("outcome", ...) // "transcription", "filtered", "error"
	SegmentsIngested metric.Int64Counter

	// FilterRejections counts FilterChain rejections by stage and reason. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("reason", ...)
	FilterRejections metric.Int64Counter

	// EnrichmentAttempts counts enrichment attempts by outcome. Use with attribute:
	//   attribute.String("status", ...) // "success", "retry", "exhausted"
	EnrichmentAttempts metric.Int64Counter

	// RetentionDeletions counts rows removed by RetentionJob. Use with attribute:
	//   attribute.String("table", ...)
	RetentionDeletions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// IntegrityDivergences counts hash-chain verification failures detected
	// via the audit trail endpoint. Use with attribute:
	//   attribute.String("segment_id", ...)
	IntegrityDivergences metric.Int64Counter

	// --- Gauges ---

	// ActiveIngestions tracks the number of payloads currently progressing
	// through the pipeline (between ingest_received and a terminal result).
	ActiveIngestions metric.Int64UpDownCounter

	// PendingUploads tracks the number of PendingUpload rows on the client
	// queue awaiting a successful or exhausted upload.
	PendingUploads metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for the ingestion pipeline's mix of fast filter gates and slow ASR/LLM
// calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("ingestd.asr.duration",
		metric.WithDescription("Latency of ASR transcription calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EnrichmentDuration, err = m.Float64Histogram("ingestd.enrichment.duration",
		metric.WithDescription("Latency of a single enrichment LLM attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FilterDuration, err = m.Float64Histogram("ingestd.filter.duration",
		metric.WithDescription("Latency of FilterChain gate evaluation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistenceDuration, err = m.Float64Histogram("ingestd.persistence.duration",
		metric.WithDescription("Latency of the transactional persistence write."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("ingestd.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsIngested, err = m.Int64Counter("ingestd.segments.ingested",
		metric.WithDescription("Total ingress payloads by terminal outcome."),
	); err != nil {
		return nil, err
	}
	if met.FilterRejections, err = m.Int64Counter("ingestd.filter.rejections",
		metric.WithDescription("Total FilterChain rejections by stage and reason."),
	); err != nil {
		return nil, err
	}
	if met.EnrichmentAttempts, err = m.Int64Counter("ingestd.enrichment.attempts",
		metric.WithDescription("Total enrichment attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RetentionDeletions, err = m.Int64Counter("ingestd.retention.deletions",
		metric.WithDescription("Total rows removed by the retention job, by table."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("ingestd.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.IntegrityDivergences, err = m.Int64Counter("ingestd.integrity.divergences",
		metric.WithDescription("Total hash-chain verification failures detected on the audit trail."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveIngestions, err = m.Int64UpDownCounter("ingestd.active_ingestions",
		metric.WithDescription("Number of payloads currently in flight through the pipeline."),
	); err != nil {
		return nil, err
	}
	if met.PendingUploads, err = m.Int64UpDownCounter("ingestd.pending_uploads",
		metric.WithDescription("Number of PendingUpload rows on the client queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ingestd.http.request.duration",
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

// RecordSegmentOutcome is a convenience method that records a terminal
// ingress outcome (spec §6: "received" is non-terminal and not counted here).
func (m *Metrics) RecordSegmentOutcome(ctx context.Context, outcome string) {
	if outcome == "received" {
		return
	}
	m.SegmentsIngested.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordFilterRejection is a convenience method that records a FilterChain
// rejection by stage and reason.
func (m *Metrics) RecordFilterRejection(ctx context.Context, stage, reason string) {
	m.FilterRejections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("reason", reason),
		),
	)
}

// RecordEnrichmentAttempt is a convenience method that records an
// enrichment attempt outcome ("success", "retry", or "exhausted").
func (m *Metrics) RecordEnrichmentAttempt(ctx context.Context, status string) {
	m.EnrichmentAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
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

// RecordRetentionDeletion is a convenience method that records rows removed
// by the retention job for a given table.
func (m *Metrics) RecordRetentionDeletion(ctx context.Context, table string, count int64) {
	m.RetentionDeletions.Add(ctx, count,
		metric.WithAttributes(attribute.String("table", table)),
	)
}
