// Package observe provides application-wide observability primitives for
// caredial: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all caredial metrics.
const meterName = "github.com/caredial/caredial"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Media counters ---

	// InboundFrames counts audio frames received from the phone line.
	InboundFrames metric.Int64Counter

	// OutboundFrames counts audio frames paced out to the phone line.
	OutboundFrames metric.Int64Counter

	// InboundBytes counts inbound audio payload bytes.
	InboundBytes metric.Int64Counter

	// OutboundBytes counts outbound audio payload bytes.
	OutboundBytes metric.Int64Counter

	// DroppedFrames counts outbound frames evicted by queue overflow.
	DroppedFrames metric.Int64Counter

	// MalformedFrames counts inbound payloads rejected for wrong size.
	MalformedFrames metric.Int64Counter

	// --- Commit pipeline ---

	// Commits counts commits flushed to the speech engine. Use with attribute:
	//   attribute.String("reason", ...)
	Commits metric.Int64Counter

	// CommitErrors counts commit attempts the speech engine rejected after
	// the bounded retry was exhausted.
	CommitErrors metric.Int64Counter

	// CommitDuration tracks the buffered audio duration of each commit.
	CommitDuration metric.Float64Histogram

	// BargeIns counts caller interruptions of agent playback.
	BargeIns metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live bridge sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// commitBuckets defines histogram bucket boundaries (in seconds) spanning the
// configured minimum-to-maximum buffer duration range of the commit
// controller.
var commitBuckets = []float64{
	0.1, 0.2, 0.4, 0.8, 1.5, 3, 6, 12,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Media counters.
	if met.InboundFrames, err = m.Int64Counter("caredial.media.inbound.frames",
		metric.WithDescription("Audio frames received from the phone line."),
	); err != nil {
		return nil, err
	}
	if met.OutboundFrames, err = m.Int64Counter("caredial.media.outbound.frames",
		metric.WithDescription("Audio frames paced out to the phone line."),
	); err != nil {
		return nil, err
	}
	if met.InboundBytes, err = m.Int64Counter("caredial.media.inbound.bytes",
		metric.WithDescription("Inbound audio payload bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.OutboundBytes, err = m.Int64Counter("caredial.media.outbound.bytes",
		metric.WithDescription("Outbound audio payload bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("caredial.media.outbound.dropped",
		metric.WithDescription("Outbound frames evicted by queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.MalformedFrames, err = m.Int64Counter("caredial.media.inbound.malformed",
		metric.WithDescription("Inbound payloads rejected for wrong frame size."),
	); err != nil {
		return nil, err
	}

	// Commit pipeline.
	if met.Commits, err = m.Int64Counter("caredial.commit.total",
		metric.WithDescription("Commits flushed to the speech engine by reason."),
	); err != nil {
		return nil, err
	}
	if met.CommitErrors, err = m.Int64Counter("caredial.commit.errors",
		metric.WithDescription("Commit attempts rejected after retry exhaustion."),
	); err != nil {
		return nil, err
	}
	if met.CommitDuration, err = m.Float64Histogram("caredial.commit.duration",
		metric.WithDescription("Buffered audio duration per commit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(commitBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("caredial.bargein.total",
		metric.WithDescription("Caller interruptions of agent playback."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("caredial.active_calls",
		metric.WithDescription("Number of live bridge sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("caredial.http.request.duration",
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
