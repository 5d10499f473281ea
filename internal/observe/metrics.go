// Package observe provides application-wide observability primitives for
// Tandem: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Tandem metrics.
const meterName = "github.com/tandemvox/tandem"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranslateDuration tracks translation service round-trip latency.
	TranslateDuration metric.Float64Histogram

	// ConnectDuration tracks time from a connect request to an open live
	// session.
	ConnectDuration metric.Float64Histogram

	// PlaybackStartLag tracks how far ahead of the output clock a buffer is
	// scheduled when it is enqueued. Zero means the schedule has drained and
	// the buffer plays immediately; growth means enqueues are outpacing
	// playback.
	PlaybackStartLag metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts microphone frames forwarded to the live session.
	CaptureFrames metric.Int64Counter

	// AudioBytes counts raw PCM bytes moved through the client. Use with
	// attribute:
	//   attribute.String("direction", "in"|"out")
	AudioBytes metric.Int64Counter

	// BuffersScheduled counts audio buffers accepted by the playback engine.
	BuffersScheduled metric.Int64Counter

	// EventsReduced counts session events folded into the chat history. Use
	// with attribute:
	//   attribute.String("type", ...)
	EventsReduced metric.Int64Counter

	// --- Error counters ---

	// DroppedFrames counts inbound frames discarded before reaching the
	// history. Use with attribute:
	//   attribute.String("reason", "malformed"|"invalid"|"closed")
	DroppedFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live practice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranslateDuration, err = m.Float64Histogram("tandem.translate.duration",
		metric.WithDescription("Latency of translation service round trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("tandem.connect.duration",
		metric.WithDescription("Time from a connect request to an open live session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackStartLag, err = m.Float64Histogram("tandem.playback.start_lag",
		metric.WithDescription("Enqueue-to-start lag of playback buffers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("tandem.capture.frames",
		metric.WithDescription("Total microphone frames forwarded to the live session."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("tandem.audio.bytes",
		metric.WithDescription("Total raw PCM bytes moved, by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BuffersScheduled, err = m.Int64Counter("tandem.playback.buffers",
		metric.WithDescription("Total buffers accepted by the playback engine."),
	); err != nil {
		return nil, err
	}
	if met.EventsReduced, err = m.Int64Counter("tandem.session.events",
		metric.WithDescription("Total session events folded into the chat history, by type."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DroppedFrames, err = m.Int64Counter("tandem.session.dropped_frames",
		metric.WithDescription("Total inbound frames discarded, by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("tandem.active_sessions",
		metric.WithDescription("Number of live practice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tandem.http.request.duration",
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
			panic("observe: creating default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordEventReduced is a convenience method that records a reduced session
// event counter increment with the standard attribute set.
func (m *Metrics) RecordEventReduced(ctx context.Context, eventType string) {
	m.EventsReduced.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordDroppedFrame is a convenience method that records a dropped inbound
// frame counter increment.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordAudioBytes is a convenience method that records moved PCM bytes by
// direction.
func (m *Metrics) RecordAudioBytes(ctx context.Context, direction string, n int64) {
	m.AudioBytes.Add(ctx, n,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}
