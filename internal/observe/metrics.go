// Package observe provides application-wide observability primitives for
// dictado: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the metrics listener.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all dictado metrics.
const meterName = "github.com/MrWong99/dictado"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture & classification ---

	// FramesProcessed counts frames that went through classification. Use
	// with attribute: attribute.String("strategy", ...)
	FramesProcessed metric.Int64Counter

	// SpeechFrames counts frames classified as speech.
	SpeechFrames metric.Int64Counter

	// ClassificationErrors counts frames that could not be classified and
	// were treated as silence.
	ClassificationErrors metric.Int64Counter

	// OverflowSignals counts overflow signals by reason. Use with attributes:
	//   attribute.String("reason", ...), attribute.String("policy", ...)
	OverflowSignals metric.Int64Counter

	// DroppedFrames counts frames lost between capture and the consumer.
	DroppedFrames metric.Int64Counter

	// BufferEvicted counts samples that left the raw retention buffer
	// because it was full.
	BufferEvicted metric.Int64Counter

	// --- Segments ---

	// SegmentsEmitted counts segments forwarded to the transcription
	// collaborator.
	SegmentsEmitted metric.Int64Counter

	// SegmentsDiscarded counts segments dropped before forwarding. Use with
	// attribute: attribute.String("reason", "too_short"|"empty"|"overflow")
	SegmentsDiscarded metric.Int64Counter

	// SegmentsClipped counts utterances that outgrew the retention buffer
	// and lost their beginning.
	SegmentsClipped metric.Int64Counter

	// SegmentDuration tracks the duration of forwarded segments.
	SegmentDuration metric.Float64Histogram

	// --- Transcription ---

	// TranscriptionDuration tracks transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// TranscriptionErrors counts failed transcriptions. Use with attribute:
	//   attribute.String("provider", ...)
	TranscriptionErrors metric.Int64Counter

	// --- Gauges ---

	// BufferSamples tracks the number of samples held by the raw retention
	// buffer.
	BufferSamples metric.Int64Gauge

	// ActiveSessions tracks the number of live recording sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks metrics listener request time by method,
	// route (see [Route]) and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcription latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// segmentBuckets defines histogram bucket boundaries (in seconds) for speech
// segment durations.
var segmentBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 13, 21, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("dictado.frames.processed",
		metric.WithDescription("Total frames classified by strategy."),
	); err != nil {
		return nil, err
	}
	if met.SpeechFrames, err = m.Int64Counter("dictado.frames.speech",
		metric.WithDescription("Total frames classified as speech."),
	); err != nil {
		return nil, err
	}
	if met.ClassificationErrors, err = m.Int64Counter("dictado.classification.errors",
		metric.WithDescription("Total frames that failed classification and counted as silence."),
	); err != nil {
		return nil, err
	}
	if met.OverflowSignals, err = m.Int64Counter("dictado.overflow.signals",
		metric.WithDescription("Total overflow signals by reason and policy."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("dictado.frames.dropped",
		metric.WithDescription("Total frames lost between capture and consumer."),
	); err != nil {
		return nil, err
	}
	if met.BufferEvicted, err = m.Int64Counter("dictado.buffer.evicted",
		metric.WithDescription("Total samples evicted from the full retention buffer."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsClipped, err = m.Int64Counter("dictado.segments.clipped",
		metric.WithDescription("Total segments whose start was evicted from the retention buffer."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("dictado.segments.emitted",
		metric.WithDescription("Total speech segments forwarded for transcription."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("dictado.segments.discarded",
		metric.WithDescription("Total speech segments discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionErrors, err = m.Int64Counter("dictado.transcription.errors",
		metric.WithDescription("Total failed transcriptions by provider."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SegmentDuration, err = m.Float64Histogram("dictado.segment.duration",
		metric.WithDescription("Duration of forwarded speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("dictado.transcription.duration",
		metric.WithDescription("Latency of segment transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("dictado.http.request.duration",
		metric.WithDescription("Metrics listener request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.BufferSamples, err = m.Int64Gauge("dictado.buffer.samples",
		metric.WithDescription("Samples held by the raw retention buffer."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("dictado.active_sessions",
		metric.WithDescription("Number of live recording sessions."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// RecordFrame records one classified frame.
func (m *Metrics) RecordFrame(ctx context.Context, strategy string, speech bool) {
	attrs := metric.WithAttributes(attribute.String("strategy", strategy))
	m.FramesProcessed.Add(ctx, 1, attrs)
	if speech {
		m.SpeechFrames.Add(ctx, 1, attrs)
	}
}

// RecordOverflow records an overflow signal and the frames it reports lost.
func (m *Metrics) RecordOverflow(ctx context.Context, reason, policy string, dropped int) {
	m.OverflowSignals.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.String("policy", policy),
		),
	)
	if dropped > 0 && reason == "queue_full" {
		m.DroppedFrames.Add(ctx, int64(dropped))
	}
}

// RecordSegment records a forwarded segment and its duration in seconds.
func (m *Metrics) RecordSegment(ctx context.Context, seconds float64) {
	m.SegmentsEmitted.Add(ctx, 1)
	m.SegmentDuration.Record(ctx, seconds)
}

// RecordDiscard records a discarded segment.
func (m *Metrics) RecordDiscard(ctx context.Context, reason string) {
	m.SegmentsDiscarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscriptionError records a failed transcription.
func (m *Metrics) RecordTranscriptionError(ctx context.Context, provider string) {
	m.TranscriptionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
