// Package observe provides application-wide observability primitives for
// Calm Recall: OpenTelemetry metrics, distributed tracing, structured
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

// meterName is the instrumentation scope name used for all Calm Recall
// metrics.
const meterName = "github.com/calm-recall/calmrecall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// PlaybackDuration tracks how long response audio played, from start to
	// natural end or stop.
	PlaybackDuration metric.Float64Histogram

	// TranscriptionDuration tracks speech-to-text latency for recorded
	// answers. Use with attribute.String("provider", ...).
	TranscriptionDuration metric.Float64Histogram

	// BatchDelay tracks the time between a phrase passing the debounce gate
	// and its batch window firing.
	BatchDelay metric.Float64Histogram

	// --- Counters ---

	// Detections counts accepted question matches. Use with
	// attribute.String("question_id", ...).
	Detections metric.Int64Counter

	// Suppressions counts phrases dropped before matching. Use with
	// attribute.String("reason", ...) — one of "sanitizer", "debounce",
	// "locked", "no_match".
	Suppressions metric.Int64Counter

	// WatchdogResets counts full pipeline resets triggered by staleness.
	WatchdogResets metric.Int64Counter

	// RecognitionRestarts counts listening-source restarts by cause. Use
	// with attribute.String("cause", ...).
	RecognitionRestarts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts transcription provider errors. Use with
	// attribute.String("provider", ...).
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveListeners tracks the number of connected listening sessions.
	ActiveListeners metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech and playback latencies.
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
	if met.PlaybackDuration, err = m.Float64Histogram("calmrecall.playback.duration",
		metric.WithDescription("Duration of response audio playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("calmrecall.transcription.duration",
		metric.WithDescription("Latency of answer transcription by provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BatchDelay, err = m.Float64Histogram("calmrecall.batch.delay",
		metric.WithDescription("Time from debounce acceptance to batch-window fire."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Detections, err = m.Int64Counter("calmrecall.detections",
		metric.WithDescription("Total accepted question matches by question ID."),
	); err != nil {
		return nil, err
	}
	if met.Suppressions, err = m.Int64Counter("calmrecall.suppressions",
		metric.WithDescription("Total phrases dropped before matching, by reason."),
	); err != nil {
		return nil, err
	}
	if met.WatchdogResets, err = m.Int64Counter("calmrecall.watchdog.resets",
		metric.WithDescription("Total full pipeline resets triggered by staleness."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionRestarts, err = m.Int64Counter("calmrecall.recognition.restarts",
		metric.WithDescription("Total listening-source restarts by cause."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("calmrecall.provider.errors",
		metric.WithDescription("Total transcription provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveListeners, err = m.Int64UpDownCounter("calmrecall.active_listeners",
		metric.WithDescription("Number of connected listening sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("calmrecall.http.request.duration",
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

// RecordDetection records one accepted match for the given question.
func (m *Metrics) RecordDetection(ctx context.Context, questionID string) {
	m.Detections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("question_id", questionID)),
	)
}

// RecordSuppression records one dropped phrase with its reason.
func (m *Metrics) RecordSuppression(ctx context.Context, reason string) {
	m.Suppressions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscription records one answer transcription with its latency and
// outcome.
func (m *Metrics) RecordTranscription(ctx context.Context, provider string, seconds float64, err error) {
	m.TranscriptionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
	if err != nil {
		m.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("provider", provider)),
		)
	}
}

// RecordRecognitionRestart records one listening-source restart.
func (m *Metrics) RecordRecognitionRestart(ctx context.Context, cause string) {
	m.RecognitionRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}
