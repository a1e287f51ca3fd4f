// Package observe provides observability primitives for auricle:
// OpenTelemetry metrics with a Prometheus exporter bridge so the standard
// /metrics endpoint keeps working, plus structured-logging helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all auricle metrics.
const meterName = "github.com/auricle-dev/auricle"

// Metrics holds all OpenTelemetry metric instruments for the audio
// front-end. All fields are safe for concurrent use; the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// FrameDuration tracks per-frame processing latency.
	FrameDuration metric.Float64Histogram

	// VADConfidence tracks the fused per-frame voice confidence.
	VADConfidence metric.Float64Histogram

	// --- Counters ---

	// FramesProcessed counts frames through the pipeline. Use with
	// attribute: attribute.String("mode", ...)
	FramesProcessed metric.Int64Counter

	// WakeEvents counts wake triggers.
	WakeEvents metric.Int64Counter

	// RecordingSessions counts utterance recording sessions.
	RecordingSessions metric.Int64Counter

	// VoiceSegments counts debounced speech segments on the capture path.
	VoiceSegments metric.Int64Counter

	// ChunksCaptured and BytesCaptured count assembled capture output.
	ChunksCaptured metric.Int64Counter
	BytesCaptured  metric.Int64Counter

	// ChunksDropped counts capture chunks shed under backpressure.
	ChunksDropped metric.Int64Counter

	// ChunksPlayed and BytesPlayed count playback output.
	ChunksPlayed metric.Int64Counter
	BytesPlayed  metric.Int64Counter

	// BufferUnderruns counts playback queue underruns.
	BufferUnderruns metric.Int64Counter

	// Interruptions counts barge-ins that discarded queued TTS.
	Interruptions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks open capture or playback sessions. Use with
	// attribute: attribute.String("path", "capture"|"playback")
	ActiveSessions metric.Int64UpDownCounter
}

// frameLatencyBuckets defines histogram bucket boundaries (in seconds) for
// per-frame processing; a 16 ms frame must be processed well inside its own
// duration.
var frameLatencyBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.05,
}

// confidenceBuckets covers the [0,1] confidence scale.
var confidenceBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FrameDuration, err = m.Float64Histogram("auricle.frame.duration",
		metric.WithDescription("Per-frame processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VADConfidence, err = m.Float64Histogram("auricle.vad.confidence",
		metric.WithDescription("Fused per-frame voice confidence."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("auricle.frames.processed",
		metric.WithDescription("Total frames through the pipeline by conversational mode."),
	); err != nil {
		return nil, err
	}
	if met.WakeEvents, err = m.Int64Counter("auricle.wake.events",
		metric.WithDescription("Total wake triggers."),
	); err != nil {
		return nil, err
	}
	if met.RecordingSessions, err = m.Int64Counter("auricle.recording.sessions",
		metric.WithDescription("Total utterance recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.VoiceSegments, err = m.Int64Counter("auricle.voice.segments",
		metric.WithDescription("Total debounced speech segments on the capture path."),
	); err != nil {
		return nil, err
	}
	if met.ChunksCaptured, err = m.Int64Counter("auricle.chunks.captured",
		metric.WithDescription("Total assembled capture chunks."),
	); err != nil {
		return nil, err
	}
	if met.BytesCaptured, err = m.Int64Counter("auricle.bytes.captured",
		metric.WithDescription("Total captured PCM bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("auricle.chunks.dropped",
		metric.WithDescription("Capture chunks shed under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ChunksPlayed, err = m.Int64Counter("auricle.chunks.played",
		metric.WithDescription("Total played TTS chunks."),
	); err != nil {
		return nil, err
	}
	if met.BytesPlayed, err = m.Int64Counter("auricle.bytes.played",
		metric.WithDescription("Total played PCM bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BufferUnderruns, err = m.Int64Counter("auricle.buffer.underruns",
		metric.WithDescription("Playback queue underruns."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("auricle.interruptions",
		metric.WithDescription("Barge-ins that discarded queued TTS."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("auricle.active_sessions",
		metric.WithDescription("Open capture or playback sessions by path."),
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

// RecordFrame records one processed frame: its latency, confidence and the
// mode counter.
func (m *Metrics) RecordFrame(ctx context.Context, mode string, seconds, confidence float64) {
	m.FrameDuration.Record(ctx, seconds)
	m.VADConfidence.Record(ctx, confidence)
	m.FramesProcessed.Add(ctx, 1, metric.WithAttributes(Attr("mode", mode)))
}

// RecordCapturedChunk records one assembled capture chunk.
func (m *Metrics) RecordCapturedChunk(ctx context.Context, bytes int) {
	m.ChunksCaptured.Add(ctx, 1)
	m.BytesCaptured.Add(ctx, int64(bytes))
}

// RecordPlayedChunk records one played TTS chunk.
func (m *Metrics) RecordPlayedChunk(ctx context.Context, bytes int) {
	m.ChunksPlayed.Add(ctx, 1)
	m.BytesPlayed.Add(ctx, int64(bytes))
}

// SessionOpened and SessionClosed move the per-path session gauge.
func (m *Metrics) SessionOpened(ctx context.Context, path string) {
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(Attr("path", path)))
}

func (m *Metrics) SessionClosed(ctx context.Context, path string) {
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(Attr("path", path)))
}
