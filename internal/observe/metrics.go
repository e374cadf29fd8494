// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the telemetry listener.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Turn lifecycle ---

	// TurnDuration tracks time from sending a turn trigger to its terminal
	// event. Use with attribute.String("status", ...).
	TurnDuration metric.Float64Histogram

	// FirstResponseLatency tracks time from the turn trigger to the first
	// delta of the reply.
	FirstResponseLatency metric.Float64Histogram

	// Turns counts terminal turn events by status.
	Turns metric.Int64Counter

	// TurnRetries counts re-prompts after failed turns.
	TurnRetries metric.Int64Counter

	// --- Wire ---

	// InboundEvents counts decoded server events. Use with
	// attribute.String("kind", ...).
	InboundEvents metric.Int64Counter

	// MalformedEvents counts server messages that could not be decoded.
	MalformedEvents metric.Int64Counter

	// AudioDecodeErrors counts audio deltas that were empty or undecodable.
	AudioDecodeErrors metric.Int64Counter

	// OutboundMessages counts client events sent. Use with
	// attribute.String("type", ...).
	OutboundMessages metric.Int64Counter

	// --- Capture ---

	// Utterances counts user inputs sent. Use with attribute.String("kind", ...).
	Utterances metric.Int64Counter

	// CaptureErrors counts failed capture attempts.
	CaptureErrors metric.Int64Counter

	// --- Playback ---

	// PlaybackWrites counts device writes. Use with
	// attribute.String("reason", ...) (threshold, max_wait, flush, shutdown).
	PlaybackWrites metric.Int64Counter

	// PlaybackBytes counts bytes written to the output device.
	PlaybackBytes metric.Int64Counter

	// PlaybackErrors counts failed device writes.
	PlaybackErrors metric.Int64Counter

	// --- Connection ---

	// Reconnects counts reconnection attempts. Use with
	// attribute.String("status", ...).
	Reconnects metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational turn latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("Time from turn trigger to terminal turn event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstResponseLatency, err = m.Float64Histogram("parley.turn.first_response",
		metric.WithDescription("Time from turn trigger to the first reply fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Turns, "parley.turns", "Terminal turn events by status."},
		{&met.TurnRetries, "parley.turn.retries", "Re-prompts issued after failed turns."},
		{&met.InboundEvents, "parley.events.inbound", "Decoded server events by kind."},
		{&met.MalformedEvents, "parley.events.malformed", "Server messages that could not be decoded."},
		{&met.AudioDecodeErrors, "parley.audio.decode_errors", "Audio deltas that were empty or undecodable."},
		{&met.OutboundMessages, "parley.events.outbound", "Client events sent by type."},
		{&met.Utterances, "parley.capture.inputs", "User inputs sent by kind."},
		{&met.CaptureErrors, "parley.capture.errors", "Failed capture attempts."},
		{&met.PlaybackWrites, "parley.playback.writes", "Output device writes by reason."},
		{&met.PlaybackBytes, "parley.playback.bytes", "Bytes written to the output device."},
		{&met.PlaybackErrors, "parley.playback.errors", "Failed output device writes."},
		{&met.Reconnects, "parley.reconnects", "Reconnection attempts by status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordTurn records a terminal turn event and, when start is non-zero, its
// duration.
func (m *Metrics) RecordTurn(ctx context.Context, status string, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Turns.Add(ctx, 1, attrs)
	if !start.IsZero() {
		m.TurnDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// RecordInboundEvent counts a decoded server event.
func (m *Metrics) RecordInboundEvent(ctx context.Context, kind string) {
	m.InboundEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordOutbound counts a sent client event.
func (m *Metrics) RecordOutbound(ctx context.Context, eventType string) {
	m.OutboundMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordPlaybackWrite counts one device write of n bytes.
func (m *Metrics) RecordPlaybackWrite(ctx context.Context, reason string, n int, err error) {
	if err != nil {
		m.PlaybackErrors.Add(ctx, 1)
		return
	}
	m.PlaybackWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.PlaybackBytes.Add(ctx, int64(n))
}

// RecordReconnect counts a reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
