// Package observe provides application-wide observability primitives for
// voxlink: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Frame directions and drop reasons used as attribute values on
// [Metrics.FramesDropped].
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"

	ReasonEncode   = "encode"
	ReasonDecode   = "decode"
	ReasonSchedule = "schedule"
	ReasonStopped  = "stopped"
	ReasonNotOpen  = "not_open"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Frame counters ---

	// FramesSent counts capture frames handed to the remote channel.
	FramesSent metric.Int64Counter

	// FramesReceived counts inbound frames scheduled for playback.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded on either path. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// Interruptions counts barge-in events acted upon.
	Interruptions metric.Int64Counter

	// TransportErrors counts session-fatal transport failures. Use with
	// attribute:
	//   attribute.String("stage", "connect"|"send"|"remote")
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions between Connecting and a
	// terminal state.
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackPending tracks scheduled buffers that have not finished.
	PlaybackPending metric.Int64UpDownCounter

	// --- Histograms ---

	// ConnectDuration tracks time spent in Connecting until the channel is
	// open.
	ConnectDuration metric.Float64Histogram

	// CaptureVolume records the RMS volume of every captured frame.
	CaptureVolume metric.Float64Histogram

	// PlaybackLead records how far ahead of the device clock each inbound
	// frame was scheduled, in seconds. Zero means the queue had run dry.
	PlaybackLead metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// connection setup and playback queue depth.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var volumeBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.7, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("voxlink.frames.sent",
		metric.WithDescription("Capture frames sent to the remote channel."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("voxlink.frames.received",
		metric.WithDescription("Inbound frames scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxlink.frames.dropped",
		metric.WithDescription("Frames dropped by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxlink.interruptions",
		metric.WithDescription("Barge-in interruptions applied to playback."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voxlink.transport.errors",
		metric.WithDescription("Session-fatal transport errors by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of live audio sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackPending, err = m.Int64UpDownCounter("voxlink.playback.pending",
		metric.WithDescription("Scheduled playback buffers not yet finished."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voxlink.session.connect.duration",
		metric.WithDescription("Time from Start until the remote channel is open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureVolume, err = m.Float64Histogram("voxlink.capture.volume",
		metric.WithDescription("RMS volume of captured frames."),
		metric.WithExplicitBucketBoundaries(volumeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("voxlink.playback.lead",
		metric.WithDescription("Scheduled start minus device clock for inbound frames."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
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

// RecordDrop records one dropped frame with the standard attribute set.
func (m *Metrics) RecordDrop(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordTransportError records one session-fatal transport failure.
func (m *Metrics) RecordTransportError(ctx context.Context, stage string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
