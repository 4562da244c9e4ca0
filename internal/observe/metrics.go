// Package observe provides application-wide observability primitives for
// awim: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served by
// [MetricsHandler]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all awim metrics.
const meterName = "github.com/MrWong99/awim"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// FrameDuration tracks the time from receiving a request to finishing
	// the reply, capture wait included. Attributes: mode.
	FrameDuration metric.Float64Histogram

	// FramesSent counts replies sent to peers. Attributes: mode.
	FramesSent metric.Int64Counter

	// BytesSent counts PCM bytes sent to peers. Attributes: mode.
	BytesSent metric.Int64Counter

	// ProbeTimeouts counts receive timeouts after streaming began.
	// Attributes: mode.
	ProbeTimeouts metric.Int64Counter

	// SessionStarts counts start attempts. Attributes: mode, outcome.
	SessionStarts metric.Int64Counter

	// SessionEnds counts finished sessions. Attributes: mode, reason.
	SessionEnds metric.Int64Counter

	// ActiveSessions tracks sessions currently serving.
	ActiveSessions metric.Int64UpDownCounter

	// ActivePeers tracks peers currently being streamed to.
	ActivePeers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks control API latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// frameBuckets covers capture waits from a few milliseconds up to the UDP
// receive timeout.
var frameBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FrameDuration, err = m.Float64Histogram("awim.frame.duration",
		metric.WithDescription("Time to capture and send one requested frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesSent, err = m.Int64Counter("awim.frames.sent",
		metric.WithDescription("Frames sent to peers by transport mode."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("awim.bytes.sent",
		metric.WithDescription("PCM bytes sent to peers by transport mode."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ProbeTimeouts, err = m.Int64Counter("awim.probe.timeouts",
		metric.WithDescription("Receive timeouts after streaming began."),
	); err != nil {
		return nil, err
	}
	if met.SessionStarts, err = m.Int64Counter("awim.session.starts",
		metric.WithDescription("Session start attempts by mode and outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionEnds, err = m.Int64Counter("awim.session.ends",
		metric.WithDescription("Finished sessions by mode and reason."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("awim.active_sessions",
		metric.WithDescription("Number of sessions currently serving."),
	); err != nil {
		return nil, err
	}
	if met.ActivePeers, err = m.Int64UpDownCounter("awim.active_peers",
		metric.WithDescription("Number of peers currently being streamed to."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("awim.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame records one completed exchange.
func (m *Metrics) RecordFrame(ctx context.Context, mode string, n int, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.FramesSent.Add(ctx, 1, attrs)
	m.BytesSent.Add(ctx, int64(n), attrs)
	m.FrameDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProbeTimeout records a receive timeout on an established stream.
func (m *Metrics) RecordProbeTimeout(ctx context.Context, mode string) {
	m.ProbeTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordSessionStart records a start attempt. outcome is one of "ok",
// "permission_denied", "bind_error" or "error".
func (m *Metrics) RecordSessionStart(ctx context.Context, mode, outcome string) {
	m.SessionStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordSessionEnd records a finished session. reason is one of "stopped",
// "peer_lost" or "error".
func (m *Metrics) RecordSessionEnd(ctx context.Context, mode, reason string) {
	m.SessionEnds.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("reason", reason),
		),
	)
}
