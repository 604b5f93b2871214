// Package observe provides application-wide observability primitives for
// duplex: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all duplex metrics.
const meterName = "github.com/MrWong99/duplex"

// Session start outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeNotReady = "audio_not_ready"
	OutcomeBusy     = "already_active"
	OutcomeDevice   = "device_error"
	OutcomeConnect  = "connect_error"
	OutcomeStopped  = "stopped"
)

// Barge-in causes.
const (
	CauseUser      = "user"
	CauseVoice     = "voice"
	CauseTransport = "transport"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of sessions past Connecting.
	ActiveSessions metric.Int64UpDownCounter

	// SessionStarts counts Start attempts. Use with attribute:
	//   attribute.String("outcome", ...)
	SessionStarts metric.Int64Counter

	// ConnectDuration tracks the time from Start until the transport
	// reports connected.
	ConnectDuration metric.Float64Histogram

	// --- Conversation ---

	// TurnsFinalized counts turn-complete events that emitted messages.
	TurnsFinalized metric.Int64Counter

	// Messages counts finalized messages. Use with attribute:
	//   attribute.String("role", ...)
	Messages metric.Int64Counter

	// BargeIns counts playback cancellations. Use with attribute:
	//   attribute.String("cause", ...)
	BargeIns metric.Int64Counter

	// --- Audio ---

	// FramesSent counts capture frames delivered to a transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames produced while no transport was
	// attached.
	FramesDropped metric.Int64Counter

	// DecodeErrors counts playback chunks that could not be decoded. Use with
	// attribute:
	//   attribute.String("encoding", ...)
	DecodeErrors metric.Int64Counter

	// PlaybackScheduled sums the seconds of speech scheduled for playback.
	PlaybackScheduled metric.Float64Counter

	// --- Transport ---

	// TransportErrors counts transport failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...)
	TransportErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Clients ---

	// ActiveClients tracks connected conversation clients. Use with
	// attribute:
	//   attribute.String("client", ...)
	ActiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, WebSocket
	// upgrades excluded. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("duplex.sessions.active",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionStarts, err = m.Int64Counter("duplex.session.starts",
		metric.WithDescription("Session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("duplex.session.connect.duration",
		metric.WithDescription("Time from start until the transport is connected."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TurnsFinalized, err = m.Int64Counter("duplex.turns.finalized",
		metric.WithDescription("Conversation turns finalized with at least one message."),
	); err != nil {
		return nil, err
	}
	if met.Messages, err = m.Int64Counter("duplex.messages",
		metric.WithDescription("Finalized conversation messages by role."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("duplex.barge_ins",
		metric.WithDescription("Playback cancellations by cause."),
	); err != nil {
		return nil, err
	}

	if met.FramesSent, err = m.Int64Counter("duplex.capture.frames.sent",
		metric.WithDescription("Capture frames delivered to a transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("duplex.capture.frames.dropped",
		metric.WithDescription("Capture frames dropped while not connected."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("duplex.playback.decode_errors",
		metric.WithDescription("Playback chunks dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduled, err = m.Float64Counter("duplex.playback.scheduled",
		metric.WithDescription("Seconds of speech scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.TransportErrors, err = m.Int64Counter("duplex.transport.errors",
		metric.WithDescription("Transport failures by provider and operation."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("duplex.transport.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider and new state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveClients, err = m.Int64UpDownCounter("duplex.clients.active",
		metric.WithDescription("Connected conversation clients by kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("duplex.http.request.duration",
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

// RecordSessionStart records one Start attempt with its outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, outcome string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBargeIn records one playback cancellation.
func (m *Metrics) RecordBargeIn(ctx context.Context, cause string) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// RecordMessage records one finalized message.
func (m *Metrics) RecordMessage(ctx context.Context, role string) {
	m.Messages.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordDecodeError records one dropped playback chunk.
func (m *Metrics) RecordDecodeError(ctx context.Context, encoding string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("encoding", encoding)))
}

// RecordTransportError records a transport failure.
func (m *Metrics) RecordTransportError(ctx context.Context, provider, op string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("op", op),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}

// ClientConnected adjusts the connected-client gauge for kind by delta.
func (m *Metrics) ClientConnected(ctx context.Context, kind string, delta int64) {
	m.ActiveClients.Add(ctx, delta, metric.WithAttributes(attribute.String("client", kind)))
}
