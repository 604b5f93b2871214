package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attribute keys describing what a duplex process can serve.
const (
	KeyProviders   = attribute.Key("duplex.providers")
	KeyModes       = attribute.Key("duplex.modes")
	KeyDefaultMode = attribute.Key("duplex.default_mode")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "duplex".
	ServiceName    string
	ServiceVersion string

	// Providers lists the realtime transports this process has credentials
	// for. Modes and DefaultMode describe the loaded persona catalog. All
	// three end up on the resource so a dashboard can tell deployments apart.
	Providers   []string
	Modes       []string
	DefaultMode string

	// Registerer receives the Prometheus collector. Nil means
	// [prometheus.DefaultRegisterer], which /metrics serves.
	Registerer prometheus.Registerer

	// TraceExporter is optional. Without one, spans are still recorded so
	// trace IDs reach the logs, but nothing is exported.
	TraceExporter sdktrace.SpanExporter
}

// Resource builds the OTel resource for cfg.
func (cfg ProviderConfig) Resource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.serviceName()),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if len(cfg.Providers) > 0 {
		attrs = append(attrs, KeyProviders.StringSlice(cfg.Providers))
	}
	if len(cfg.Modes) > 0 {
		attrs = append(attrs, KeyModes.StringSlice(cfg.Modes))
	}
	if cfg.DefaultMode != "" {
		attrs = append(attrs, KeyDefaultMode.String(cfg.DefaultMode))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

func (cfg ProviderConfig) serviceName() string {
	if cfg.ServiceName == "" {
		return "duplex"
	}
	return cfg.ServiceName
}

// InitProvider installs the global meter provider (exported through
// Prometheus), the global tracer provider, and the W3C trace-context
// propagator. The returned shutdown flushes both providers; call it from
// main.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := cfg.Resource()
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var expOpts []promexporter.Option
	if cfg.Registerer != nil {
		expOpts = append(expOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(expOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		// Spans first: a batch in flight may still be counted in metrics.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
