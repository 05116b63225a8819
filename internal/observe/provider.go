package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attribute keys describing how the assistant is configured.
const (
	AttrDefaultPersona = attribute.Key("decisions.default_persona")
	AttrDryRun         = attribute.Key("decisions.dry_run")
)

// ProviderConfig configures the global meter and tracer providers.
type ProviderConfig struct {
	// ServiceName defaults to "decisions".
	ServiceName    string
	ServiceVersion string

	// DefaultPersona and DryRun are reported as resource attributes so
	// dashboards can tell assistant setups apart.
	DefaultPersona string
	DryRun         bool

	// Registerer receives the Prometheus collector. Defaults to
	// prometheus.DefaultRegisterer, which /metrics serves.
	Registerer prometheus.Registerer

	// TraceExporter receives finished spans. When nil spans are sampled for
	// log correlation but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry holds the providers installed by InitProvider.
type Telemetry struct {
	Resource       *resource.Resource
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.MeterProvider.Shutdown(ctx), t.TracerProvider.Shutdown(ctx))
}

// InitProvider builds the providers described by cfg and registers them as
// the OTel globals. Metrics are exported through a Prometheus collector.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}

	t := &Telemetry{
		Resource:       res,
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)),
		TracerProvider: sdktrace.NewTracerProvider(tpOpts...),
	}
	otel.SetMeterProvider(t.MeterProvider)
	otel.SetTracerProvider(t.TracerProvider)
	return t, nil
}

func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "decisions"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		AttrDryRun.Bool(cfg.DryRun),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.DefaultPersona != "" {
		attrs = append(attrs, AttrDefaultPersona.String(cfg.DefaultPersona))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}
