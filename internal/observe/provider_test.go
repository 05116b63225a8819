package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestInitProvider(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	spans := tracetest.NewInMemoryExporter()
	tel, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "1.2.3",
		DefaultPersona: "scarlett",
		DryRun:         true,
		Registerer:     reg,
		TraceExporter:  spans,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	want := map[attribute.Key]string{
		semconv.ServiceNameKey:    "decisions",
		semconv.ServiceVersionKey: "1.2.3",
		AttrDefaultPersona:        "scarlett",
		AttrDryRun:                "true",
	}
	for key, v := range want {
		got, ok := tel.Resource.Set().Value(key)
		if !ok || got.Emit() != v {
			t.Errorf("resource %s = %q (present %v), want %q", key, got.Emit(), ok, v)
		}
	}

	// Dispatch metrics created from the global provider land in reg.
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordResult(context.Background(), "executed", "", "listening")
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	if !strings.Contains(strings.Join(names, ","), "dispatch_results") {
		t.Errorf("gathered families %v lack the dispatch results counter", names)
	}

	// Batched spans reach the exporter on flush.
	_, span := StartUtterance(context.Background(), "u1", "listening")
	span.End()
	if err := tel.TracerProvider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if got := spans.GetSpans(); len(got) != 1 || got[0].Name != SpanUtterance {
		t.Errorf("exported spans = %+v, want one %s", got, SpanUtterance)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
