// Package observe provides the observability primitives of the dispatch
// core: OpenTelemetry metrics, tracing, trace-aware structured logging and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// to Prometheus via [InitProvider]. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/decisions"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ActionDuration tracks action handler latency. Attribute: command.
	ActionDuration metric.Float64Histogram

	// AgentDuration tracks persona round trips from submit to completion.
	// Attributes: persona, status.
	AgentDuration metric.Float64Histogram

	// LLMDuration tracks single model provider calls.
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// DispatchResults counts results. Attributes: outcome, reason, mode.
	DispatchResults metric.Int64Counter

	// ModeTransitions counts applied transitions. Attributes: from, to, trigger.
	ModeTransitions metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks events waiting in the dispatch queue.
	QueueDepth metric.Int64UpDownCounter

	// AgentInflight tracks backend calls currently running.
	AgentInflight metric.Int64UpDownCounter

	// BridgeClients tracks connected websocket clients.
	BridgeClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, spanning instant key
// presses up to slow model replies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.ActionDuration, err = histogram("decisions.action.duration", "Latency of action handlers."); err != nil {
		return nil, err
	}
	if met.AgentDuration, err = histogram("decisions.agent.duration", "Latency of persona conversations."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = histogram("decisions.llm.duration", "Latency of LLM inference."); err != nil {
		return nil, err
	}

	if met.DispatchResults, err = m.Int64Counter("decisions.dispatch.results",
		metric.WithDescription("Dispatch results by outcome, reason and mode."),
	); err != nil {
		return nil, err
	}
	if met.ModeTransitions, err = m.Int64Counter("decisions.mode.transitions",
		metric.WithDescription("Applied mode transitions by source, target and trigger."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("decisions.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("decisions.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("decisions.dispatch.queue_depth",
		metric.WithDescription("Events waiting in the dispatch queue."),
	); err != nil {
		return nil, err
	}
	if met.AgentInflight, err = m.Int64UpDownCounter("decisions.agent.inflight",
		metric.WithDescription("Persona backend calls currently running."),
	); err != nil {
		return nil, err
	}
	if met.BridgeClients, err = m.Int64UpDownCounter("decisions.bridge.clients",
		metric.WithDescription("Connected websocket bridge clients."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("decisions.http.request.duration",
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

// RecordResult counts one dispatch result.
func (m *Metrics) RecordResult(ctx context.Context, outcome, reason, mode string) {
	m.DispatchResults.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("reason", reason),
			attribute.String("mode", mode),
		),
	)
}

// RecordTransition counts one applied mode transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to, trigger string) {
	m.ModeTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("trigger", trigger),
		),
	)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
