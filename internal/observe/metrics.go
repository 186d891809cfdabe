// Package observe provides OpenTelemetry metrics and tracing for runs,
// function calls, the embedding cache and the HTTP API.
//
// Metrics go through the OpenTelemetry Metrics API and are exported for
// scraping by the Prometheus bridge installed by [InitProvider]. Tests use
// [NewMetrics] with their own meter provider. All Record methods are safe to
// call on a nil *Metrics.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "SimpleLLM"

// Metrics holds the metric instruments.
type Metrics struct {
	// RunDuration tracks a whole provider run. Attributes: provider, status.
	RunDuration metric.Float64Histogram

	// TimeToFirstToken tracks prompt processing latency. Attribute: provider.
	TimeToFirstToken metric.Float64Histogram

	// TokensGenerated counts sampled tokens. Attribute: provider.
	TokensGenerated metric.Int64Counter

	// Runs counts finished runs. Attributes: provider, status.
	Runs metric.Int64Counter

	// ActiveRuns tracks runs in flight.
	ActiveRuns metric.Int64UpDownCounter

	// ToolCalls counts function dispatches. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// ToolDuration tracks function execution latency. Attribute: tool.
	ToolDuration metric.Float64Histogram

	// CacheLookups counts embedding cache lookups. Attribute: result.
	CacheLookups metric.Int64Counter

	// EmbedDuration tracks vector computation on a cache miss.
	EmbedDuration metric.Float64Histogram

	// HTTPRequestDuration tracks API requests. Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RunDuration, err = m.Float64Histogram("simplellm.run.duration",
		metric.WithDescription("Latency of a provider run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstToken, err = m.Float64Histogram("simplellm.run.ttft",
		metric.WithDescription("Time from run start to the first sampled token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TokensGenerated, err = m.Int64Counter("simplellm.tokens.generated",
		metric.WithDescription("Total generated tokens by provider."),
	); err != nil {
		return nil, err
	}
	if met.Runs, err = m.Int64Counter("simplellm.runs",
		metric.WithDescription("Total runs by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("simplellm.active_runs",
		metric.WithDescription("Number of runs in flight."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("simplellm.tool.calls",
		metric.WithDescription("Total function dispatches by tool and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("simplellm.tool.duration",
		metric.WithDescription("Latency of function execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("simplellm.embedding.cache.lookups",
		metric.WithDescription("Embedding cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("simplellm.embedding.duration",
		metric.WithDescription("Latency of computing one embedding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("simplellm.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Install the provider with InitProvider before the first
// call for the metrics to be exported.
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

// status maps an empty error kind to "ok".
func status(kind string) string {
	if kind == "" {
		return "ok"
	}
	return kind
}

// RunStarted increments the in-flight gauge.
func (m *Metrics) RunStarted(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.ActiveRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordRun records a finished run. errKind is "" on success.
func (m *Metrics) RecordRun(ctx context.Context, provider, errKind string, d, ttft time.Duration, tokens int) {
	if m == nil {
		return
	}
	p := attribute.String("provider", provider)
	st := attribute.String("status", status(errKind))
	m.ActiveRuns.Add(ctx, -1, metric.WithAttributes(p))
	m.Runs.Add(ctx, 1, metric.WithAttributes(p, st))
	m.RunDuration.Record(ctx, d.Seconds(), metric.WithAttributes(p, st))
	if tokens > 0 {
		m.TokensGenerated.Add(ctx, int64(tokens), metric.WithAttributes(p))
		m.TimeToFirstToken.Record(ctx, ttft.Seconds(), metric.WithAttributes(p))
	}
}

// RecordToolCall records one function dispatch.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, errKind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status(errKind)),
	))
	m.ToolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordCacheLookup records an embedding cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordEmbed records the time spent computing one vector.
func (m *Metrics) RecordEmbed(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.EmbedDuration.Record(ctx, d.Seconds())
}
