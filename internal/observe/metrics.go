// Package observe provides application-wide observability primitives for
// Trunkline: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Trunkline metrics.
const meterName = "github.com/MrWong99/trunkline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks turn finalisation latency: from turn-complete to the
	// final transcript being available.
	STTDuration metric.Float64Histogram

	// LLMFirstToken tracks time from dispatching a completion request to the
	// first streamed token.
	LLMFirstToken metric.Float64Histogram

	// TTSDuration tracks per-sentence speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// CallDuration tracks total call length from start frame to cleanup.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// CallsTotal counts calls accepted. Use with attribute:
	//   attribute.String("direction", "inbound"|"outbound")
	CallsTotal metric.Int64Counter

	// CallsRejected counts connections refused by admission control.
	CallsRejected metric.Int64Counter

	// FramesIn counts inbound media frames across all calls.
	FramesIn metric.Int64Counter

	// FramesOut counts outbound media frames actually emitted on the wire.
	FramesOut metric.Int64Counter

	// BargeIns counts caller interruptions of an in-flight response.
	BargeIns metric.Int64Counter

	// QueueDrops counts outbound frames dropped because the paced queue stayed
	// full past the enqueue timeout.
	QueueDrops metric.Int64Counter

	// --- Error counters ---

	// Errors counts pipeline errors. Use with attributes:
	//   attribute.String("stage", "transport"|"audio"|"stt"|"llm"|"tts")
	Errors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("backend", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets defines histogram bucket boundaries (in seconds) for
// whole phone calls.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("trunkline.stt.duration",
		metric.WithDescription("Latency of turn transcript finalisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("trunkline.llm.first_token",
		metric.WithDescription("Latency from completion request to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("trunkline.tts.duration",
		metric.WithDescription("Latency of per-sentence speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("trunkline.call.duration",
		metric.WithDescription("Total call duration from start frame to cleanup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsTotal, err = m.Int64Counter("trunkline.calls.total",
		metric.WithDescription("Total calls accepted by direction."),
	); err != nil {
		return nil, err
	}
	if met.CallsRejected, err = m.Int64Counter("trunkline.calls.rejected",
		metric.WithDescription("Connections refused by admission control."),
	); err != nil {
		return nil, err
	}
	if met.FramesIn, err = m.Int64Counter("trunkline.frames.in",
		metric.WithDescription("Inbound media frames across all calls."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("trunkline.frames.out",
		metric.WithDescription("Outbound media frames emitted on the wire."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("trunkline.barge_ins",
		metric.WithDescription("Caller interruptions of an in-flight response."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("trunkline.queue.drops",
		metric.WithDescription("Outbound frames dropped after the enqueue timeout."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("trunkline.errors",
		metric.WithDescription("Pipeline errors by stage."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("trunkline.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by backend."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("trunkline.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("trunkline.http.request.duration",
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

// RecordError records a pipeline error counter increment for the given stage.
// Safe to call on a nil receiver so call-path code never branches on wiring.
func (m *Metrics) RecordError(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordCallStart records an accepted call and bumps the active-call gauge.
// Safe to call on a nil receiver.
func (m *Metrics) RecordCallStart(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.CallsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnd records call teardown: drops the active-call gauge and
// observes the call duration. Safe to call on a nil receiver.
func (m *Metrics) RecordCallEnd(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveCalls.Add(ctx, -1)
	m.CallDuration.Record(ctx, seconds)
}

// RecordCallRejected counts a connection refused by admission control.
// Safe to call on a nil receiver.
func (m *Metrics) RecordCallRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CallsRejected.Add(ctx, 1)
}

// RecordFrameIn counts one inbound media frame. Safe on nil.
func (m *Metrics) RecordFrameIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.FramesIn.Add(ctx, 1)
}

// RecordFrameOut counts one outbound media frame. Safe on nil.
func (m *Metrics) RecordFrameOut(ctx context.Context) {
	if m == nil {
		return
	}
	m.FramesOut.Add(ctx, 1)
}

// RecordBargeIn counts one caller interruption. Safe on nil.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.BargeIns.Add(ctx, 1)
}

// RecordQueueDrop counts one dropped outbound frame. Safe on nil.
func (m *Metrics) RecordQueueDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.QueueDrops.Add(ctx, 1)
}

// RecordBreakerTransition counts one circuit breaker state change for the
// named backend. Safe on nil.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		),
	)
}

// RecordHTTPRequest observes one HTTP request duration with method and path
// attributes. Safe on nil.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
		),
	)
}

// RecordStageLatency observes one stage duration on the matching histogram.
// Unknown stages are ignored. Safe on nil.
func (m *Metrics) RecordStageLatency(ctx context.Context, stage string, seconds float64) {
	if m == nil {
		return
	}
	switch stage {
	case "stt":
		m.STTDuration.Record(ctx, seconds)
	case "llm":
		m.LLMFirstToken.Record(ctx, seconds)
	case "tts":
		m.TTSDuration.Record(ctx, seconds)
	}
}
