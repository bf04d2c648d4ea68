// Package observe provides application-wide observability primitives for
// voxfold: OpenTelemetry metrics, distributed tracing, and structured
// logging glue.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all voxfold metrics.
const meterName = "github.com/voxfold/voxfold"

// Metrics holds all OpenTelemetry metric instruments for the voice pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRLatency tracks time from an utterance's first voiced frame to its
	// final transcript.
	ASRLatency metric.Float64Histogram

	// LLMFirstTokenLatency tracks time from LLMStream.Open to the first
	// token, bounded by the provider's first-token timeout.
	LLMFirstTokenLatency metric.Float64Histogram

	// TTSFirstFrameLatency tracks time from the first send_text to the
	// first audio frame.
	TTSFirstFrameLatency metric.Float64Histogram

	// BargeInLatency tracks time from a barge-in-qualifying ASR event
	// entering [pipeline.BargeInController] to Playback.Abort completing.
	// Deployments generally target a p95 well under 300ms here.
	BargeInLatency metric.Float64Histogram

	// TurnLatency tracks total wall-clock time from turn start to Completed
	// or Cancelled.
	TurnLatency metric.Float64Histogram

	// --- Counters ---

	// TurnsStarted counts turns entering Listening/Generating.
	TurnsStarted metric.Int64Counter

	// TurnsCompleted counts turns reaching TurnCompleted.
	TurnsCompleted metric.Int64Counter

	// TurnsCancelled counts turns reaching TurnCancelling, by reason
	// (barge_in, new_text_input, provider_error, pipeline_stop).
	TurnsCancelled metric.Int64Counter

	// TurnsFailed counts turns reaching TurnFailed.
	TurnsFailed metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by stage and error kind.
	ProviderErrors metric.Int64Counter

	// ProviderReconnects counts at-most-one transparent reconnect attempts
	// per session.
	ProviderReconnects metric.Int64Counter

	// MemoryStoreCalls counts MemoryStore.Search/RecordTurn calls by
	// method and outcome (ok, error, deadline_exceeded).
	MemoryStoreCalls metric.Int64Counter

	// --- Gauges ---

	// ActiveTurn is 1 while a turn is active (not Idle/Completed/Failed),
	// 0 otherwise. Used to alert on two turns running concurrently.
	ActiveTurn metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies, including the sub-300ms barge-in bound.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ASRLatency, err = m.Float64Histogram("voxfold.asr.latency",
		metric.WithDescription("Latency from first voiced frame to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenLatency, err = m.Float64Histogram("voxfold.llm.first_token_latency",
		metric.WithDescription("Latency from LLMStream open to first token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstFrameLatency, err = m.Float64Histogram("voxfold.tts.first_frame_latency",
		metric.WithDescription("Latency from first send_text to first audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInLatency, err = m.Float64Histogram("voxfold.bargein.latency",
		metric.WithDescription("Latency from qualifying ASR event to Playback.Abort completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("voxfold.turn.latency",
		metric.WithDescription("Total wall-clock duration of one turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TurnsStarted, err = m.Int64Counter("voxfold.turns.started",
		metric.WithDescription("Total turns started."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("voxfold.turns.completed",
		metric.WithDescription("Total turns reaching Completed."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCancelled, err = m.Int64Counter("voxfold.turns.cancelled",
		metric.WithDescription("Total turns cancelled, by reason."),
	); err != nil {
		return nil, err
	}
	if met.TurnsFailed, err = m.Int64Counter("voxfold.turns.failed",
		metric.WithDescription("Total turns reaching Failed."),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("voxfold.provider.requests",
		metric.WithDescription("Total provider API requests by provider, stage, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxfold.provider.errors",
		metric.WithDescription("Total provider errors by stage and error kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderReconnects, err = m.Int64Counter("voxfold.provider.reconnects",
		metric.WithDescription("Total transparent reconnect attempts by stage."),
	); err != nil {
		return nil, err
	}
	if met.MemoryStoreCalls, err = m.Int64Counter("voxfold.memory.calls",
		metric.WithDescription("Total MemoryStore calls by method and outcome."),
	); err != nil {
		return nil, err
	}

	if met.ActiveTurn, err = m.Int64UpDownCounter("voxfold.turn.active",
		metric.WithDescription("1 while a turn is active, 0 otherwise."),
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, stage, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, stage string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}

// RecordTurnCancelled records a cancelled-turn counter increment with the
// cancellation reason.
func (m *Metrics) RecordTurnCancelled(ctx context.Context, reason string) {
	m.TurnsCancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordMemoryCall records a MemoryStore call outcome.
func (m *Metrics) RecordMemoryCall(ctx context.Context, method, outcome string) {
	m.MemoryStoreCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("outcome", outcome),
		),
	)
}
