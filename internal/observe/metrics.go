// Package observe ties kaiwa's telemetry together: OpenTelemetry metrics
// scraped through a Prometheus bridge, session and phase spans, slog records
// that carry the session and trace IDs, and middleware for the control
// surface.
//
// Components take an optional *[Metrics]; every Record helper is a no-op on
// nil. Tests build their own instance with [NewMetrics] on a private meter
// provider instead of sharing [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/kaiwa-lab/kaiwa"

// Metrics holds the instruments recorded by sessions, providers and the
// control surface. Instruments are safe for concurrent use.
type Metrics struct {
	// Latency, in seconds.
	RealtimeConnectDuration metric.Float64Histogram
	EvaluationDuration      metric.Float64Histogram // phase, status
	ToolExecutionDuration   metric.Float64Histogram // tool
	PlaybackWriteDuration   metric.Float64Histogram
	SessionDuration         metric.Float64Histogram // reason
	HTTPRequestDuration     metric.Float64Histogram // method, path, status

	// Provider traffic.
	ProviderRequests   metric.Int64Counter // provider, kind, status
	ProviderErrors     metric.Int64Counter // provider, kind
	BreakerTransitions metric.Int64Counter // provider, to

	// Session traffic.
	SessionsStarted    metric.Int64Counter // scenario
	SessionsEnded      metric.Int64Counter // reason
	ToolCalls          metric.Int64Counter // tool, status
	AudioChunksSent    metric.Int64Counter
	AudioChunksDropped metric.Int64Counter
	PlaybackReopens    metric.Int64Counter

	ActiveSessions     metric.Int64UpDownCounter
	PendingEvaluations metric.Int64UpDownCounter
}

var (
	// interactiveBuckets covers device writes, tool calls and connects.
	interactiveBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// slowBuckets covers scoring calls and whole sessions.
	slowBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900}
)

// instruments creates instruments on one meter and keeps the first errors
// for a single report.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.errs = append(in.errs, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		RealtimeConnectDuration: in.seconds("kaiwa.realtime.connect.duration", "Latency of opening an agent session.", interactiveBuckets),
		EvaluationDuration:      in.seconds("kaiwa.evaluation.duration", "Latency of each evaluation phase.", slowBuckets),
		ToolExecutionDuration:   in.seconds("kaiwa.tool_execution.duration", "Latency of tool execution.", interactiveBuckets),
		PlaybackWriteDuration:   in.seconds("kaiwa.playback.write.duration", "Time one playback device write blocks.", interactiveBuckets),
		SessionDuration:         in.seconds("kaiwa.session.duration", "Activity time of finished sessions.", slowBuckets),
		HTTPRequestDuration:     in.seconds("kaiwa.http.request.duration", "Control surface latency by method and route.", nil),

		ProviderRequests:   in.counter("kaiwa.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:     in.counter("kaiwa.provider.errors", "Failed provider calls by provider and kind."),
		BreakerTransitions: in.counter("kaiwa.provider.breaker.transitions", "Circuit breaker state changes by provider and target state."),

		SessionsStarted:    in.counter("kaiwa.sessions.started", "Sessions started by scenario."),
		SessionsEnded:      in.counter("kaiwa.sessions.ended", "Sessions ended by reason."),
		ToolCalls:          in.counter("kaiwa.tool.calls", "Tool invocations by tool and status."),
		AudioChunksSent:    in.counter("kaiwa.audio.chunks_sent", "Microphone chunks forwarded to the agent."),
		AudioChunksDropped: in.counter("kaiwa.audio.chunks_dropped", "Capture chunks dropped because the worker fell behind."),
		PlaybackReopens:    in.counter("kaiwa.playback.reopens", "Output stream reopens after write failures."),

		ActiveSessions:     in.gauge("kaiwa.active_sessions", "Live conversation sessions."),
		PendingEvaluations: in.gauge("kaiwa.pending_evaluations", "Evaluations still running in the background."),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] bound to the global meter
// provider at first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// status maps an error to the "status" attribute value.
func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordProviderRequest counts one provider call with an explicit status.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordProviderAttempt records one provider call and, when err is non-nil,
// a provider error.
func (m *Metrics) RecordProviderAttempt(ctx context.Context, provider, kind string, err error) {
	m.RecordProviderRequest(ctx, provider, kind, status(err))
	if err != nil {
		m.RecordProviderError(ctx, provider, kind)
	}
}

// RecordBreakerTransition records a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to", to),
		),
	)
}

// RecordToolCall records one tool invocation and its latency. It has the
// shape of tools.CallObserver once bound to a context.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.ToolExecutionDuration.Record(ctx, d.Seconds(), attrs)
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status(err)),
		),
	)
}

// RecordEvaluationPhase records the latency of one evaluation phase.
func (m *Metrics) RecordEvaluationPhase(ctx context.Context, phase string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("phase", phase),
			attribute.String("status", status(err)),
		),
	)
}

// RecordConnect records an agent session open attempt.
func (m *Metrics) RecordConnect(ctx context.Context, provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RealtimeConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status(err))))
	m.RecordProviderAttempt(ctx, provider, "realtime", err)
}

// RecordSessionStart increments the started counter and the active gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context, scenario string) {
	if m == nil {
		return
	}
	m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("scenario", scenario)))
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd decrements the active gauge and records the outcome.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string, activity time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
	m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SessionDuration.Record(ctx, activity.Seconds(), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAudioSent counts forwarded microphone chunks.
func (m *Metrics) RecordAudioSent(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioChunksSent.Add(ctx, int64(n))
}

// RecordAudioDropped counts capture chunks lost at the hand-off.
func (m *Metrics) RecordAudioDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.AudioChunksDropped.Add(ctx, 1)
}

// RecordPlaybackWrite records one successful device write.
func (m *Metrics) RecordPlaybackWrite(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.PlaybackWriteDuration.Record(ctx, d.Seconds())
}

// RecordPlaybackReopens counts n output stream reopens.
func (m *Metrics) RecordPlaybackReopens(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.PlaybackReopens.Add(ctx, n)
}

// EvaluationPending adjusts the pending-evaluation gauge by delta.
func (m *Metrics) EvaluationPending(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.PendingEvaluations.Add(ctx, delta)
}
