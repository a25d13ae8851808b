// Package metrics publishes enrichd's operational signals through the OTel
// metric API. When no MeterProvider is installed the API hands back noop
// instruments, so recording is always safe and never gates pipeline logic.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/profilekit/enrichd/internal/breaker"
)

// meterName is the instrumentation scope for all enrichd instruments.
const meterName = "github.com/profilekit/enrichd"

// Recorder owns all instruments plus the rolling latency window behind the
// p50/p95/p99 gauges. One Recorder is shared by the worker pool, the
// embedding client wiring, and the facade.
type Recorder struct {
	submissions   metric.Int64Counter
	completions   metric.Int64Counter
	jobDuration   metric.Float64Histogram
	phaseDuration metric.Float64Histogram
	queueDepth    metric.Int64Gauge
	latencyGauge  metric.Float64Gauge
	embedUpserts  metric.Int64Counter
	breakerState  metric.Int64Gauge

	window latencyWindow
}

// NewRecorder creates a Recorder on the global MeterProvider.
func NewRecorder() *Recorder {
	return NewRecorderWithMeter(otel.Meter(meterName))
}

// NewRecorderWithMeter allows injecting a meter for tests. Instrument
// creation errors fall back to noop instruments per the OTel API contract.
func NewRecorderWithMeter(meter metric.Meter) *Recorder {
	r := &Recorder{}
	r.submissions, _ = meter.Int64Counter("enrich.job.submissions",
		metric.WithDescription("Enrichment submissions, per tenant and dedupe outcome"),
		metric.WithUnit("{submission}"))
	r.completions, _ = meter.Int64Counter("enrich.job.completions",
		metric.WithDescription("Terminal job outcomes, per tenant and status"),
		metric.WithUnit("{job}"))
	r.jobDuration, _ = meter.Float64Histogram("enrich.job.duration",
		metric.WithDescription("End-to-end job duration in seconds"),
		metric.WithUnit("s"))
	r.phaseDuration, _ = meter.Float64Histogram("enrich.phase.duration",
		metric.WithDescription("Per-phase duration in seconds"),
		metric.WithUnit("s"))
	r.queueDepth, _ = meter.Int64Gauge("enrich.queue.depth",
		metric.WithDescription("Jobs waiting on the work queue"),
		metric.WithUnit("{job}"))
	r.latencyGauge, _ = meter.Float64Gauge("enrich.job.latency",
		metric.WithDescription("Rolling completion latency percentiles in milliseconds"),
		metric.WithUnit("ms"))
	r.embedUpserts, _ = meter.Int64Counter("enrich.embed.upserts",
		metric.WithDescription("Embedding upsert outcomes"),
		metric.WithUnit("{upsert}"))
	r.breakerState, _ = meter.Int64Gauge("enrich.breaker.state",
		metric.WithDescription("Circuit breaker state (0 closed, 1 half-open, 2 open)"))
	return r
}

// JobSubmitted records one submission, created=false meaning a dedupe hit.
func (r *Recorder) JobSubmitted(ctx context.Context, tenantID string, created bool) {
	r.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Bool("created", created),
	))
}

// JobFinished records a terminal outcome with its phase breakdown and
// refreshes the rolling latency percentiles.
func (r *Recorder) JobFinished(ctx context.Context, tenantID, status string, total time.Duration, phasesMs map[string]int64) {
	attrs := metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("status", status),
	)
	r.completions.Add(ctx, 1, attrs)
	r.jobDuration.Record(ctx, total.Seconds(), attrs)

	for phase, ms := range phasesMs {
		r.phaseDuration.Record(ctx, float64(ms)/1000, metric.WithAttributes(
			attribute.String("phase", phase),
		))
	}

	r.window.Observe(float64(total.Milliseconds()))
	p50, p95, p99 := r.window.Percentiles()
	r.latencyGauge.Record(ctx, p50, metric.WithAttributes(attribute.String("quantile", "p50")))
	r.latencyGauge.Record(ctx, p95, metric.WithAttributes(attribute.String("quantile", "p95")))
	r.latencyGauge.Record(ctx, p99, metric.WithAttributes(attribute.String("quantile", "p99")))
}

// QueueDepth publishes the current queue depth gauge.
func (r *Recorder) QueueDepth(ctx context.Context, depth int64) {
	r.queueDepth.Record(ctx, depth)
}

// EmbedOutcome records one embedding upsert outcome.
func (r *Recorder) EmbedOutcome(ctx context.Context, success, skipped bool, skipReason string) {
	outcome := "failure"
	switch {
	case skipped:
		outcome = "skipped"
	case success:
		outcome = "success"
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if skipReason != "" {
		attrs = append(attrs, attribute.String("skip_reason", skipReason))
	}
	r.embedUpserts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// BreakerState publishes a breaker state gauge. Wire it as the breaker's
// state-change callback.
func (r *Recorder) BreakerState(ctx context.Context, name, state string) {
	var v int64
	switch state {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	r.breakerState.Record(ctx, v, metric.WithAttributes(attribute.String("dependency", name)))
}

// Percentiles exposes the rolling window for the stats endpoint.
func (r *Recorder) Percentiles() (p50, p95, p99 float64) {
	return r.window.Percentiles()
}
