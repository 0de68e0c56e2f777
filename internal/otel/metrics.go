package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the dispatch gateway instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	DispatchDuration      metric.Float64Histogram
	DispatchTotal         metric.Int64Counter
	InFlight              metric.Int64UpDownCounter
	ConnectedWorkers      metric.Int64UpDownCounter
	Timeouts              metric.Int64Counter
	OrphanResults         metric.Int64Counter
	ContinuationPublished metric.Int64Counter
	ContinuationFailures  metric.Int64Counter
	SessionEvents         metric.Int64Counter
	RateLimitRejects      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("godispatch.dispatch.duration",
		metric.WithDescription("Time from dispatch to resolution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchTotal, err = meter.Int64Counter("godispatch.dispatch.total",
		metric.WithDescription("Resolved dispatches by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.InFlight, err = meter.Int64UpDownCounter("godispatch.dispatch.in_flight",
		metric.WithDescription("Pending requests awaiting a worker outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectedWorkers, err = meter.Int64UpDownCounter("godispatch.workers.connected",
		metric.WithDescription("Live worker connections"),
	)
	if err != nil {
		return nil, err
	}

	m.Timeouts, err = meter.Int64Counter("godispatch.dispatch.timeouts",
		metric.WithDescription("Dispatches resolved by deadline"),
	)
	if err != nil {
		return nil, err
	}

	m.OrphanResults, err = meter.Int64Counter("godispatch.results.orphan",
		metric.WithDescription("Worker results with no pending request"),
	)
	if err != nil {
		return nil, err
	}

	m.ContinuationPublished, err = meter.Int64Counter("godispatch.continuation.published",
		metric.WithDescription("Continuation jobs handed to the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ContinuationFailures, err = meter.Int64Counter("godispatch.continuation.failures",
		metric.WithDescription("Continuation publications that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionEvents, err = meter.Int64Counter("godispatch.session.events",
		metric.WithDescription("Session events appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("godispatch.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordResolution records one resolved dispatch.
func (m *Metrics) RecordResolution(ctx context.Context, orgID, kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrOrgID.String(orgID),
		AttrWorkKind.String(kind),
		attribute.String("outcome", outcome),
	)
	m.DispatchDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.DispatchTotal.Add(ctx, 1, attrs)
	if outcome == "execution_timeout" {
		m.Timeouts.Add(ctx, 1, metric.WithAttributes(AttrOrgID.String(orgID)))
	}
}

func (m *Metrics) AddInFlight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.InFlight.Add(ctx, delta)
}

func (m *Metrics) AddConnectedWorkers(ctx context.Context, orgID string, delta int64) {
	if m == nil {
		return
	}
	m.ConnectedWorkers.Add(ctx, delta, metric.WithAttributes(AttrOrgID.String(orgID)))
}

func (m *Metrics) IncOrphan(ctx context.Context, orgID string) {
	if m == nil {
		return
	}
	m.OrphanResults.Add(ctx, 1, metric.WithAttributes(AttrOrgID.String(orgID)))
}

func (m *Metrics) IncContinuation(ctx context.Context, kind string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	if err != nil {
		m.ContinuationFailures.Add(ctx, 1, attrs)
		return
	}
	m.ContinuationPublished.Add(ctx, 1, attrs)
}

func (m *Metrics) IncSessionEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.SessionEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) IncRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
