package engine

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/meshforge/pkg/observability"
)

// Metrics holds the engine's internal counters. They are always live,
// with or without a telemetry provider, so tests and the health surface
// can read them cheaply.
type Metrics struct {
	eventsReceived       atomic.Int64
	eventsEmitted        atomic.Int64
	commandsSent         atomic.Int64
	idempotencyHits      atomic.Int64
	securityViolations   atomic.Int64
	concurrencyConflicts atomic.Int64
	faults               atomic.Int64
	processingMS         atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the engine counters.
type MetricsSnapshot struct {
	EventsReceived       int64 `json:"events_received_total"`
	EventsEmitted        int64 `json:"events_emitted_total"`
	CommandsSent         int64 `json:"commands_sent_total"`
	IdempotencyHits      int64 `json:"idempotency_hits_total"`
	SecurityViolations   int64 `json:"security_violations_total"`
	ConcurrencyConflicts int64 `json:"concurrency_conflicts_total"`
	Faults               int64 `json:"faults_total"`
	ProcessingMS         int64 `json:"event_processing_duration_ms"`
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		EventsReceived:       m.eventsReceived.Load(),
		EventsEmitted:        m.eventsEmitted.Load(),
		CommandsSent:         m.commandsSent.Load(),
		IdempotencyHits:      m.idempotencyHits.Load(),
		SecurityViolations:   m.securityViolations.Load(),
		ConcurrencyConflicts: m.concurrencyConflicts.Load(),
		Faults:               m.faults.Load(),
		ProcessingMS:         m.processingMS.Load(),
	}
}

// instruments mirrors the counters into OpenTelemetry when a provider is
// attached. A nil receiver is a no-op so engines without telemetry pay
// nothing.
type instruments struct {
	received    metric.Int64Counter
	emitted     metric.Int64Counter
	idempotency metric.Int64Counter
	security    metric.Int64Counter
	duration    metric.Float64Histogram
}

func newInstruments(p *observability.Provider) *instruments {
	if p == nil {
		return nil
	}
	meter := p.Meter()
	ins := &instruments{}
	var err error
	if ins.received, err = meter.Int64Counter("events_received_total",
		metric.WithDescription("Total events received by the engine")); err != nil {
		return nil
	}
	if ins.emitted, err = meter.Int64Counter("events_emitted_total",
		metric.WithDescription("Total events emitted by the engine")); err != nil {
		return nil
	}
	if ins.idempotency, err = meter.Int64Counter("idempotency_hits_total",
		metric.WithDescription("Total idempotency hits (duplicates skipped)")); err != nil {
		return nil
	}
	if ins.security, err = meter.Int64Counter("security_violations_total",
		metric.WithDescription("Total security violations rejected")); err != nil {
		return nil
	}
	if ins.duration, err = meter.Float64Histogram("event_processing_duration_ms",
		metric.WithDescription("Event processing duration in milliseconds")); err != nil {
		return nil
	}
	return ins
}

func (i *instruments) addReceived(ctx context.Context, agent, eventType string) {
	if i == nil {
		return
	}
	i.received.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("type", eventType),
	))
}

func (i *instruments) addEmitted(ctx context.Context, agent, kind string) {
	if i == nil {
		return
	}
	i.emitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("kind", kind),
	))
}

func (i *instruments) addIdempotencyHit(ctx context.Context, agent string) {
	if i == nil {
		return
	}
	i.idempotency.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
}

func (i *instruments) addViolation(ctx context.Context, agent string) {
	if i == nil {
		return
	}
	i.security.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("reason", "scope_mismatch"),
	))
}

func (i *instruments) recordDuration(ctx context.Context, agent, eventType string, ms int64) {
	if i == nil {
		return
	}
	i.duration.Record(ctx, float64(ms), metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("type", eventType),
	))
}
