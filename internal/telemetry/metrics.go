package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the sync engine's instruments. With telemetry
// disabled every instrument is a no-op, so callers record
// unconditionally.
type Metrics struct {
	EventsProcessed     metric.Int64Counter
	Conflicts           metric.Int64Counter
	Retries             metric.Int64Counter
	Invalidations       metric.Int64Counter
	ReplicationMessages metric.Int64Counter
	PendingEvents       metric.Int64Gauge
	ReplicationLag      metric.Float64Gauge
}

// NewMetrics creates the engine's instrument set on the global meter.
func NewMetrics() *Metrics {
	m := Meter(instrumentationScope)
	events, _ := m.Int64Counter("weft.events.processed",
		metric.WithDescription("Sync events reaching a terminal attempt outcome"),
	)
	conflicts, _ := m.Int64Counter("weft.conflicts.total",
		metric.WithDescription("Conflicts detected"),
	)
	retries, _ := m.Int64Counter("weft.retries.total",
		metric.WithDescription("Events scheduled for retry"),
	)
	invalidations, _ := m.Int64Counter("weft.invalidations.total",
		metric.WithDescription("Cache invalidations issued"),
	)
	replMsgs, _ := m.Int64Counter("weft.replication.messages.total",
		metric.WithDescription("Replication messages acknowledged"),
	)
	pending, _ := m.Int64Gauge("weft.events.pending",
		metric.WithDescription("Events waiting for a worker"),
	)
	lag, _ := m.Float64Gauge("weft.replication.lag.seconds",
		metric.WithDescription("Worst-case replication lag across cursors"),
		metric.WithUnit("s"),
	)
	return &Metrics{
		EventsProcessed:     events,
		Conflicts:           conflicts,
		Retries:             retries,
		Invalidations:       invalidations,
		ReplicationMessages: replMsgs,
		PendingEvents:       pending,
		ReplicationLag:      lag,
	}
}

// RecordEvent counts one processed event by terminal status.
func (m *Metrics) RecordEvent(ctx context.Context, status string) {
	m.EventsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordConflict counts one detected conflict by kind.
func (m *Metrics) RecordConflict(ctx context.Context, kind string) {
	m.Conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
