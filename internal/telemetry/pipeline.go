package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics bundles the instruments the ingestion pipeline reports.
// A zero-value instance (from NewNopPipelineMetrics) records nothing,
// which keeps unit tests free of a meter provider.
type PipelineMetrics struct {
	eventsDropped  metric.Int64Counter
	eventsProduced metric.Int64Counter
	warnings       metric.Int64Counter
	personsMerged  metric.Int64Counter
	batchSize      metric.Int64Histogram
	dlqRouted      metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline instruments on the global
// meter provider.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter("ingest-service")

	m := &PipelineMetrics{}
	var err error
	if m.eventsDropped, err = meter.Int64Counter("ingestion_events_dropped_total",
		metric.WithDescription("Events dropped, labeled by event type and drop cause")); err != nil {
		return nil, err
	}
	if m.eventsProduced, err = meter.Int64Counter("ingestion_events_produced_total",
		metric.WithDescription("Enriched events emitted downstream")); err != nil {
		return nil, err
	}
	if m.warnings, err = meter.Int64Counter("ingestion_warnings_total",
		metric.WithDescription("Ingestion warnings emitted, labeled by type")); err != nil {
		return nil, err
	}
	if m.personsMerged, err = meter.Int64Counter("ingestion_persons_merged_total",
		metric.WithDescription("Completed person merges")); err != nil {
		return nil, err
	}
	if m.batchSize, err = meter.Int64Histogram("ingestion_batch_size",
		metric.WithDescription("Records per consumed batch")); err != nil {
		return nil, err
	}
	if m.dlqRouted, err = meter.Int64Counter("ingestion_dlq_routed_total",
		metric.WithDescription("Records routed to the dead-letter topic")); err != nil {
		return nil, err
	}
	return m, nil
}

// NewNopPipelineMetrics returns an instance whose recordings are no-ops.
func NewNopPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{}
}

func (m *PipelineMetrics) EventDropped(ctx context.Context, eventType, cause string) {
	if m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("drop_cause", cause),
	))
}

func (m *PipelineMetrics) EventProduced(ctx context.Context) {
	if m.eventsProduced == nil {
		return
	}
	m.eventsProduced.Add(ctx, 1)
}

func (m *PipelineMetrics) Warning(ctx context.Context, typ string) {
	if m.warnings == nil {
		return
	}
	m.warnings.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

func (m *PipelineMetrics) PersonsMerged(ctx context.Context) {
	if m.personsMerged == nil {
		return
	}
	m.personsMerged.Add(ctx, 1)
}

func (m *PipelineMetrics) BatchSize(ctx context.Context, n int) {
	if m.batchSize == nil {
		return
	}
	m.batchSize.Record(ctx, int64(n))
}

func (m *PipelineMetrics) DLQRouted(ctx context.Context) {
	if m.dlqRouted == nil {
		return
	}
	m.dlqRouted.Add(ctx, 1)
}
