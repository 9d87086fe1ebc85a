package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/ext"
	"github.com/xraph/escrow/status"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*MetricsExtension)(nil)
	_ ext.StatusChanged      = (*MetricsExtension)(nil)
	_ ext.TransitionRejected = (*MetricsExtension)(nil)
	_ ext.DependencyAdded    = (*MetricsExtension)(nil)
	_ ext.DependencyRemoved  = (*MetricsExtension)(nil)
	_ ext.EntityDeleted      = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/escrow/observability"

// MetricsExtension records system-wide lifecycle counters. Register it as
// an engine extension to track write rates, propagation fan-out, rejected
// transitions and dependency churn.
type MetricsExtension struct {
	StatusChanged      metric.Int64Counter
	RecordUnblocked    metric.Int64Counter
	TransitionRejected metric.Int64Counter
	DependencyAdded    metric.Int64Counter
	DependencyRemoved  metric.Int64Counter
	EntityDeleted      metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// On error the API returns noop instruments.
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	return &MetricsExtension{
		StatusChanged:      counter("escrow.status.changed", "Committed status record writes"),
		RecordUnblocked:    counter("escrow.record.unblocked", "Records that moved from blocked to unblocked"),
		TransitionRejected: counter("escrow.transition.rejected", "Transitions refused because the record was blocked"),
		DependencyAdded:    counter("escrow.dependency.added", "Dependency edges added or replaced"),
		DependencyRemoved:  counter("escrow.dependency.removed", "Dependency edges removed"),
		EntityDeleted:      counter("escrow.entity.deleted", "Entities deleted with cascade"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func kindAttr(k entity.Kind) metric.AddOption {
	return metric.WithAttributes(attribute.String("entity_type", k.String()))
}

// OnStatusChanged implements ext.StatusChanged.
func (m *MetricsExtension) OnStatusChanged(ctx context.Context, u *status.Update) error {
	m.StatusChanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", u.Record.Key.Kind.String()),
		attribute.Bool("propagated", u.Cause != u.Record.Key),
	))
	if u.Unblocked {
		m.RecordUnblocked.Add(ctx, 1, kindAttr(u.Record.Key.Kind))
	}
	return nil
}

// OnTransitionRejected implements ext.TransitionRejected.
func (m *MetricsExtension) OnTransitionRejected(ctx context.Context, key entity.Key, _, _ string) error {
	m.TransitionRejected.Add(ctx, 1, kindAttr(key.Kind))
	return nil
}

// OnDependencyAdded implements ext.DependencyAdded.
func (m *MetricsExtension) OnDependencyAdded(ctx context.Context, owner entity.Key, _ status.Dependency) error {
	m.DependencyAdded.Add(ctx, 1, kindAttr(owner.Kind))
	return nil
}

// OnDependencyRemoved implements ext.DependencyRemoved.
func (m *MetricsExtension) OnDependencyRemoved(ctx context.Context, owner, _ entity.Key) error {
	m.DependencyRemoved.Add(ctx, 1, kindAttr(owner.Kind))
	return nil
}

// OnEntityDeleted implements ext.EntityDeleted.
func (m *MetricsExtension) OnEntityDeleted(ctx context.Context, key entity.Key) error {
	m.EntityDeleted.Add(ctx, 1, kindAttr(key.Kind))
	return nil
}
