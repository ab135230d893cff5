package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics groups the counters emitted by the correlation and task layers.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	notifications   metric.Int64Counter
	unclassifiable  metric.Int64Counter
	correlated      metric.Int64Counter
	pendingContexts metric.Int64UpDownCounter
	retries         metric.Int64Counter
	retryExhausted  metric.Int64Counter
	retryDelay      metric.Float64Histogram
	batchFailures   metric.Int64Counter
	operations      metric.Int64Counter
}

var (
	engineOnce    sync.Once
	engineMetrics *EngineMetrics
)

// Engine returns the process-wide engine instruments bound to the global meter provider.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineMetrics = NewEngineMetrics(otel.Meter("ordertask.engine"))
	})
	return engineMetrics
}

// NewEngineMetrics creates the engine instruments on meter.
func NewEngineMetrics(meter metric.Meter) *EngineMetrics {
	m := new(EngineMetrics)
	m.notifications, _ = meter.Int64Counter("engine.notifications",
		metric.WithDescription("Notifications classified by semantic kind"),
		metric.WithUnit("{notification}"))
	m.unclassifiable, _ = meter.Int64Counter("engine.notifications.unclassifiable",
		metric.WithDescription("Notifications outside the known mapping"),
		metric.WithUnit("{notification}"))
	m.correlated, _ = meter.Int64Counter("engine.correlation.consumed",
		metric.WithDescription("Call contexts consumed while classifying notifications"),
		metric.WithUnit("{context}"))
	m.pendingContexts, _ = meter.Int64UpDownCounter("engine.correlation.pending",
		metric.WithDescription("Registered call contexts not yet consumed or released"),
		metric.WithUnit("{context}"))
	m.retries, _ = meter.Int64Counter("task.retry.attempts",
		metric.WithDescription("Rejections swallowed and retried"),
		metric.WithUnit("{attempt}"))
	m.retryExhausted, _ = meter.Int64Counter("task.retry.exhausted",
		metric.WithDescription("Retry loops that surfaced a terminal rejection"),
		metric.WithUnit("{operation}"))
	m.retryDelay, _ = meter.Float64Histogram("task.retry.delay",
		metric.WithDescription("Delay applied before a retry"),
		metric.WithUnit("ms"))
	m.batchFailures, _ = meter.Int64Counter("task.batch.failures",
		metric.WithDescription("Batches cancelled by a failing branch"),
		metric.WithUnit("{batch}"))
	m.operations, _ = meter.Int64Counter("task.operations",
		metric.WithDescription("Composed operations by outcome"),
		metric.WithUnit("{operation}"))
	return m
}

func envAttr() attribute.KeyValue { return AttrEnvironment.String(Environment()) }

// RecordNotification counts one classified notification.
func (m *EngineMetrics) RecordNotification(ctx context.Context, kind string, correlated bool) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(envAttr(), AttrEventKind.String(kind)))
	if correlated {
		m.correlated.Add(ctx, 1, metric.WithAttributes(envAttr(), AttrEventKind.String(kind)))
	}
}

// RecordUnclassifiable counts one notification outside the mapping table.
func (m *EngineMetrics) RecordUnclassifiable(ctx context.Context, messageType string) {
	if m == nil {
		return
	}
	m.unclassifiable.Add(ctx, 1, metric.WithAttributes(envAttr(), AttrMessageType.String(messageType)))
}

// AddPending adjusts the pending call context gauge.
func (m *EngineMetrics) AddPending(ctx context.Context, delta int64, reason string) {
	if m == nil || delta == 0 {
		return
	}
	m.pendingContexts.Add(ctx, delta, metric.WithAttributes(envAttr(), AttrCallReason.String(reason)))
}

// RecordRetry counts one swallowed rejection and the delay before the next attempt.
func (m *EngineMetrics) RecordRetry(ctx context.Context, kind string, delay time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(envAttr(), AttrEventKind.String(kind))
	m.retries.Add(ctx, 1, attrs)
	m.retryDelay.Record(ctx, float64(delay.Milliseconds()), attrs)
}

// RecordRetryExhausted counts one retry loop giving up.
func (m *EngineMetrics) RecordRetryExhausted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, metric.WithAttributes(envAttr(), AttrEventKind.String(kind)))
}

// RecordBatchFailure counts one batch cancelled by a failing branch.
func (m *EngineMetrics) RecordBatchFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.batchFailures.Add(ctx, 1, metric.WithAttributes(envAttr()))
}

// RecordOperation counts one composed operation outcome.
func (m *EngineMetrics) RecordOperation(ctx context.Context, operation, result string) {
	if m == nil {
		return
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(OperationResultAttributes(operation, result)...))
}
