package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	return totals
}

func TestEngineMetricsRecordCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m := NewEngineMetrics(provider.Meter("test"))
	ctx := context.Background()
	m.RecordNotification(ctx, "SUBMIT_OK", false)
	m.RecordNotification(ctx, "CHANGE_SL_REJECTED", true)
	m.RecordUnclassifiable(ctx, "ORDER_FILL_OK")
	m.AddPending(ctx, 2, "CHANGE_SL")
	m.AddPending(ctx, -1, "CHANGE_SL")
	m.RecordRetry(ctx, "MERGE_REJECTED", 50*time.Millisecond)
	m.RecordRetryExhausted(ctx, "MERGE_REJECTED")
	m.RecordBatchFailure(ctx)
	m.RecordOperation(ctx, "merge", ResultSuccess)

	totals := collect(t, reader)
	require.Equal(t, int64(2), totals["engine.notifications"])
	require.Equal(t, int64(1), totals["engine.correlation.consumed"])
	require.Equal(t, int64(1), totals["engine.notifications.unclassifiable"])
	require.Equal(t, int64(1), totals["engine.correlation.pending"])
	require.Equal(t, int64(1), totals["task.retry.attempts"])
	require.Equal(t, int64(1), totals["task.retry.exhausted"])
	require.Equal(t, int64(1), totals["task.batch.failures"])
	require.Equal(t, int64(1), totals["task.operations"])
}

func TestNilEngineMetricsIsNoop(t *testing.T) {
	var m *EngineMetrics
	require.NotPanics(t, func() {
		m.RecordNotification(context.Background(), "SUBMIT_OK", true)
		m.RecordBatchFailure(context.Background())
	})
}

func TestDisabledProviderKeepsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Environment = "Staging"
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "staging", Environment())
	require.NotNil(t, p.Meter("x"))
	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
}
