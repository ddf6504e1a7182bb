// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewRelayMetrics(t *testing.T) {
	m, err := NewRelayMetrics()
	if err != nil {
		t.Fatalf("failed to create relay metrics: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil RelayMetrics")
	}
}

func TestNilRelayMetricsIsSafe(t *testing.T) {
	var m *RelayMetrics
	ctx := context.Background()

	m.RecordDispatch(ctx, "query_page")
	m.RecordResolved(ctx, "query_page", time.Millisecond)
	m.RecordRejected(ctx, "query_page", "TIMEOUT")
	m.RecordOrphan(ctx)
	m.RecordBroadcast(ctx, 1, 1)
	m.RecordSweep(ctx, 2, time.Millisecond)
	if err := m.ObservePending(func() int64 { return 0 }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRelayMetricsCollect(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	defer provider.Shutdown(context.Background())

	m, err := NewRelayMetrics()
	if err != nil {
		t.Fatalf("failed to create relay metrics: %v", err)
	}
	if err := m.ObservePending(func() int64 { return 3 }); err != nil {
		t.Fatalf("observe pending: %v", err)
	}

	ctx := context.Background()
	m.RecordDispatch(ctx, "query_page")
	m.RecordDispatch(ctx, "query_page")
	m.RecordOrphan(ctx)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	sums := map[string]int64{}
	var pending int64 = -1
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[metric.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				if metric.Name == "pagerelay.requests.pending" && len(data.DataPoints) > 0 {
					pending = data.DataPoints[0].Value
				}
			}
		}
	}

	if sums["pagerelay.requests.dispatched"] != 2 {
		t.Errorf("expected 2 dispatched, got %d", sums["pagerelay.requests.dispatched"])
	}
	if sums["pagerelay.replies.orphan"] != 1 {
		t.Errorf("expected 1 orphan, got %d", sums["pagerelay.replies.orphan"])
	}
	if pending != 3 {
		t.Errorf("expected pending gauge 3, got %d", pending)
	}
}
