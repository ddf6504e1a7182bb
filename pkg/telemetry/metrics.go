// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RelayMetrics tracks request outcomes, orphan replies and sweeps.
// A nil *RelayMetrics is valid and records nothing.
type RelayMetrics struct {
	dispatched      metric.Int64Counter
	resolved        metric.Int64Counter
	rejected        metric.Int64Counter
	orphans         metric.Int64Counter
	broadcastFailed metric.Int64Counter
	broadcastSent   metric.Int64Counter
	sweeps          metric.Int64Counter
	expired         metric.Int64Counter
	roundTripMs     metric.Float64Histogram
	sweepLatencyMs  metric.Float64Histogram
	pendingGauge    metric.Int64ObservableGauge
	pendingReg      metric.Registration
	pendingRegMu    sync.Mutex
	meter           metric.Meter
}

// NewRelayMetrics creates relay instruments on the global meter provider.
func NewRelayMetrics() (*RelayMetrics, error) {
	meter := otel.Meter("pagerelay/relay")
	m := &RelayMetrics{meter: meter}
	var err error

	if m.dispatched, err = meter.Int64Counter(
		"pagerelay.requests.dispatched",
		metric.WithDescription("Commands sent to pages by method"),
	); err != nil {
		return nil, err
	}
	if m.resolved, err = meter.Int64Counter(
		"pagerelay.requests.resolved",
		metric.WithDescription("Requests resolved by a page reply"),
	); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter(
		"pagerelay.requests.rejected",
		metric.WithDescription("Requests rejected by error code"),
	); err != nil {
		return nil, err
	}
	if m.orphans, err = meter.Int64Counter(
		"pagerelay.replies.orphan",
		metric.WithDescription("Replies that matched no pending request"),
	); err != nil {
		return nil, err
	}
	if m.broadcastSent, err = meter.Int64Counter(
		"pagerelay.broadcast.delivered",
		metric.WithDescription("Activity notices delivered to pages"),
	); err != nil {
		return nil, err
	}
	if m.broadcastFailed, err = meter.Int64Counter(
		"pagerelay.broadcast.failed",
		metric.WithDescription("Activity notices that failed to send"),
	); err != nil {
		return nil, err
	}
	if m.sweeps, err = meter.Int64Counter("pagerelay.reaper.sweep.count"); err != nil {
		return nil, err
	}
	if m.expired, err = meter.Int64Counter("pagerelay.reaper.expired.count"); err != nil {
		return nil, err
	}
	if m.roundTripMs, err = meter.Float64Histogram(
		"pagerelay.requests.round_trip_ms",
		metric.WithDescription("Time from dispatch to page reply"),
	); err != nil {
		return nil, err
	}
	if m.sweepLatencyMs, err = meter.Float64Histogram("pagerelay.reaper.sweep.latency_ms"); err != nil {
		return nil, err
	}
	if m.pendingGauge, err = meter.Int64ObservableGauge(
		"pagerelay.requests.pending",
		metric.WithDescription("Requests awaiting a page reply"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// ObservePending reports fn() as the pending-request gauge on every collection.
func (m *RelayMetrics) ObservePending(fn func() int64) error {
	if m == nil || fn == nil {
		return nil
	}
	m.pendingRegMu.Lock()
	defer m.pendingRegMu.Unlock()
	if m.pendingReg != nil {
		_ = m.pendingReg.Unregister()
	}
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.pendingGauge, fn())
		return nil
	}, m.pendingGauge)
	if err != nil {
		return err
	}
	m.pendingReg = reg
	return nil
}

// RecordDispatch counts a command sent to a page.
func (m *RelayMetrics) RecordDispatch(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrRequestMethod, method)))
}

// RecordResolved counts a resolved request and its round trip.
func (m *RelayMetrics) RecordResolved(ctx context.Context, method string, roundTrip time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrRequestMethod, method))
	m.resolved.Add(ctx, 1, attrs)
	m.roundTripMs.Record(ctx, float64(roundTrip.Microseconds())/1000, attrs)
}

// RecordRejected counts a rejected request by error code.
func (m *RelayMetrics) RecordRejected(ctx context.Context, method, code string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRequestMethod, method),
		attribute.String(AttrErrorCode, code),
	))
}

// RecordOrphan counts a reply with no pending request.
func (m *RelayMetrics) RecordOrphan(ctx context.Context) {
	if m == nil {
		return
	}
	m.orphans.Add(ctx, 1)
}

// RecordBroadcast counts notice deliveries. It satisfies registry.BroadcastRecorder.
func (m *RelayMetrics) RecordBroadcast(ctx context.Context, delivered, failed int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.broadcastSent.Add(ctx, int64(delivered))
	}
	if failed > 0 {
		m.broadcastFailed.Add(ctx, int64(failed))
	}
}

// RecordSweep records one reaper pass.
func (m *RelayMetrics) RecordSweep(ctx context.Context, expired int, took time.Duration) {
	if m == nil {
		return
	}
	m.sweeps.Add(ctx, 1)
	if expired > 0 {
		m.expired.Add(ctx, int64(expired))
	}
	m.sweepLatencyMs.Record(ctx, float64(took.Microseconds())/1000)
}
