// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/jllopis/pagerelay/pkg/correlation"
	"github.com/jllopis/pagerelay/pkg/errors"
	"github.com/jllopis/pagerelay/pkg/telemetry"
)

// Sweep rejects every request pending for longer than the timeout at now.
// A record resolved concurrently is left alone. It returns how many
// requests were expired.
func (r *Relay) Sweep(now time.Time) int {
	expired := 0
	for _, rec := range r.table.ScanExpired(now, r.timeout) {
		taken, ok := r.table.TakeIf(rec.ID, func(cur *correlation.Record) bool { return cur == rec })
		if !ok {
			continue
		}
		expired++
		err := errors.Timeout(taken.ID, taken.Method, taken.PageID, r.pages.List()).
			WithContext("age_ms", taken.Age(now).Milliseconds())
		r.timedOut.Add(1)
		r.rejected.Add(1)
		r.recordError(err)
		r.metrics.RecordRejected(context.Background(), taken.Method, string(errors.CodeTimeout))
		r.logger.Warn("relay.request.timeout",
			slog.Int64("request_id", taken.ID),
			slog.String("method", taken.Method),
			slog.String("page_id", taken.PageID),
			slog.Duration("age", taken.Age(now)),
		)
		taken.Reject(err)
		r.pages.Broadcast(timeoutNotice(Method(taken.Method), taken.PageID, taken.ID))
	}
	return expired
}

// ExpireRequests runs one sweep at the relay's current time. It lets the
// relay be driven by a periodic sweeper.
func (r *Relay) ExpireRequests(ctx context.Context) (int, error) {
	start := time.Now()
	_, span := r.tracer.Start(ctx, "relay.reaper.sweep")
	defer span.End()

	expired := r.Sweep(r.now())
	pending := r.table.Len()
	span.SetAttributes(telemetry.SweepAttributes(expired, pending)...)
	r.metrics.RecordSweep(ctx, expired, time.Since(start))
	if expired > 0 {
		sc := span.SpanContext()
		r.logger.Info("relay.reaper.sweep.complete",
			slog.Int("expired", expired),
			slog.Int("pending", pending),
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return expired, nil
}
