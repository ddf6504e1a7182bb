// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/pagerelay/pkg/correlation"
	"github.com/jllopis/pagerelay/pkg/errors"
	"github.com/jllopis/pagerelay/pkg/telemetry"
)

// Handle completes when the page replies, the request times out, or the
// relay closes.
type Handle struct {
	ID     int64
	Method Method
	PageID string

	relay  *Relay
	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newHandle(r *Relay, id int64, method Method, pageID string) *Handle {
	return &Handle{
		ID:     id,
		Method: method,
		PageID: pageID,
		relay:  r,
		done:   make(chan struct{}),
	}
}

func (h *Handle) complete(result json.RawMessage, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}

// Done is closed once the request has a result or an error.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (h *Handle) Result() (json.RawMessage, error) {
	return h.result, h.err
}

// Wait blocks until the request completes or ctx ends. When ctx ends first
// the pending record is dropped and a CANCELLED error is returned; if the
// reply won the race its outcome is returned instead.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
	}
	if !h.relay.Cancel(h.ID) {
		<-h.done
		return h.result, h.err
	}
	err := errors.New(errors.CodeCancelled, "request cancelled by caller", ctx.Err()).
		WithContext("request_id", h.ID).
		WithContext("page_id", h.PageID)
	h.complete(nil, err)
	return nil, err
}

// Dispatch sends method to pageID and returns a handle for the reply.
// Failures before the command leaves the process are returned directly and
// leave no pending record behind.
func (r *Relay) Dispatch(ctx context.Context, method Method, pageID string, params any) (*Handle, error) {
	ctx, span := r.tracer.Start(ctx, "relay.dispatch",
		trace.WithAttributes(telemetry.RequestAttributes(0, string(method), pageID)...),
	)
	defer span.End()

	if r.closed.Load() {
		err := errors.New(errors.CodeClosed, "relay is shutting down", nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	conn, ok := r.pages.Get(pageID)
	if !ok {
		err := errors.PageNotConnected(pageID, r.pages.List())
		r.failDispatch(ctx, span, method, err)
		r.pages.Broadcast(failedNotice(method, pageID, err))
		return nil, err
	}

	handle, rec, err := r.register(method, pageID)
	if err != nil {
		r.failDispatch(ctx, span, method, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64(telemetry.AttrRequestID, rec.ID))

	if err := conn.Send(Command{Command: string(method), Params: params, ID: rec.ID}); err != nil {
		// Only roll back our own record; a racing sweep may already own it.
		r.table.TakeIf(rec.ID, func(cur *correlation.Record) bool { return cur == rec })
		sendErr := errors.SendFailed(pageID, r.pages.List(), err).WithContext("request_id", rec.ID)
		r.failDispatch(ctx, span, method, sendErr)
		return nil, sendErr
	}

	r.dispatched.Add(1)
	r.metrics.RecordDispatch(ctx, string(method))
	r.logger.Debug("relay.request.dispatched",
		slog.Int64("request_id", rec.ID),
		slog.String("method", string(method)),
		slog.String("page_id", pageID),
	)
	r.pages.Broadcast(dispatchNotice(method, pageID, params))
	return handle, nil
}

// register allocates a fresh id and inserts the pending record, drawing a
// new id whenever the table reports a collision.
func (r *Relay) register(method Method, pageID string) (*Handle, *correlation.Record, error) {
	for attempt := 1; attempt <= r.maxIDAttempts; attempt++ {
		id := r.ids.Next()
		handle := newHandle(r, id, method, pageID)
		rec := &correlation.Record{
			ID:        id,
			Method:    string(method),
			PageID:    pageID,
			CreatedAt: r.now(),
			Resolve:   func(result json.RawMessage) { handle.complete(result, nil) },
			Reject:    func(err error) { handle.complete(nil, err) },
		}
		err := r.table.Put(id, rec)
		if err == nil {
			// Close flips closed before draining, so a record that slipped in
			// after the drain is seen here and withdrawn.
			if r.closed.Load() {
				r.table.TakeIf(id, func(cur *correlation.Record) bool { return cur == rec })
				return nil, nil, errors.New(errors.CodeClosed, "relay is shutting down", nil).
					WithContext("request_id", id)
			}
			return handle, rec, nil
		}
		if !stderrors.Is(err, correlation.ErrDuplicateID) {
			return nil, nil, errors.New(errors.CodeInternal, "failed to register request", err)
		}
		r.logger.Warn("relay.request.duplicate_id",
			slog.Int64("request_id", id),
			slog.Int("attempt", attempt),
		)
	}
	return nil, nil, errors.New(errors.CodeInternal, "could not allocate a unique request id", nil).
		WithContext("attempts", r.maxIDAttempts)
}

func (r *Relay) failDispatch(ctx context.Context, span trace.Span, method Method, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.rejected.Add(1)
	r.recordError(err)
	r.metrics.RecordRejected(ctx, string(method), codeOf(err))
	r.logger.Warn("relay.request.failed",
		slog.String("method", string(method)),
		slog.String("error", err.Error()),
	)
}

func codeOf(err error) string {
	if re := errors.AsRelayError(err); re != nil {
		return string(re.Code)
	}
	return string(errors.CodeInternal)
}
