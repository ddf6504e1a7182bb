// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides logging, tracing and metrics for the relay.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for relay telemetry.
const (
	// Request attributes
	AttrRequestID     = "pagerelay.request.id"
	AttrRequestMethod = "pagerelay.request.method"
	AttrRequestAgeMs  = "pagerelay.request.age_ms"
	AttrRequestResult = "pagerelay.request.outcome" // resolved, rejected, timeout, cancelled

	// Page attributes
	AttrPageID    = "pagerelay.page.id"
	AttrPageCount = "pagerelay.page.count"

	// Error attributes
	AttrErrorCode = "pagerelay.error.code"

	// Sweep attributes
	AttrSweepExpired = "pagerelay.sweep.expired"
	AttrSweepPending = "pagerelay.sweep.pending"

	// Transport attributes
	AttrTransport = "pagerelay.transport" // mcp, jsonrpc
)

// RequestAttributes returns common attributes for dispatch spans.
func RequestAttributes(requestID int64, method, pageID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRequestMethod, method),
		attribute.String(AttrPageID, pageID),
	}
	if requestID > 0 {
		attrs = append(attrs, attribute.Int64(AttrRequestID, requestID))
	}
	return attrs
}

// OutcomeAttributes describes how a request finished.
func OutcomeAttributes(method, outcome, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRequestMethod, method),
		attribute.String(AttrRequestResult, outcome),
	}
	if code != "" {
		attrs = append(attrs, attribute.String(AttrErrorCode, code))
	}
	return attrs
}

// SweepAttributes returns attributes for a reaper sweep span.
func SweepAttributes(expired, pending int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrSweepExpired, expired),
		attribute.Int(AttrSweepPending, pending),
	}
}
