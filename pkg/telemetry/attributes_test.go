// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRequestAttributes(t *testing.T) {
	attrs := RequestAttributes(42, "query_page", "p1")

	expected := map[string]any{
		AttrRequestID:     42,
		AttrRequestMethod: "query_page",
		AttrPageID:        "p1",
	}

	assertAttributes(t, attrs, expected)
}

func TestRequestAttributesWithoutID(t *testing.T) {
	attrs := RequestAttributes(0, "run_snippet", "p2")
	for _, attr := range attrs {
		if string(attr.Key) == AttrRequestID {
			t.Fatalf("request id should be omitted before allocation")
		}
	}
}

func TestOutcomeAttributes(t *testing.T) {
	attrs := OutcomeAttributes("modify_page", "rejected", "REMOTE_ERROR")

	expected := map[string]any{
		AttrRequestMethod: "modify_page",
		AttrRequestResult: "rejected",
		AttrErrorCode:     "REMOTE_ERROR",
	}

	assertAttributes(t, attrs, expected)

	if len(OutcomeAttributes("query_page", "resolved", "")) != 2 {
		t.Errorf("expected error code to be omitted on success")
	}
}

func TestSweepAttributes(t *testing.T) {
	assertAttributes(t, SweepAttributes(3, 10), map[string]any{
		AttrSweepExpired: 3,
		AttrSweepPending: 10,
	})
}

func assertAttributes(t *testing.T, attrs []attribute.KeyValue, expected map[string]any) {
	t.Helper()

	found := make(map[string]attribute.KeyValue)
	for _, attr := range attrs {
		found[string(attr.Key)] = attr
	}

	for key, expectedVal := range expected {
		attr, ok := found[key]
		if !ok {
			t.Errorf("missing attribute %s", key)
			continue
		}

		var actualVal any
		switch attr.Value.Type() {
		case attribute.STRING:
			actualVal = attr.Value.AsString()
		case attribute.INT64:
			actualVal = int(attr.Value.AsInt64())
		case attribute.FLOAT64:
			actualVal = attr.Value.AsFloat64()
		case attribute.BOOL:
			actualVal = attr.Value.AsBool()
		}

		if actualVal != expectedVal {
			t.Errorf("attribute %s: got %v, want %v", key, actualVal, expectedVal)
		}
	}
}
