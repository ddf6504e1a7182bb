// SPDX-License-Identifier: Apache-2.0
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jllopis/pagerelay/pkg/relay"
)

type staticSource struct {
	status relay.Status
}

func (s staticSource) Status() relay.Status { return s.status }

func fixed(status Status) Checker {
	return CheckerFunc(func(context.Context) Result {
		return Result{Status: status}
	})
}

func TestProviderCheckAllWorstWins(t *testing.T) {
	p := NewProvider()
	p.Register("a", fixed(Healthy))
	p.Register("b", fixed(Degraded))

	results, overall := p.CheckAll(context.Background())
	if overall != Degraded {
		t.Fatalf("expected degraded, got %s", overall)
	}
	if len(results) != 2 || results[0].Component != "a" || results[1].Component != "b" {
		t.Fatalf("unexpected results %+v", results)
	}
	if results[0].LastCheck.IsZero() {
		t.Fatalf("expected last check to be stamped")
	}

	p.Register("c", fixed(Unhealthy))
	if _, overall := p.CheckAll(context.Background()); overall != Unhealthy {
		t.Fatalf("expected unhealthy, got %s", overall)
	}
}

func TestProviderEmptyIsHealthy(t *testing.T) {
	results, overall := NewProvider().CheckAll(context.Background())
	if overall != Healthy || len(results) != 0 {
		t.Fatalf("expected healthy and no results, got %s %v", overall, results)
	}
}

func TestProviderCheckUnknown(t *testing.T) {
	if _, err := NewProvider().Check(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown checker")
	}
}

func TestRelayCheckers(t *testing.T) {
	ctx := context.Background()
	open := staticSource{relay.Status{ConnectedPages: 2}}
	closed := staticSource{relay.Status{Closed: true}}
	empty := staticSource{relay.Status{}}

	if got := RelayChecker(open).Check(ctx).Status; got != Healthy {
		t.Fatalf("expected open relay healthy, got %s", got)
	}
	if got := RelayChecker(closed).Check(ctx).Status; got != Unhealthy {
		t.Fatalf("expected closed relay unhealthy, got %s", got)
	}
	within := staticSource{relay.Status{TimeoutMs: 1000, Pending: 1, OldestPendingMs: 1900}}
	if got := RelayChecker(within).Check(ctx).Status; got != Healthy {
		t.Fatalf("expected relay with young requests healthy, got %s", got)
	}
	stuck := staticSource{relay.Status{TimeoutMs: 1000, Pending: 1, OldestPendingMs: 5000}}
	if got := RelayChecker(stuck).Check(ctx); got.Status != Degraded || !strings.Contains(got.Message, "5000ms") {
		t.Fatalf("expected stuck relay degraded, got %+v", got)
	}
	if got := PagesChecker(open).Check(ctx).Status; got != Healthy {
		t.Fatalf("expected pages healthy, got %s", got)
	}
	if got := PagesChecker(empty).Check(ctx); got.Status != Degraded || got.Message != "no pages connected" {
		t.Fatalf("expected degraded without pages, got %+v", got)
	}
}

func TestStatusHandler(t *testing.T) {
	src := staticSource{relay.Status{ConnectedPages: 1, Pages: []string{"p1"}}}
	p := NewProvider()
	p.Register("relay", RelayChecker(src))
	p.Register("pages", PagesChecker(src))

	rec := httptest.NewRecorder()
	StatusHandler(p, src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Status != Healthy || len(report.Components) != 2 || report.Relay.ConnectedPages != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestStatusHandlerUnhealthy(t *testing.T) {
	src := staticSource{relay.Status{Closed: true}}
	p := NewProvider()
	p.Register("relay", RelayChecker(src))

	rec := httptest.NewRecorder()
	StatusHandler(p, src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	StatusHandler(p, src).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
