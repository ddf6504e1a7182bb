// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay correlates commands sent to browser pages with their replies.
//
// A Relay owns nothing global: the page registry and the correlation table are
// injected at construction. Dispatch registers a pending record and sends the
// command; Route resolves it from the page's reply; the Reaper rejects records
// that outlive the request timeout. All three remove records through the
// table's atomic Take, so each request completes exactly once.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/pagerelay/pkg/correlation"
	"github.com/jllopis/pagerelay/pkg/errors"
	"github.com/jllopis/pagerelay/pkg/registry"
	"github.com/jllopis/pagerelay/pkg/telemetry"
)

const (
	// DefaultTimeout is how long a request may wait for its reply.
	DefaultTimeout = 30 * time.Second

	defaultMaxIDAttempts = 8
)

// Method names a page command.
type Method string

const (
	MethodQueryPage  Method = "query_page"
	MethodModifyPage Method = "modify_page"
	MethodRunSnippet Method = "run_snippet"
	MethodListPages  Method = "list_pages"
)

// Pages is the view of the page registry the relay needs.
type Pages interface {
	Get(pageID string) (registry.PageConnection, bool)
	List() []string
	Pages() []registry.PageInfo
	Broadcast(message string) int
}

// Command is the envelope sent to a page.
type Command struct {
	Command string `json:"command"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

// Reply is the envelope a page sends back.
type Reply struct {
	Type      string          `json:"type"`
	PageID    string          `json:"pageId"`
	RequestID int64           `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Relay dispatches page commands and routes their replies.
type Relay struct {
	pages         Pages
	table         *correlation.Table
	ids           IDGenerator
	timeout       time.Duration
	maxIDAttempts int
	now           func() time.Time
	logger        *slog.Logger
	metrics       *telemetry.RelayMetrics
	tracer        trace.Tracer

	startedAt time.Time
	closed    atomic.Bool

	dispatched atomic.Uint64
	resolved   atomic.Uint64
	rejected   atomic.Uint64
	timedOut   atomic.Uint64
	cancelled  atomic.Uint64
	orphans    atomic.Uint64

	errMu       sync.Mutex
	lastError   string
	lastErrorAt time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Relay) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithClock overrides the clock used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator replaces the request id source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(r *Relay) {
		if ids != nil {
			r.ids = ids
		}
	}
}

// WithMaxIDAttempts bounds how many ids are drawn when the table reports a duplicate.
func WithMaxIDAttempts(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxIDAttempts = n
		}
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records request outcomes on m.
func WithMetrics(m *telemetry.RelayMetrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// New creates a relay over the given registry and table.
func New(pages Pages, table *correlation.Table, opts ...Option) *Relay {
	r := &Relay{
		pages:         pages,
		table:         table,
		ids:           NewCounter(0),
		timeout:       DefaultTimeout,
		maxIDAttempts: defaultMaxIDAttempts,
		now:           time.Now,
		logger:        slog.Default(),
		tracer:        otel.Tracer("pagerelay/relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.now()
	if r.metrics != nil {
		if err := r.metrics.ObservePending(func() int64 { return int64(r.table.Len()) }); err != nil {
			r.logger.Warn("relay.metrics.pending.error", slog.String("error", err.Error()))
		}
	}
	return r
}

// Timeout returns the per-request timeout.
func (r *Relay) Timeout() time.Duration {
	return r.timeout
}

// Pending returns the number of in-flight requests.
func (r *Relay) Pending() int {
	return r.table.Len()
}

// Cancel drops a pending request without completing it. The caller is
// assumed to have given up already. It reports whether a record was removed.
func (r *Relay) Cancel(requestID int64) bool {
	rec, ok := r.table.Take(requestID)
	if !ok {
		return false
	}
	r.cancelled.Add(1)
	r.logger.Debug("relay.request.cancelled",
		slog.Int64("request_id", requestID),
		slog.String("method", rec.Method),
		slog.String("page_id", rec.PageID),
	)
	return true
}

// Close rejects every pending request and refuses new dispatches.
func (r *Relay) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	drained := r.table.Drain()
	for _, rec := range drained {
		err := errors.New(errors.CodeClosed, "relay is shutting down", nil).
			WithContext("request_id", rec.ID)
		r.rejected.Add(1)
		rec.Reject(err)
	}
	r.logger.Info("relay.closed", slog.Int("rejected", len(drained)))
}

func (r *Relay) recordError(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	r.lastError = err.Error()
	r.lastErrorAt = r.now()
	r.errMu.Unlock()
}

// Status is a point-in-time view of the relay.
type Status struct {
	StartedAt       time.Time `json:"startedAt"`
	UptimeSeconds   float64   `json:"uptimeSeconds"`
	ConnectedPages  int       `json:"connectedPages"`
	Pages           []string  `json:"pages"`
	Pending         int       `json:"pending"`
	OldestPendingMs int64     `json:"oldestPendingMs"`
	TimeoutMs       int64     `json:"timeoutMs"`
	Dispatched      uint64    `json:"dispatched"`
	Resolved        uint64    `json:"resolved"`
	Rejected        uint64    `json:"rejected"`
	TimedOut        uint64    `json:"timedOut"`
	Cancelled       uint64    `json:"cancelled"`
	Orphans         uint64    `json:"orphanReplies"`
	LastError       string    `json:"lastError,omitempty"`
	LastErrorAt     time.Time `json:"lastErrorAt,omitempty"`
	Closed          bool      `json:"closed"`
}

// Status reports uptime, connectivity and counters.
func (r *Relay) Status() Status {
	pages := r.pages.List()
	r.errMu.Lock()
	lastError, lastErrorAt := r.lastError, r.lastErrorAt
	r.errMu.Unlock()
	var oldestMs int64
	if oldest, ok := r.table.Oldest(); ok {
		oldestMs = r.now().Sub(oldest).Milliseconds()
	}
	return Status{
		StartedAt:       r.startedAt,
		UptimeSeconds:   r.now().Sub(r.startedAt).Seconds(),
		ConnectedPages:  len(pages),
		Pages:           pages,
		Pending:         r.table.Len(),
		OldestPendingMs: oldestMs,
		TimeoutMs:       r.timeout.Milliseconds(),
		Dispatched:      r.dispatched.Load(),
		Resolved:        r.resolved.Load(),
		Rejected:        r.rejected.Load(),
		TimedOut:        r.timedOut.Load(),
		Cancelled:       r.cancelled.Load(),
		Orphans:         r.orphans.Load(),
		LastError:       lastError,
		LastErrorAt:     lastErrorAt,
		Closed:          r.closed.Load(),
	}
}
