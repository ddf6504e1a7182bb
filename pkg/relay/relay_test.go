// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/pagerelay/pkg/correlation"
	"github.com/jllopis/pagerelay/pkg/errors"
	"github.com/jllopis/pagerelay/pkg/registry"
)

type pageConn struct {
	mu      sync.Mutex
	sent    []any
	sendErr error
	open    atomic.Bool
}

func newPageConn() *pageConn {
	c := &pageConn{}
	c.open.Store(true)
	return c
}

func (c *pageConn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *pageConn) IsOpen() bool { return c.open.Load() }

func (c *pageConn) commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Command
	for _, msg := range c.sent {
		if cmd, ok := msg.(Command); ok {
			out = append(out, cmd)
		}
	}
	return out
}

func (c *pageConn) notices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, msg := range c.sent {
		if a, ok := msg.(registry.Activity); ok {
			out = append(out, a.Message)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	relay *Relay
	reg   *registry.Registry
	table *correlation.Table
	clock *fakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.WithClock(clock.Now))
	table := correlation.NewTable()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{relay: New(reg, table, opts...), reg: reg, table: table, clock: clock}
}

func (f *fixture) connect(t *testing.T, pageID string) *pageConn {
	t.Helper()
	conn := newPageConn()
	if err := f.reg.Register(conn, registry.PageInfo{ID: pageID}); err != nil {
		t.Fatalf("register %s: %v", pageID, err)
	}
	return conn
}

func (f *fixture) dispatch(t *testing.T, method Method, pageID string, params any) *Handle {
	t.Helper()
	handle, err := f.relay.Dispatch(context.Background(), method, pageID, params)
	if err != nil {
		t.Fatalf("dispatch %s to %s: %v", method, pageID, err)
	}
	return handle
}

func assertCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()
	if !errors.HasCode(err, code) {
		t.Fatalf("expected %s error, got %v", code, err)
	}
}

func assertPending(t *testing.T, table *correlation.Table, want int) {
	t.Helper()
	if got := table.Len(); got != want {
		t.Fatalf("expected %d pending, got %d", want, got)
	}
}

func assertJSON(t *testing.T, want, got string) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("unmarshal want: %v", err)
	}
	if err := json.Unmarshal([]byte(got), &g); err != nil {
		t.Fatalf("unmarshal %q: %v", got, err)
	}
	if !reflect.DeepEqual(w, g) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestQueryResolvesWithPageResult(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "p1")

	handle := f.dispatch(t, MethodQueryPage, "p1", QueryParams{Selector: ".title"})

	cmds := conn.commands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if cmds[0].Command != "query_page" || cmds[0].ID != handle.ID {
		t.Fatalf("unexpected command %+v", cmds[0])
	}
	wire, err := json.Marshal(cmds[0])
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	assertJSON(t, `{"command":"query_page","params":{"selector":".title"},"id":1}`, string(wire))

	if !f.relay.Route(Reply{
		Type:      "response",
		PageID:    "p1",
		RequestID: handle.ID,
		Result:    json.RawMessage(`{"elements":[]}`),
	}) {
		t.Fatal("expected reply to be routed")
	}

	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	assertJSON(t, `{"elements":[]}`, string(result))
	assertPending(t, f.table, 0)
	if !slices.Contains(conn.notices(), `Querying ".title" on page p1`) {
		t.Fatalf("missing query notice in %v", conn.notices())
	}
}

func TestDispatchToUnknownPage(t *testing.T) {
	f := newFixture(t)

	_, err := f.relay.Dispatch(context.Background(), MethodModifyPage, "ghost", Modification{Selector: "#x"})
	assertCode(t, err, errors.CodePageNotConnected)
	if !strings.Contains(err.Error(), "none") {
		t.Fatalf("expected empty page list in %q", err.Error())
	}
	assertPending(t, f.table, 0)
}

func TestDispatchToUnknownPageListsConnected(t *testing.T) {
	f := newFixture(t)
	p2 := f.connect(t, "p2")
	f.connect(t, "p1")

	_, err := f.relay.Dispatch(context.Background(), MethodQueryPage, "ghost", QueryParams{Selector: "a"})
	assertCode(t, err, errors.CodePageNotConnected)
	if !strings.Contains(err.Error(), "p1, p2") {
		t.Fatalf("expected connected pages in %q", err.Error())
	}
	assertPending(t, f.table, 0)

	notices := p2.notices()
	if len(notices) == 0 || !strings.Contains(notices[len(notices)-1], "ghost") {
		t.Fatalf("expected failure notice naming ghost, got %v", notices)
	}
}

func TestSendFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "p1")
	conn.sendErr = stderrors.New("socket closed")

	_, err := f.relay.Dispatch(context.Background(), MethodRunSnippet, "p1", SnippetParams{Code: "1+1"})
	assertCode(t, err, errors.CodeSendFailed)
	if !strings.Contains(err.Error(), "connected pages: p1") {
		t.Fatalf("expected connected pages in %q", err.Error())
	}
	assertPending(t, f.table, 0)
}

func TestRemoteErrorIsVerbatim(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1")

	handle := f.dispatch(t, MethodQueryPage, "p1", QueryParams{Selector: "div"})
	if !f.relay.Route(Reply{Type: "response", PageID: "p1", RequestID: handle.ID, Error: "Invalid selector: div["}) {
		t.Fatal("expected reply to be routed")
	}

	_, err := handle.Wait(context.Background())
	re := errors.AsRelayError(err)
	if re == nil {
		t.Fatalf("expected relay error, got %v", err)
	}
	if re.Code != errors.CodeRemoteError || re.Message != "Invalid selector: div[" {
		t.Fatalf("unexpected error %s: %q", re.Code, re.Message)
	}
}

func TestReplyWithoutResultResolvesWithEnvelope(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1")

	handle := f.dispatch(t, MethodRunSnippet, "p1", SnippetParams{Code: "void 0"})
	if !f.relay.Route(Reply{Type: "response", PageID: "p1", RequestID: handle.ID}) {
		t.Fatal("expected reply to be routed")
	}

	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	var envelope Reply
	if err := json.Unmarshal(result, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Type != "response" || envelope.RequestID != handle.ID {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
}

func TestOrphanReply(t *testing.T) {
	f := newFixture(t)
	if f.relay.Route(Reply{Type: "response", PageID: "p1", RequestID: 999}) {
		t.Fatal("orphan reply must not be routed")
	}
	if got := f.relay.Status().Orphans; got != 1 {
		t.Fatalf("expected 1 orphan, got %d", got)
	}
}

func TestTimeoutFloor(t *testing.T) {
	f := newFixture(t, WithTimeout(30*time.Second))
	f.connect(t, "p1")

	handle := f.dispatch(t, MethodQueryPage, "p1", QueryParams{Selector: "a"})

	f.clock.Advance(30 * time.Second)
	if n := f.relay.Sweep(f.clock.Now()); n != 0 {
		t.Fatalf("expired %d requests at exactly the timeout", n)
	}
	select {
	case <-handle.Done():
		t.Fatal("request completed before the timeout")
	default:
	}

	f.clock.Advance(time.Millisecond)
	if n := f.relay.Sweep(f.clock.Now()); n != 1 {
		t.Fatalf("expected 1 expiry, got %d", n)
	}

	_, err := handle.Wait(context.Background())
	assertCode(t, err, errors.CodeTimeout)
	if !strings.Contains(err.Error(), "connected pages: p1") {
		t.Fatalf("expected connected pages in %q", err.Error())
	}
	assertPending(t, f.table, 0)
}

func TestLateReplyAfterTimeoutIsNoop(t *testing.T) {
	f := newFixture(t, WithTimeout(time.Second))
	f.connect(t, "p1")

	handle := f.dispatch(t, MethodQueryPage, "p1", QueryParams{Selector: "a"})

	f.clock.Advance(2 * time.Second)
	if _, err := f.relay.ExpireRequests(context.Background()); err != nil {
		t.Fatalf("expire: %v", err)
	}

	if f.relay.Route(Reply{Type: "response", PageID: "p1", RequestID: handle.ID, Result: json.RawMessage(`1`)}) {
		t.Fatal("late reply must not be routed")
	}
	_, err := handle.Wait(context.Background())
	assertCode(t, err, errors.CodeTimeout)

	status := f.relay.Status()
	if status.TimedOut != 1 || status.Orphans != 1 || status.LastError == "" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestExactlyOnceUnderRace(t *testing.T) {
	f := newFixture(t, WithTimeout(time.Millisecond))
	f.connect(t, "p1")

	const n = 200
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		handles = append(handles, f.dispatch(t, MethodQueryPage, "p1", QueryParams{Selector: "a"}))
	}
	f.clock.Advance(time.Second)

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(3)
		go func() {
			defer wg.Done()
			f.relay.Route(Reply{Type: "response", PageID: "p1", RequestID: h.ID, Result: json.RawMessage(`true`)})
		}()
		go func() {
			defer wg.Done()
			f.relay.Sweep(f.clock.Now())
		}()
		go func() {
			defer wg.Done()
			f.relay.Cancel(h.ID)
		}()
	}
	wg.Wait()

	status := f.relay.Status()
	if total := status.Resolved + status.TimedOut + status.Cancelled; total != n {
		t.Fatalf("every request must finish exactly once: %d of %d", total, n)
	}
	assertPending(t, f.table, 0)

	var completions atomic.Int64
	for _, h := range handles {
		select {
		case <-h.Done():
			completions.Add(1)
		default:
		}
	}
	// Cancelled requests are dropped without completing their handle.
	if want := int64(status.Resolved + status.TimedOut); completions.Load() != want {
		t.Fatalf("expected %d completed handles, got %d", want, completions.Load())
	}
}

func TestWaitCancelledByContext(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1")

	handle := f.dispatch(t, MethodQueryPage, "p1", QueryParams{Selector: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := handle.Wait(ctx)
	assertCode(t, err, errors.CodeCancelled)
	assertPending(t, f.table, 0)
	if f.relay.Route(Reply{Type: "response", PageID: "p1", RequestID: handle.ID}) {
		t.Fatal("reply after cancel must not be routed")
	}
}

func TestDuplicateIDRetries(t *testing.T) {
	f := newFixture(t, WithIDGenerator(NewCounter(0)))
	f.connect(t, "p1")
	if err := f.table.Put(1, &correlation.Record{ID: 1, CreatedAt: f.clock.Now()}); err != nil {
		t.Fatalf("put: %v", err)
	}

	handle := f.dispatch(t, MethodQueryPage, "p1", QueryParams{Selector: "a"})
	if handle.ID != 2 {
		t.Fatalf("expected id 2, got %d", handle.ID)
	}
	assertPending(t, f.table, 2)
}

type fixedIDs struct{}

func (fixedIDs) Next() int64 { return 7 }

func TestDuplicateIDExhaustion(t *testing.T) {
	f := newFixture(t, WithIDGenerator(fixedIDs{}), WithMaxIDAttempts(3))
	f.connect(t, "p1")
	if err := f.table.Put(7, &correlation.Record{ID: 7, CreatedAt: f.clock.Now()}); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err := f.relay.Dispatch(context.Background(), MethodQueryPage, "p1", QueryParams{Selector: "a"})
	assertCode(t, err, errors.CodeInternal)
	assertPending(t, f.table, 1)
}

func TestCloseRejectsPending(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1")

	handle := f.dispatch(t, MethodQueryPage, "p1", QueryParams{Selector: "a"})

	f.relay.Close()
	_, err := handle.Wait(context.Background())
	assertCode(t, err, errors.CodeClosed)

	_, err = f.relay.Dispatch(context.Background(), MethodQueryPage, "p1", QueryParams{Selector: "a"})
	assertCode(t, err, errors.CodeClosed)
	if !f.relay.Status().Closed {
		t.Fatal("expected status to report closed")
	}
}

// closingIDs closes the relay while an id is being allocated, after the
// dispatch has passed its closed check.
type closingIDs struct {
	relay *Relay
	next  atomic.Int64
}

func (c *closingIDs) Next() int64 {
	c.relay.Close()
	return c.next.Add(1)
}

func TestCloseDuringDispatchLeavesNothingPending(t *testing.T) {
	ids := &closingIDs{}
	f := newFixture(t, WithIDGenerator(ids))
	ids.relay = f.relay
	conn := f.connect(t, "p1")

	handle, err := f.relay.Dispatch(context.Background(), MethodQueryPage, "p1", QueryParams{Selector: "a"})
	if handle != nil {
		t.Fatal("closed relay must not hand out a live request")
	}
	assertCode(t, err, errors.CodeClosed)
	assertPending(t, f.table, 0)
	if len(conn.commands()) != 0 {
		t.Fatalf("no command may reach the page, got %v", conn.commands())
	}
}

func TestStatusReportsOldestPendingAge(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "p1")

	if got := f.relay.Status().OldestPendingMs; got != 0 {
		t.Fatalf("expected no pending age, got %d", got)
	}
	f.dispatch(t, MethodQueryPage, "p1", QueryParams{Selector: "a"})
	f.clock.Advance(1500 * time.Millisecond)
	f.dispatch(t, MethodQueryPage, "p1", QueryParams{Selector: "b"})

	if got := f.relay.Status().OldestPendingMs; got != 1500 {
		t.Fatalf("expected oldest pending 1500ms, got %d", got)
	}
}

func TestSnippetNoticeOmitsBody(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "p1")

	f.dispatch(t, MethodRunSnippet, "p1", SnippetParams{Code: "secretFunction()"})

	for _, notice := range conn.notices() {
		if strings.Contains(notice, "secretFunction") {
			t.Fatalf("notice leaks snippet body: %q", notice)
		}
	}
	if !slices.Contains(conn.notices(), "Running snippet (16 chars) on page p1") {
		t.Fatalf("missing snippet notice in %v", conn.notices())
	}
}
