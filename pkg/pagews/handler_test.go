// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package pagews

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jllopis/pagerelay/pkg/correlation"
	"github.com/jllopis/pagerelay/pkg/registry"
	"github.com/jllopis/pagerelay/pkg/relay"
)

type harness struct {
	reg   *registry.Registry
	relay *relay.Relay
	srv   *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := registry.New()
	rl := relay.New(reg, correlation.NewTable())
	mux := http.NewServeMux()
	mux.Handle("/ws", NewHandler(reg, rl, cfg, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &harness{reg: reg, relay: rl, srv: srv}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) waitForPages(t *testing.T, want ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if slices.Equal(h.reg.List(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected pages %v, got %v", want, h.reg.List())
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

// readUntil skips activity notices until a message of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readJSON(t, conn)
		if msgType == "" {
			if _, ok := msg["command"]; ok {
				return msg
			}
			continue
		}
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %q message received", msgType)
	return nil
}

func announce(t *testing.T, conn *websocket.Conn, pageID string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{
		"type":   TypePageConnected,
		"pageId": pageID,
		"url":    "https://example.test/" + pageID,
		"title":  "Example",
	}); err != nil {
		t.Fatalf("announce %s: %v", pageID, err)
	}
}

func TestPageRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)
	announce(t, conn, "p1")

	notice := readUntil(t, conn, TypeActivity)
	if !strings.Contains(fmt.Sprint(notice["message"]), "p1") {
		t.Fatalf("expected connect notice for p1, got %v", notice)
	}
	h.waitForPages(t, "p1")

	handle, err := h.relay.Dispatch(context.Background(), relay.MethodQueryPage, "p1", relay.QueryParams{Selector: ".title"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	cmd := readUntil(t, conn, "")
	if cmd["command"] != "query_page" {
		t.Fatalf("unexpected command %v", cmd)
	}
	if !reflect.DeepEqual(cmd["params"], map[string]any{"selector": ".title"}) {
		t.Fatalf("unexpected params %v", cmd["params"])
	}

	if err := conn.WriteJSON(map[string]any{
		"type":      TypeResponse,
		"pageId":    "p1",
		"requestId": cmd["id"],
		"result":    map[string]any{"elements": []any{}},
	}); err != nil {
		t.Fatalf("write response: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{"elements": []any{}}) {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestPageInfoIsRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)
	announce(t, conn, "p1")
	readUntil(t, conn, TypeActivity)

	pages := h.reg.Pages()
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	if pages[0].URL != "https://example.test/p1" || pages[0].Title != "Example" || pages[0].ConnectedAt.IsZero() {
		t.Fatalf("unexpected page info %+v", pages[0])
	}
}

func TestCloseUnregistersPage(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)
	announce(t, conn, "p1")
	readUntil(t, conn, TypeActivity)

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	h.waitForPages(t)
}

func TestPageDisconnectedMessage(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)
	announce(t, conn, "p1")
	readUntil(t, conn, TypeActivity)

	if err := conn.WriteJSON(map[string]any{"type": TypePageDisconnected, "pageId": "p1"}); err != nil {
		t.Fatalf("write disconnect: %v", err)
	}
	h.waitForPages(t)
}

func TestReconnectKeepsNewConnection(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.dial(t)
	announce(t, first, "p1")
	readUntil(t, first, TypeActivity)

	second := h.dial(t)
	announce(t, second, "p1")
	readUntil(t, second, TypeActivity)

	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := h.reg.List(); !slices.Equal(got, []string{"p1"}) {
		t.Fatalf("closing the old socket must not drop the new one, got %v", got)
	}
}

func TestInvalidJSONIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not valid json {{{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	announce(t, conn, "p1")
	readUntil(t, conn, TypeActivity)
	h.waitForPages(t, "p1")
}

func TestOriginCheck(t *testing.T) {
	h := newHarness(t, Config{AllowedOrigins: []string{"https://allowed.test"}})
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "https://evil.test")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial from foreign origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	header.Set("Origin", "https://allowed.test")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	_ = conn.Close()
}
