// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package pagews is the WebSocket endpoint browser pages connect to.
//
// Each socket announces itself with page_connected, then streams response
// messages for the commands it receives. The handler binds the socket to the
// announced page id in the registry and forwards replies to the router.
package pagews

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jllopis/pagerelay/pkg/registry"
	"github.com/jllopis/pagerelay/pkg/relay"
	"github.com/jllopis/pagerelay/pkg/telemetry"
)

// Message types exchanged with pages.
const (
	TypePageConnected    = "page_connected"
	TypePageDisconnected = "page_disconnected"
	TypeResponse         = "response"
	TypeActivity         = "activity"
)

const (
	defaultReadLimit    = 4 << 20
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// PageRegistry is the part of the registry the endpoint drives.
type PageRegistry interface {
	Register(conn registry.PageConnection, info registry.PageInfo) error
	Unregister(pageID string, conn registry.PageConnection) bool
}

// Router receives page replies.
type Router interface {
	Route(reply relay.Reply) bool
}

// Config tunes the endpoint.
type Config struct {
	// AllowedOrigins lists accepted Origin headers. Empty or "*" accepts any.
	AllowedOrigins []string
	ReadLimit      int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration
}

// Handler upgrades page connections and pumps their messages.
type Handler struct {
	pages    PageRegistry
	router   Router
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time
}

// envelope is the union of inbound page messages.
type envelope struct {
	Type      string          `json:"type"`
	PageID    string          `json:"pageId"`
	URL       string          `json:"url,omitempty"`
	Title     string          `json:"title,omitempty"`
	RequestID int64           `json:"requestId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewHandler creates the page endpoint.
func NewHandler(pages PageRegistry, router Router, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	h := &Handler{
		pages:  pages,
		router: router,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("pagews.upgrade.error",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	conn := newConn(uuid.NewString(), ws, h.cfg.WriteTimeout)
	ctx := telemetry.WithLogAttrs(r.Context(), slog.String("conn_id", conn.ID()))
	h.logger.DebugContext(ctx, "pagews.conn.open", slog.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	go h.keepAlive(ctx, conn, done)
	h.readLoop(ctx, conn)
	close(done)
	_ = conn.Close()
}

func (h *Handler) keepAlive(ctx context.Context, conn *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				h.logger.DebugContext(ctx, "pagews.ping.error", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *Conn) {
	ws := conn.ws
	ws.SetReadLimit(h.cfg.ReadLimit)
	readWindow := 2 * h.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(readWindow))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWindow))
	})

	var pageID string
	defer func() {
		conn.markClosed()
		if pageID != "" {
			h.pages.Unregister(pageID, conn)
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.DebugContext(ctx, "pagews.read.error",
					slog.String("page_id", pageID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWindow))

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.WarnContext(ctx, "pagews.message.invalid", slog.String("error", err.Error()))
			continue
		}
		pageID = h.handle(ctx, conn, pageID, msg)
	}
}

// handle processes one message and returns the page id bound to conn afterwards.
func (h *Handler) handle(ctx context.Context, conn *Conn, bound string, msg envelope) string {
	switch msg.Type {
	case TypePageConnected:
		if msg.PageID == "" {
			h.logger.WarnContext(ctx, "pagews.page_connected.missing_id")
			return bound
		}
		if bound != "" && bound != msg.PageID {
			h.pages.Unregister(bound, conn)
		}
		info := registry.PageInfo{ID: msg.PageID, URL: msg.URL, Title: msg.Title, ConnectedAt: h.now()}
		if err := h.pages.Register(conn, info); err != nil {
			h.logger.WarnContext(ctx, "pagews.register.error",
				slog.String("page_id", msg.PageID),
				slog.String("error", err.Error()),
			)
			return bound
		}
		return msg.PageID
	case TypeResponse:
		pageID := msg.PageID
		if pageID == "" {
			pageID = bound
		}
		h.router.Route(relay.Reply{
			Type:      msg.Type,
			PageID:    pageID,
			RequestID: msg.RequestID,
			Result:    msg.Result,
			Error:     msg.Error,
		})
		return bound
	case TypePageDisconnected:
		pageID := msg.PageID
		if pageID == "" {
			pageID = bound
		}
		if pageID != "" {
			h.pages.Unregister(pageID, conn)
		}
		if pageID == bound {
			return ""
		}
		return bound
	default:
		h.logger.DebugContext(ctx, "pagews.message.unknown", slog.String("type", msg.Type))
		return bound
	}
}
