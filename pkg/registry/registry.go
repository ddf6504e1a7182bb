// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks the browser pages currently reachable by the relay.
//
// Entries are pruned lazily: a page whose transport is no longer open stays
// registered until List, Pages or a Get for that id notices it.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/pagerelay/pkg/errors"
)

// PageConnection is a live channel to one page.
type PageConnection interface {
	// Send serializes msg and writes it to the page.
	Send(msg any) error
	// IsOpen reports whether the underlying transport is still usable.
	IsOpen() bool
}

// PageInfo describes a page as announced in its page_connected message.
type PageInfo struct {
	ID          string    `json:"pageId"`
	URL         string    `json:"url,omitempty"`
	Title       string    `json:"title,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// BroadcastRecorder receives per-broadcast delivery counts.
type BroadcastRecorder interface {
	RecordBroadcast(ctx context.Context, delivered, failed int)
}

// Activity is the notice envelope fanned out to pages.
type Activity struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type entry struct {
	conn PageConnection
	info PageInfo
}

// Registry maps page ids to live connections.
type Registry struct {
	mu       sync.Mutex
	pages    map[string]entry
	logger   *slog.Logger
	recorder BroadcastRecorder
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBroadcastRecorder records broadcast outcomes.
func WithBroadcastRecorder(rec BroadcastRecorder) Option {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// WithClock overrides the clock used for ConnectedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		pages:  make(map[string]entry),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts or replaces the connection for info.ID and announces it.
func (r *Registry) Register(conn PageConnection, info PageInfo) error {
	if info.ID == "" {
		return errors.InvalidInput("pageId", "must not be empty")
	}
	if conn == nil {
		return errors.InvalidInput("connection", "must not be nil")
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = r.now()
	}

	r.mu.Lock()
	_, replaced := r.pages[info.ID]
	r.pages[info.ID] = entry{conn: conn, info: info}
	r.mu.Unlock()

	r.logger.Info("registry.page.connected",
		slog.String("page_id", info.ID),
		slog.String("url", info.URL),
		slog.Bool("replaced", replaced),
	)
	r.Broadcast(fmt.Sprintf("Page connected: %s", describePage(info)))
	return nil
}

// Unregister removes pageID. When conn is non-nil the entry is removed only if
// it still belongs to conn, so a late close cannot evict a newer registration.
func (r *Registry) Unregister(pageID string, conn PageConnection) bool {
	r.mu.Lock()
	e, ok := r.pages[pageID]
	if !ok || (conn != nil && e.conn != conn) {
		r.mu.Unlock()
		return false
	}
	delete(r.pages, pageID)
	r.mu.Unlock()

	r.logger.Info("registry.page.disconnected", slog.String("page_id", pageID))
	r.Broadcast(fmt.Sprintf("Page disconnected: %s", pageID))
	return true
}

// Get returns the open connection for pageID. A stale entry is pruned.
func (r *Registry) Get(pageID string) (PageConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pages[pageID]
	if !ok {
		return nil, false
	}
	if !e.conn.IsOpen() {
		delete(r.pages, pageID)
		r.logger.Debug("registry.page.pruned", slog.String("page_id", pageID))
		return nil, false
	}
	return e.conn, true
}

// List returns the sorted ids of open pages, pruning stale entries.
func (r *Registry) List() []string {
	pages := r.Pages()
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.ID)
	}
	return ids
}

// Pages returns metadata for open pages sorted by id, pruning stale entries.
func (r *Registry) Pages() []PageInfo {
	r.mu.Lock()
	out := make([]PageInfo, 0, len(r.pages))
	for id, e := range r.pages {
		if !e.conn.IsOpen() {
			delete(r.pages, id)
			r.logger.Debug("registry.page.pruned", slog.String("page_id", id))
			continue
		}
		out = append(out, e.info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of open pages.
func (r *Registry) Count() int {
	return len(r.Pages())
}

// Broadcast sends an activity notice to every open page. Failures are logged
// and counted but never returned. It reports how many pages received it.
func (r *Registry) Broadcast(message string) int {
	r.mu.Lock()
	targets := make(map[string]PageConnection, len(r.pages))
	for id, e := range r.pages {
		if e.conn.IsOpen() {
			targets[id] = e.conn
		}
	}
	r.mu.Unlock()

	notice := Activity{Type: "activity", Message: message}
	delivered, failed := 0, 0
	for id, conn := range targets {
		if err := safeSend(conn, notice); err != nil {
			failed++
			r.logger.Debug("registry.broadcast.failed",
				slog.String("page_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}
	if r.recorder != nil {
		r.recorder.RecordBroadcast(context.Background(), delivered, failed)
	}
	return delivered
}

// safeSend shields the broadcaster from transports that panic on write.
func safeSend(conn PageConnection, msg any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()
	return conn.Send(msg)
}

func describePage(info PageInfo) string {
	switch {
	case info.Title != "" && info.URL != "":
		return fmt.Sprintf("%s (%s - %s)", info.ID, info.Title, info.URL)
	case info.URL != "":
		return fmt.Sprintf("%s (%s)", info.ID, info.URL)
	default:
		return info.ID
	}
}
