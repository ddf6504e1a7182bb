// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package pagews

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("pagews: connection closed")

// Conn is one page's WebSocket. It satisfies registry.PageConnection.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	open    atomic.Bool
	once    sync.Once
}

func newConn(id string, ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{id: id, ws: ws, writeTimeout: writeTimeout}
	c.open.Store(true)
	return c
}

// ID returns the connection id assigned at upgrade.
func (c *Conn) ID() string {
	return c.id
}

// Send writes msg as a JSON text frame.
func (c *Conn) Send(msg any) error {
	if !c.open.Load() {
		return ErrConnClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.markClosed()
		return err
	}
	return nil
}

// IsOpen reports whether the socket is still usable.
func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

func (c *Conn) ping() error {
	deadline := time.Now().Add(c.writeTimeout)
	if c.writeTimeout <= 0 {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.markClosed()
		return err
	}
	return nil
}

func (c *Conn) markClosed() {
	c.open.Store(false)
}

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.markClosed()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
