// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "sync/atomic"

// IDGenerator produces request ids.
type IDGenerator interface {
	Next() int64
}

// Counter hands out increasing ids starting after its seed.
type Counter struct {
	n atomic.Int64
}

// NewCounter returns a counter whose first id is start+1.
func NewCounter(start int64) *Counter {
	c := &Counter{}
	c.n.Store(start)
	return c
}

// Next returns the next id.
func (c *Counter) Next() int64 {
	return c.n.Add(1)
}
