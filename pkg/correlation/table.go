// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package correlation tracks in-flight page commands by request id.
//
// The table never interprets a record's continuations; it only guarantees
// that each record is handed out at most once. Take is an atomic
// lookup-and-remove, so whichever of the reply router, the reaper, a
// cancellation or a send rollback calls it first owns the record.
package correlation

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateID is returned by Put when the id is already pending.
var ErrDuplicateID = errors.New("correlation: request id already pending")

// Record is one pending request.
type Record struct {
	ID        int64
	Method    string
	PageID    string
	CreatedAt time.Time

	// Resolve receives the page's result payload.
	Resolve func(result json.RawMessage)
	// Reject receives the terminal error.
	Reject func(err error)
}

// Age reports how long the record has been pending at now.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Table maps request ids to pending records.
type Table struct {
	mu      sync.Mutex
	records map[int64]*Record
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{records: make(map[int64]*Record)}
}

// Put inserts a record. It never overwrites an existing entry.
func (t *Table) Put(id int64, rec *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.records[id]; exists {
		return ErrDuplicateID
	}
	t.records[id] = rec
	return nil
}

// Take removes and returns the record for id.
func (t *Table) Take(id int64) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if ok {
		delete(t.records, id)
	}
	return rec, ok
}

// TakeIf removes and returns the record for id only when keep reports true
// for it. The check and the removal happen under one lock.
func (t *Table) TakeIf(id int64, keep func(*Record) bool) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok || !keep(rec) {
		return nil, false
	}
	delete(t.records, id)
	return rec, true
}

// ScanExpired lists records older than timeout at now, ordered by id.
// It does not remove them; callers Take each one.
func (t *Table) ScanExpired(now time.Time, timeout time.Duration) []*Record {
	t.mu.Lock()
	expired := make([]*Record, 0)
	for _, rec := range t.records {
		if rec.Age(now) > timeout {
			expired = append(expired, rec)
		}
	}
	t.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// Drain removes every record and returns them ordered by id.
func (t *Table) Drain() []*Record {
	t.mu.Lock()
	out := make([]*Record, 0, len(t.records))
	for id, rec := range t.records {
		out = append(out, rec)
		delete(t.records, id)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of pending records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Oldest returns the creation time of the oldest pending record.
func (t *Table) Oldest() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var oldest time.Time
	found := false
	for _, rec := range t.records {
		if !found || rec.CreatedAt.Before(oldest) {
			oldest = rec.CreatedAt
			found = true
		}
	}
	return oldest, found
}
