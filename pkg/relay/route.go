// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jllopis/pagerelay/pkg/errors"
)

// Route delivers a page reply to its pending request. It reports false for
// orphan replies, which are logged and otherwise ignored.
func (r *Relay) Route(reply Reply) bool {
	ctx := context.Background()
	rec, ok := r.table.Take(reply.RequestID)
	if !ok {
		r.orphans.Add(1)
		r.metrics.RecordOrphan(ctx)
		r.logger.Debug("relay.reply.orphan",
			slog.Int64("request_id", reply.RequestID),
			slog.String("page_id", reply.PageID),
		)
		return false
	}

	method := Method(rec.Method)
	pageID := reply.PageID
	if pageID == "" {
		pageID = rec.PageID
	}

	if reply.Error != "" {
		err := errors.Remote(pageID, reply.Error).
			WithContext("request_id", rec.ID).
			WithContext("method", rec.Method)
		r.rejected.Add(1)
		r.recordError(err)
		r.metrics.RecordRejected(ctx, rec.Method, string(errors.CodeRemoteError))
		r.logger.Info("relay.reply.error",
			slog.Int64("request_id", rec.ID),
			slog.String("method", rec.Method),
			slog.String("page_id", pageID),
			slog.String("error", reply.Error),
		)
		rec.Reject(err)
		r.pages.Broadcast(replyErrorNotice(method, pageID, reply.Error))
		return true
	}

	result := reply.Result
	if isAbsent(result) {
		// A reply with no result resolves with the envelope itself.
		envelope, err := json.Marshal(reply)
		if err != nil {
			envelope = []byte("null")
		}
		result = envelope
	}

	roundTrip := rec.Age(r.now())
	r.resolved.Add(1)
	r.metrics.RecordResolved(ctx, rec.Method, roundTrip)
	r.logger.Debug("relay.reply.resolved",
		slog.Int64("request_id", rec.ID),
		slog.String("method", rec.Method),
		slog.String("page_id", pageID),
		slog.Duration("round_trip", roundTrip),
	)
	rec.Resolve(result)
	r.pages.Broadcast(replyNotice(method, pageID))
	return true
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
