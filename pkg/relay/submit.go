// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/jllopis/pagerelay/pkg/errors"
	"github.com/jllopis/pagerelay/pkg/registry"
)

// Submitter is the single entry point caller transports use.
type Submitter interface {
	Submit(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error)
}

// Service is what caller transports need from the relay.
type Service interface {
	Submitter
	Status() Status
}

var _ Service = (*Relay)(nil)

// QueryParams are sent to the page for query_page.
type QueryParams struct {
	Selector string `json:"selector"`
}

// Modification is sent to the page for modify_page.
type Modification struct {
	Selector  string          `json:"selector"`
	Operation string          `json:"operation"`
	Value     json.RawMessage `json:"value"`
	Attribute string          `json:"attribute,omitempty"`
}

// SnippetParams are sent to the page for run_snippet.
type SnippetParams struct {
	Code string `json:"code"`
}

// ListPagesResult is returned by list_pages.
type ListPagesResult struct {
	Pages   []string            `json:"pages"`
	Count   int                 `json:"count"`
	Details []registry.PageInfo `json:"details"`
}

type queryArgs struct {
	PageID   string `json:"pageId"`
	Selector string `json:"selector"`
}

type modifyArgs struct {
	TargetPage   string        `json:"targetPage"`
	PageID       string        `json:"pageId"`
	Modification *Modification `json:"modification"`
}

type snippetArgs struct {
	PageID string  `json:"pageId"`
	Code   *string `json:"code"`
}

// Submit validates args for method, dispatches it and waits for the reply.
func (r *Relay) Submit(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	switch Method(method) {
	case MethodListPages:
		return json.Marshal(r.ListPages())
	case MethodQueryPage:
		var a queryArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if err := requireString("pageId", a.PageID); err != nil {
			return nil, err
		}
		if err := requireString("selector", a.Selector); err != nil {
			return nil, err
		}
		return r.call(ctx, MethodQueryPage, a.PageID, QueryParams{Selector: a.Selector})
	case MethodModifyPage:
		var a modifyArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		target := a.TargetPage
		if target == "" {
			target = a.PageID
		}
		if err := requireString("targetPage", target); err != nil {
			return nil, err
		}
		if a.Modification == nil {
			return nil, errors.InvalidInput("modification", "is required")
		}
		if err := requireString("modification.selector", a.Modification.Selector); err != nil {
			return nil, err
		}
		if err := requireString("modification.operation", a.Modification.Operation); err != nil {
			return nil, err
		}
		if isAbsent(a.Modification.Value) {
			return nil, errors.InvalidInput("modification.value", "is required")
		}
		return r.call(ctx, MethodModifyPage, target, *a.Modification)
	case MethodRunSnippet:
		var a snippetArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if err := requireString("pageId", a.PageID); err != nil {
			return nil, err
		}
		if a.Code == nil {
			return nil, errors.InvalidInput("code", "is required")
		}
		return r.call(ctx, MethodRunSnippet, a.PageID, SnippetParams{Code: *a.Code})
	default:
		return nil, errors.New(errors.CodeInvalidInput, "unknown method: "+method, nil).
			WithContext("method", method)
	}
}

// QueryPage runs a selector query on a page.
func (r *Relay) QueryPage(ctx context.Context, pageID, selector string) (json.RawMessage, error) {
	args, _ := json.Marshal(queryArgs{PageID: pageID, Selector: selector})
	return r.Submit(ctx, string(MethodQueryPage), args)
}

// ModifyPage applies a DOM modification on a page.
func (r *Relay) ModifyPage(ctx context.Context, pageID string, mod Modification) (json.RawMessage, error) {
	args, _ := json.Marshal(modifyArgs{TargetPage: pageID, Modification: &mod})
	return r.Submit(ctx, string(MethodModifyPage), args)
}

// RunSnippet executes code on a page.
func (r *Relay) RunSnippet(ctx context.Context, pageID, code string) (json.RawMessage, error) {
	args, _ := json.Marshal(snippetArgs{PageID: pageID, Code: &code})
	return r.Submit(ctx, string(MethodRunSnippet), args)
}

// ListPages reports the connected pages without touching the table.
func (r *Relay) ListPages() ListPagesResult {
	details := r.pages.Pages()
	ids := make([]string, 0, len(details))
	for _, info := range details {
		ids = append(ids, info.ID)
	}
	return ListPagesResult{Pages: ids, Count: len(ids), Details: details}
}

func (r *Relay) call(ctx context.Context, method Method, pageID string, params any) (json.RawMessage, error) {
	handle, err := r.Dispatch(ctx, method, pageID, params)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

func decodeArgs(args json.RawMessage, out any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, out); err != nil {
		return errors.New(errors.CodeInvalidInput, "arguments must be a JSON object", err)
	}
	return nil
}

func requireString(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.InvalidInput(name, "must be a non-empty string")
	}
	return nil
}
