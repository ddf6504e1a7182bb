// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

// Package governance decides which relay tools callers may use.
package governance

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync/atomic"

	"github.com/jllopis/pagerelay/pkg/errors"
	"github.com/jllopis/pagerelay/pkg/relay"
)

// Decision is the outcome of a tool check.
type Decision struct {
	Allowed bool
	Reason  string
}

// ToolFilter allows or denies tools by name. Entries may be glob
// patterns such as "run_*".
type ToolFilter struct {
	allowlist map[string]bool
	denylist  map[string]bool
}

// ToolFilterOption configures a ToolFilter.
type ToolFilterOption func(*ToolFilter)

// NewToolFilter creates a new ToolFilter with the given options.
func NewToolFilter(opts ...ToolFilterOption) *ToolFilter {
	tf := &ToolFilter{
		allowlist: make(map[string]bool),
		denylist:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(tf)
	}
	return tf
}

// WithAllowlist sets the allowlist of permitted tool names/patterns.
func WithAllowlist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		addAll(tf.allowlist, tools)
	}
}

// WithDenylist sets the denylist of forbidden tool names/patterns.
func WithDenylist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		addAll(tf.denylist, tools)
	}
}

func addAll(list map[string]bool, tools []string) {
	for _, tool := range tools {
		tool = strings.TrimSpace(tool)
		if tool != "" {
			list[tool] = true
		}
	}
}

// IsAllowed checks a tool name. Denies win over allows; a non-empty
// allowlist rejects everything it does not match.
func (tf *ToolFilter) IsAllowed(toolName string) Decision {
	if tf == nil {
		return Decision{Allowed: true}
	}
	if matchesList(toolName, tf.denylist) {
		return Decision{Reason: "tool is in denylist"}
	}
	if len(tf.allowlist) > 0 && !matchesList(toolName, tf.allowlist) {
		return Decision{Reason: "tool is not in allowlist"}
	}
	return Decision{Allowed: true}
}

// Allows reports whether toolName passes the filter.
func (tf *ToolFilter) Allows(toolName string) bool {
	return tf.IsAllowed(toolName).Allowed
}

// FilterTools returns only the names that pass the filter.
func (tf *ToolFilter) FilterTools(toolNames []string) []string {
	if tf == nil || (len(tf.allowlist) == 0 && len(tf.denylist) == 0) {
		return toolNames
	}
	filtered := make([]string, 0, len(toolNames))
	for _, name := range toolNames {
		if tf.Allows(name) {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

func matchesList(toolName string, list map[string]bool) bool {
	if list[toolName] {
		return true
	}
	for pattern := range list {
		if ok, err := path.Match(pattern, toolName); err == nil && ok {
			return true
		}
	}
	return false
}

// Checker decides whether a tool may run.
type Checker interface {
	IsAllowed(toolName string) Decision
}

// Policy holds the active ToolFilter. Store swaps it while requests are
// being served, e.g. after a config reload.
type Policy struct {
	filter atomic.Pointer[ToolFilter]
}

// NewPolicy returns a Policy starting with tf. A nil tf allows everything.
func NewPolicy(tf *ToolFilter) *Policy {
	p := &Policy{}
	p.filter.Store(tf)
	return p
}

// Store replaces the active filter.
func (p *Policy) Store(tf *ToolFilter) {
	p.filter.Store(tf)
}

// IsAllowed checks toolName against the active filter.
func (p *Policy) IsAllowed(toolName string) Decision {
	return p.filter.Load().IsAllowed(toolName)
}

// Allows reports whether toolName passes the active filter.
func (p *Policy) Allows(toolName string) bool {
	return p.IsAllowed(toolName).Allowed
}

// Guard wraps a relay service so denied methods fail before dispatch.
func Guard(service relay.Service, checker Checker) relay.Service {
	if checker == nil {
		return service
	}
	return &guarded{Service: service, checker: checker}
}

type guarded struct {
	relay.Service
	checker Checker
}

func (g *guarded) Submit(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	if d := g.checker.IsAllowed(method); !d.Allowed {
		return nil, errors.ToolDenied(method, d.Reason)
	}
	return g.Service.Submit(ctx, method, args)
}
