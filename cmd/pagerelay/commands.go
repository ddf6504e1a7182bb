// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jllopis/pagerelay/pkg/config"
	rpcclient "github.com/jllopis/pagerelay/pkg/jsonrpc/client"
	pagemcp "github.com/jllopis/pagerelay/pkg/mcp"
	"github.com/jllopis/pagerelay/pkg/relay"
	"github.com/jllopis/pagerelay/pkg/resilience"
)

type statusResult struct {
	Version   string        `json:"version"`
	URL       string        `json:"url"`
	Reachable bool          `json:"reachable"`
	Relay     *relay.Status `json:"relay,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func rpcClient(global globalFlags, cfg *config.Config) *rpcclient.Client {
	retry := resilience.DefaultRetryConfig()
	if !global.JSON {
		retry = retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			fmt.Fprintf(os.Stderr, "attempt %d failed (%v), retrying in %s\n", attempt, err, wait.Round(time.Millisecond))
		})
	}
	return rpcclient.New(endpoint(global.URL, cfg.Server.RPCPath), rpcclient.WithRetry(retry))
}

func mcpClient(global globalFlags, cfg *config.Config) (*pagemcp.Client, error) {
	addr := endpoint(global.URL, cfg.Server.MCPPath)
	client, err := pagemcp.NewClientWithStreamableHTTP(addr, pagemcp.WithTimeout(global.Timeout))
	if err != nil {
		return nil, WrapConnectionError(err, addr)
	}
	return client, nil
}

func runStatus(ctx context.Context, global globalFlags, cfg *config.Config) {
	result := statusResult{
		Version:   version,
		URL:       global.URL,
		Reachable: checkHTTP(global.URL),
	}
	if result.Reachable {
		ctx, cancel := context.WithTimeout(ctx, global.Timeout)
		defer cancel()
		st, err := rpcClient(global, cfg).Status(ctx)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Relay = st
		}
	}

	if global.JSON {
		printJSON(result)
		return
	}

	fmt.Printf("pagerelay: %s\n", result.Version)
	fmt.Printf("relay: %s (reachable=%t)\n", result.URL, result.Reachable)
	if result.Error != "" {
		fmt.Printf("error: %s\n", result.Error)
	}
	if st := result.Relay; st != nil {
		fmt.Printf("uptime: %s\n", time.Duration(st.UptimeSeconds * float64(time.Second)).Round(time.Second).String())
		fmt.Printf("pages: %d (%s)\n", st.ConnectedPages, normalizeCell(strings.Join(st.Pages, ", ")))
		fmt.Printf("pending: %d  timeout: %dms\n", st.Pending, st.TimeoutMs)
		fmt.Printf("dispatched=%d resolved=%d rejected=%d timed_out=%d cancelled=%d orphans=%d\n",
			st.Dispatched, st.Resolved, st.Rejected, st.TimedOut, st.Cancelled, st.Orphans)
		if st.LastError != "" {
			fmt.Printf("last error: %s (%s)\n", st.LastError, formatTime(st.LastErrorAt))
		}
	}
}

func runPages(ctx context.Context, global globalFlags, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()

	result, err := rpcClient(global, cfg).ListPages(ctx)
	if err != nil {
		fatal(err, global.JSON)
	}
	if global.JSON {
		printJSON(result)
		return
	}
	if result.Count == 0 {
		fmt.Println("no pages connected")
		return
	}
	writer := newTabWriter()
	writeRow(writer, "PAGE_ID", "CONNECTED", "TITLE", "URL")
	for _, page := range result.Details {
		writeRow(writer, page.ID, formatTime(page.ConnectedAt), truncateMessage(page.Title, 40), truncateMessage(page.URL, 60))
	}
	_ = writer.Flush()
}

func runTools(ctx context.Context, global globalFlags, cfg *config.Config) {
	client, err := mcpClient(global, cfg)
	if err != nil {
		fatal(err, global.JSON)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()
	tools, err := client.ListTools(ctx)
	if err != nil {
		fatal(err, global.JSON)
	}

	if global.JSON {
		printJSON(tools)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "TOOL", "ARGS", "DESCRIPTION")
	for _, tool := range tools {
		writeRow(writer, tool.Name, strings.Join(tool.InputSchema.Required, ","), truncateMessage(tool.Description, 80))
	}
	_ = writer.Flush()
}

func runCall(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	if len(args) == 0 {
		fatal(NewInvalidArgumentError("tool", "usage: pagerelay call <tool> [json-args | key=value ...]"), global.JSON)
	}
	name := args[0]
	toolArgs, err := parseToolArgs(args[1:])
	if err != nil {
		fatal(NewInvalidArgumentError("args", err.Error()), global.JSON)
	}

	client, err := mcpClient(global, cfg)
	if err != nil {
		fatal(err, global.JSON)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()
	result, err := client.CallTool(ctx, name, toolArgs)
	if err != nil {
		fatal(err, global.JSON)
	}
	payload, err := pagemcp.DecodeResult(result)
	if err != nil {
		fatal(err, global.JSON)
	}

	var pretty any
	if json.Unmarshal(payload, &pretty) == nil {
		printJSON(pretty)
		return
	}
	fmt.Println(string(payload))
}

// parseToolArgs accepts either one JSON object or key=value pairs. Values
// that parse as JSON keep their type.
func parseToolArgs(args []string) (map[string]any, error) {
	out := map[string]any{}
	if len(args) == 0 {
		return out, nil
	}
	if len(args) == 1 && strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		if err := json.Unmarshal([]byte(args[0]), &out); err != nil {
			return nil, fmt.Errorf("invalid JSON arguments: %w", err)
		}
		return out, nil
	}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		out[strings.TrimSpace(key)] = value
	}
	return out, nil
}
