// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jllopis/pagerelay/pkg/config"
)

const version = "0.1.0"

const defaultRelayURL = "http://127.0.0.1:3030"

type globalFlags struct {
	ConfigArgs []string
	ConfigPath string
	Profile    string
	URL        string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(NewInvalidArgumentError("flags", err.Error()), false)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(NewConfigError(err, global.ConfigPath), global.JSON)
	}

	cmd := args[0]
	switch cmd {
	case "serve":
		ensureNoArgs(args[1:])
		if err := runServe(ctx, global, cfg); err != nil {
			fatal(err, global.JSON)
		}
	case "status":
		ensureNoArgs(args[1:])
		runStatus(ctx, global, cfg)
	case "pages":
		ensureNoArgs(args[1:])
		runPages(ctx, global, cfg)
	case "tools":
		ensureNoArgs(args[1:])
		runTools(ctx, global, cfg)
	case "call":
		runCall(ctx, global, cfg, args[1:])
	case "help":
		printUsage()
	case "version":
		printVersion()
	default:
		fatal(NewInvalidArgumentError("command", fmt.Sprintf("unknown command %q", cmd)), global.JSON)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{
		URL:     getenv("PAGERELAY_URL", defaultRelayURL),
		Timeout: 45 * time.Second,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		name, value, hasValue := strings.Cut(arg, "=")
		needValue := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("missing value for %s", name)
			}
			i++
			return args[i], nil
		}
		switch name {
		case "-h", "--help":
			flags.Help = true
			return flags, nil, nil
		case "--json":
			flags.JSON = true
		case "--config", "--set", "--profile", "--env":
			v, err := needValue()
			if err != nil {
				return flags, nil, err
			}
			flags.ConfigArgs = append(flags.ConfigArgs, name, v)
			switch name {
			case "--config":
				flags.ConfigPath = v
			case "--profile", "--env":
				flags.Profile = v
			}
		case "--url":
			v, err := needValue()
			if err != nil {
				return flags, nil, err
			}
			flags.URL = strings.TrimRight(v, "/")
		case "--timeout":
			v, err := needValue()
			if err != nil {
				return flags, nil, err
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = d
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func checkTCP(addr string) bool {
	if strings.TrimSpace(addr) == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func checkHTTP(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if !strings.Contains(host, ":") {
		if parsed.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return checkTCP(host)
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err, false)
	}
	fmt.Println(string(payload))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func truncateMessage(value string, limit int) string {
	value = normalizeCell(value)
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}

func printVersion() {
	fmt.Println(version)
}

func printUsage() {
	fmt.Println(`pagerelay relays tool calls to live browser pages.

Usage:
  pagerelay [global flags] <command> [args]

Global flags:
  --config <path>      Path to a YAML config file
  --profile <name>     Load <config>.<name>.yaml on top (alias --env)
  --set key=value      Override config (repeatable)
  --url <url>          Relay base URL for client commands (default http://127.0.0.1:3030)
  --timeout <dur>      Client request timeout (default 45s)
  --json               JSON output

Commands:
  serve                Run the relay
  status               Show relay status
  pages                List connected pages
  tools                List MCP tools exposed by the relay
  call <tool> [json]   Call a tool with JSON arguments
  version`)
}

func fatal(err error, asJSON bool) {
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		cliErr.PrintError(asJSON)
	} else {
		describeError(err).PrintError(asJSON)
	}
	os.Exit(1)
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fatal(NewInvalidArgumentError("args", fmt.Sprintf("unexpected args: %v", args)), false)
	}
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
