// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jllopis/pagerelay/pkg/config"
	"github.com/jllopis/pagerelay/pkg/correlation"
	"github.com/jllopis/pagerelay/pkg/governance"
	"github.com/jllopis/pagerelay/pkg/health"
	"github.com/jllopis/pagerelay/pkg/jsonrpc"
	pagemcp "github.com/jllopis/pagerelay/pkg/mcp"
	"github.com/jllopis/pagerelay/pkg/pagews"
	"github.com/jllopis/pagerelay/pkg/registry"
	"github.com/jllopis/pagerelay/pkg/relay"
	"github.com/jllopis/pagerelay/pkg/runtime"
	"github.com/jllopis/pagerelay/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// app holds the wired relay components.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pages    *registry.Registry
	relay    *relay.Relay
	runtime  *runtime.LocalRuntime
	health   *health.Provider
	mcp      *pagemcp.Server
	handler  http.Handler
	metrics  *telemetry.RelayMetrics
	pageConn *pagews.Handler
	service  relay.Service
	tools    *governance.Policy
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	metrics, err := telemetry.NewRelayMetrics()
	if err != nil {
		return nil, fmt.Errorf("relay metrics: %w", err)
	}

	pages := registry.New(
		registry.WithLogger(logger),
		registry.WithBroadcastRecorder(metrics),
	)
	rl := relay.New(pages, correlation.NewTable(),
		relay.WithTimeout(cfg.Relay.RequestTimeout()),
		relay.WithMaxIDAttempts(cfg.Relay.MaxIDAttempts),
		relay.WithLogger(logger),
		relay.WithMetrics(metrics),
	)

	rt := runtime.NewLocal()
	rt.SetLogger(logger)
	rt.SetSweepInterval(cfg.Relay.SweepInterval())
	rt.AddExpirer(rl)

	provider := health.NewProvider()
	provider.Register("relay", health.RelayChecker(rl))
	provider.Register("pages", health.PagesChecker(rl))

	tools := governance.NewPolicy(toolFilter(cfg.Tools))
	service := governance.Guard(rl, tools)

	mcpServer := pagemcp.NewServer(cfg.MCP.Name, cfg.MCP.Version, service,
		pagemcp.WithLogger(logger),
		pagemcp.WithToolFilter(tools.Allows),
	)
	pageConn := pagews.NewHandler(pages, rl, pagews.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		pages:    pages,
		relay:    rl,
		runtime:  rt,
		health:   provider,
		metrics:  metrics,
		service:  service,
		tools:    tools,
		mcp:      mcpServer,
		pageConn: pageConn,
	}
	a.handler = a.routes()
	return a, nil
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Server.PagePath, a.pageConn)
	rpc := jsonrpc.New(a.service, a.logger)
	rpc.Allow = a.tools.Allows
	mux.Handle(a.cfg.Server.RPCPath, rpc)
	mux.Handle(a.cfg.Server.StatusPath, health.StatusHandler(a.health, a.relay))
	if a.cfg.MCP.Transport != "stdio" {
		mux.Handle(a.cfg.Server.MCPPath, a.mcp.Handler(a.cfg.Server.MCPPath))
	}
	return mux
}

func toolFilter(cfg config.ToolsConfig) *governance.ToolFilter {
	return governance.NewToolFilter(
		governance.WithAllowlist(cfg.Allow),
		governance.WithDenylist(cfg.Deny),
	)
}

// applyConfig applies the sections a running relay can change in place.
func (a *app) applyConfig(change config.Change) {
	if change.Changed(config.SectionLog) {
		telemetry.SetLogLevel(change.Current.Log.Level)
	}
	if change.Changed(config.SectionTools) {
		a.tools.Store(toolFilter(change.Current.Tools))
		a.mcp.RefreshTools()
		a.logger.Info("governance.tools.reload",
			slog.Any("allow", change.Current.Tools.Allow),
			slog.Any("deny", change.Current.Tools.Deny),
		)
	}
}

func runServe(ctx context.Context, global globalFlags, cfg *config.Config) error {
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdownTelemetry, err := telemetry.InitWithConfig("pagerelay", version, telemetry.Config{
		Exporter:           cfg.Telemetry.Exporter,
		OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:       cfg.Telemetry.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.Telemetry.OTLPTimeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return WrapConnectionError(err, cfg.Server.Addr)
	}
	httpServer := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}

	// Hooks run newest first: pending requests are rejected before the
	// listener drains, telemetry flushes last.
	a.runtime.OnStop("telemetry", runtime.ShutdownFunc(shutdownTelemetry))
	a.runtime.OnStop("http", httpServer.Shutdown)
	a.runtime.OnStop("relay", func(context.Context) error {
		a.relay.Close()
		return nil
	})

	if err := a.runtime.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("relay.http.start",
			slog.String("addr", listener.Addr().String()),
			slog.String("page_path", cfg.Server.PagePath),
			slog.String("rpc_path", cfg.Server.RPCPath),
			slog.String("mcp_transport", cfg.MCP.Transport),
		)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if addr := cfg.Server.GRPCHealthAddr; addr != "" {
		publisher := health.NewPublisher(a.health, logger)
		go publisher.Run(ctx, 5*time.Second)
		go func() {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				errCh <- err
				return
			}
			if err := publisher.Serve(ctx, lis); err != nil {
				errCh <- err
			}
		}()
	}

	if cfg.MCP.Transport == "stdio" {
		go func() {
			if err := a.mcp.ServeStdio(); err != nil {
				logger.Warn("mcp.stdio.stop", slog.String("error", err.Error()))
			}
			cancel()
		}()
	}

	if global.ConfigPath != "" {
		watcher, _, err := config.WatchConfig(ctx, global.ConfigPath,
			config.WithWatchLogger(logger),
			config.WithWatchProfile(global.Profile),
			config.WithWatchArgs(global.ConfigArgs),
		)
		if err != nil {
			logger.Warn("config.watch.error", slog.String("error", err.Error()))
		} else {
			watcher.OnChange(a.applyConfig)
			defer watcher.Stop()
		}
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("relay.serve.error", slog.String("error", serveErr.Error()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := a.runtime.Stop(shutdownCtx); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}
