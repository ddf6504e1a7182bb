// Package mcp exposes the relay as MCP tools and provides a client for them.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/pagerelay/pkg/relay"
	"github.com/jllopis/pagerelay/pkg/telemetry"
)

// Tool names.
const (
	ToolQueryPage   = "query_page"
	ToolModifyPage  = "modify_page"
	ToolRunSnippet  = "run_snippet"
	ToolListPages   = "list_pages"
	ToolRelayStatus = "relay_status"
)

const instructions = "Tools to inspect and change live browser pages connected to this relay. " +
	"Call list_pages first to find page ids."

// Server wraps the mcp-go server and routes tool calls into the relay.
type Server struct {
	mcpServer *server.MCPServer
	service   relay.Service
	logger    *slog.Logger
	tracer    trace.Tracer
	allow     func(name string) bool
}

// ServerOption customizes the MCP server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithToolFilter hides tools for which allow returns false.
func WithToolFilter(allow func(name string) bool) ServerOption {
	return func(s *Server) {
		s.allow = allow
	}
}

// NewServer creates an MCP server exposing the relay tools.
func NewServer(name, version string, service relay.Service, opts ...ServerOption) *Server {
	s := &Server{
		service: service,
		logger:  slog.Default(),
		tracer:  otel.Tracer("pagerelay/mcp"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mcpServer = server.NewMCPServer(name, version,
		server.WithToolCapabilities(true),
		server.WithInstructions(instructions),
		server.WithRecovery(),
		server.WithToolHandlerMiddleware(s.observe),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP on stdin/stdout until the stream closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// StreamableHTTPServer returns a streamable HTTP transport for the server.
func (s *Server) StreamableHTTPServer(endpointPath string) *server.StreamableHTTPServer {
	opts := []server.StreamableHTTPOption{}
	if endpointPath != "" {
		opts = append(opts, server.WithEndpointPath(endpointPath))
	}
	return server.NewStreamableHTTPServer(s.mcpServer, opts...)
}

// Handler returns an http.Handler serving MCP at endpointPath.
func (s *Server) Handler(endpointPath string) http.Handler {
	return s.StreamableHTTPServer(endpointPath)
}

// RefreshTools re-applies the tool filter to the registered tools and
// notifies connected clients that the list changed.
func (s *Server) RefreshTools() {
	all := Tools()
	names := make([]string, 0, len(all))
	for _, tool := range all {
		names = append(names, tool.Name)
	}
	s.mcpServer.DeleteTools(names...)
	s.registerTools()
}

func (s *Server) registerTools() {
	for _, tool := range Tools() {
		if s.allow != nil && !s.allow(tool.Name) {
			continue
		}
		if tool.Name == ToolRelayStatus {
			s.mcpServer.AddTool(tool, s.statusHandler)
			continue
		}
		s.mcpServer.AddTool(tool, s.submitHandler(tool.Name))
	}
}

func (s *Server) submitHandler(method string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
		}
		result, err := s.service.Submit(ctx, method, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return structuredResult(result), nil
	}
}

func (s *Server) statusHandler(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(s.service.Status())
	if err != nil {
		return mcp.NewToolResultErrorFromErr("failed to encode status", err), nil
	}
	return structuredResult(data), nil
}

// structuredResult returns the page payload verbatim as text, plus structured
// content when the payload is a JSON object.
func structuredResult(payload json.RawMessage) *mcp.CallToolResult {
	var object map[string]any
	if err := json.Unmarshal(payload, &object); err == nil && object != nil {
		return mcp.NewToolResultStructured(object, string(payload))
	}
	return mcp.NewToolResultText(string(payload))
}

func (s *Server) observe(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := request.Params.Name
		ctx, span := s.tracer.Start(ctx, "mcp.tool.call", trace.WithAttributes(
			attribute.String("tool.name", name),
			attribute.String(telemetry.AttrTransport, "mcp"),
		))
		defer span.End()

		start := time.Now()
		result, err := next(ctx, request)
		durationMs := float64(time.Since(start).Microseconds()) / 1000
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("mcp.tool.error",
				slog.String("tool", name),
				slog.Float64("duration_ms", durationMs),
				slog.String("error", err.Error()),
			)
		case result != nil && result.IsError:
			text := ResultText(result)
			span.SetStatus(codes.Error, text)
			s.logger.Warn("mcp.tool.failed",
				slog.String("tool", name),
				slog.Float64("duration_ms", durationMs),
				slog.String("error", text),
			)
		default:
			s.logger.Debug("mcp.tool.complete",
				slog.String("tool", name),
				slog.Float64("duration_ms", durationMs),
			)
		}
		return result, err
	}
}
