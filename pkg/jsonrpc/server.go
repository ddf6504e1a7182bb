// Package jsonrpc serves the relay over plain JSON-RPC 2.0 on HTTP POST.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	relayerrors "github.com/jllopis/pagerelay/pkg/errors"
	"github.com/jllopis/pagerelay/pkg/mcp"
	"github.com/jllopis/pagerelay/pkg/relay"
	"github.com/jllopis/pagerelay/pkg/telemetry"
)

// Method names beyond the relay tools.
const (
	MethodStatus    = "status"
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
)

// Server exposes the relay through JSON-RPC.
type Server struct {
	Service relay.Service
	// Allow filters tools/list; nil lists every tool.
	Allow  func(name string) bool
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a new JSON-RPC server wrapper.
func New(service relay.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Service: service, logger: logger, tracer: otel.Tracer("pagerelay/jsonrpc")}
}

// ServeHTTP handles JSON-RPC 2.0 requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Service == nil {
		writeError(w, nil, rpcError{Code: -32001, Message: "relay not configured"})
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, rpcError{Code: -32700, Message: "invalid json"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeError(w, req.ID, rpcError{Code: -32600, Message: "invalid request"})
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := s.tracer.Start(ctx, "jsonrpc.call", trace.WithAttributes(
		attribute.String("rpc.method", req.Method),
		attribute.String(telemetry.AttrTransport, "jsonrpc"),
	))
	defer span.End()
	r = r.WithContext(ctx)

	switch req.Method {
	case string(relay.MethodQueryPage), string(relay.MethodModifyPage),
		string(relay.MethodRunSnippet), string(relay.MethodListPages):
		s.handleSubmit(w, r, req.ID, req.Method, req.Params)
	case MethodStatus:
		writeJSONResult(w, req.ID, s.Service.Status())
	case MethodToolsList:
		writeJSONResult(w, req.ID, map[string]any{"tools": s.tools()})
	case MethodToolsCall:
		s.handleToolsCall(w, r, req)
	default:
		writeError(w, req.ID, rpcError{Code: -32601, Message: "method not found"})
	}
}

func (s *Server) tools() []mcpgo.Tool {
	all := mcp.Tools()
	if s.Allow == nil {
		return all
	}
	out := make([]mcpgo.Tool, 0, len(all))
	for _, tool := range all {
		if s.Allow(tool.Name) {
			out = append(out, tool)
		}
	}
	return out
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, id any, method string, params json.RawMessage) {
	result, err := s.Service.Submit(r.Context(), method, params)
	if err != nil {
		s.logger.Warn("jsonrpc.call.error",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		writeRPCError(w, id, err)
		return
	}
	writeRawResult(w, id, result)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var payload struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := decodeJSONParams(req.Params, &payload); err != nil {
		writeError(w, req.ID, rpcError{Code: -32602, Message: err.Error()})
		return
	}
	if payload.Name == mcp.ToolRelayStatus {
		raw, err := json.Marshal(s.Service.Status())
		if err != nil {
			writeRPCError(w, req.ID, status.Error(codes.Internal, err.Error()))
			return
		}
		writeJSONResult(w, req.ID, toolResult(raw, false))
		return
	}
	result, err := s.Service.Submit(r.Context(), payload.Name, payload.Arguments)
	if err != nil {
		if relayerrors.HasCode(err, relayerrors.CodeInvalidInput) {
			writeRPCError(w, req.ID, err)
			return
		}
		writeJSONResult(w, req.ID, toolResult([]byte(err.Error()), true))
		return
	}
	writeJSONResult(w, req.ID, toolResult(result, false))
}

// toolResult shapes a payload the way MCP tools/call returns it.
func toolResult(payload []byte, isError bool) *mcpgo.CallToolResult {
	return &mcpgo.CallToolResult{
		Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: string(payload)}},
		IsError: isError,
	}
}

func decodeJSONParams(params json.RawMessage, target any) error {
	if len(params) == 0 {
		return status.Error(codes.InvalidArgument, "missing params")
	}
	return json.Unmarshal(params, target)
}

func writeRawResult(w http.ResponseWriter, id any, payload json.RawMessage) {
	writeJSON(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  payload,
	})
}

func writeJSONResult(w http.ResponseWriter, id any, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		writeRPCError(w, id, status.Error(codes.Internal, err.Error()))
		return
	}
	writeRawResult(w, id, raw)
}

func writeRPCError(w http.ResponseWriter, id any, err error) {
	st, ok := status.FromError(err)
	if !ok {
		writeError(w, id, rpcError{Code: -32000, Message: err.Error()})
		return
	}
	code := -32000
	switch st.Code() {
	case codes.InvalidArgument:
		code = -32602
	case codes.NotFound:
		code = -32004
	case codes.Unavailable:
		code = -32002
	case codes.DeadlineExceeded:
		code = -32005
	case codes.Aborted:
		code = -32006
	case codes.Canceled:
		code = -32007
	case codes.PermissionDenied:
		code = -32003
	case codes.Unimplemented:
		code = -32601
	}
	rpcErr := rpcError{Code: code, Message: st.Message()}
	var re *relayerrors.RelayError
	if errors.As(err, &re) {
		data := map[string]any{"code": re.Code, "recoverable": re.Recoverable}
		if pages, ok := re.Context["connected_pages"]; ok {
			data["connectedPages"] = pages
		}
		rpcErr.Data = data
	}
	writeError(w, id, rpcErr)
}

func writeError(w http.ResponseWriter, id any, err rpcError) {
	writeJSON(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &err,
	})
}

func writeJSON(w http.ResponseWriter, payload rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}
