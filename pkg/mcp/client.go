package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/pagerelay/pkg/relay"
	"github.com/jllopis/pagerelay/pkg/resilience"
)

const (
	defaultTimeout  = 45 * time.Second
	defaultCacheTTL = 30 * time.Second

	clientName    = "pagerelay-client"
	clientVersion = "0.1.0"
)

// Tools that only read page state. Calls to them may be repeated on transport
// failure; modify_page and run_snippet are sent at most once.
var readOnlyTools = map[string]bool{
	ToolQueryPage:   true,
	ToolListPages:   true,
	ToolRelayStatus: true,
}

// ClientOption customizes the relay MCP client.
type ClientOption func(*Client)

// WithTimeout bounds each request. Page round trips can take up to the relay
// timeout, so keep this above relay.request_timeout_ms.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry sets how many times a read-only call is repeated and the initial
// backoff between attempts.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.retry.MaxAttempts = retries + 1
		}
		if backoff > 0 {
			c.retry.InitialDelay = backoff
		}
	}
}

// WithToolCacheTTL sets how long tools/list results are reused. 0 disables it.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// Client calls the relay tools over any mcp-go transport.
type Client struct {
	mcpClient client.MCPClient
	timeout   time.Duration
	retry     resilience.RetryConfig
	cacheTTL  time.Duration

	mu          sync.Mutex
	toolsCache  []mcp.Tool
	cacheExpiry time.Time
}

// NewClient wraps an initialized mcp-go client.
func NewClient(c client.MCPClient, opts ...ClientOption) *Client {
	out := &Client{
		mcpClient: c,
		timeout:   defaultTimeout,
		retry:     resilience.DefaultRetryConfig(),
		cacheTTL:  defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(out)
	}
	return out
}

// NewClientWithStdio starts command and speaks MCP over its stdin/stdout.
func NewClientWithStdio(command string, args []string, opts ...ClientOption) (*Client, error) {
	return NewClientWithStdioProtocol(command, args, mcp.LATEST_PROTOCOL_VERSION, opts...)
}

// NewClientWithStdioProtocol is NewClientWithStdio with an explicit protocol version.
func NewClientWithStdioProtocol(command string, args []string, protocolVersion string, opts ...ClientOption) (*Client, error) {
	stdioClient, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, err
	}
	return start(stdioClient, protocolVersion, opts)
}

// NewClientWithStreamableHTTP connects to a relay's streamable HTTP endpoint.
func NewClientWithStreamableHTTP(baseURL string, opts ...ClientOption) (*Client, error) {
	return NewClientWithStreamableHTTPProtocol(baseURL, mcp.LATEST_PROTOCOL_VERSION, opts...)
}

// NewClientWithStreamableHTTPProtocol is NewClientWithStreamableHTTP with an
// explicit protocol version.
func NewClientWithStreamableHTTPProtocol(baseURL, protocolVersion string, opts ...ClientOption) (*Client, error) {
	httpClient, err := client.NewStreamableHttpClient(baseURL)
	if err != nil {
		return nil, err
	}
	return start(httpClient, protocolVersion, opts)
}

func start(c *client.Client, protocolVersion string, opts []ClientOption) (*Client, error) {
	if protocolVersion == "" {
		protocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	// The stdio transport ties the child process to the Start context.
	if err := c.Start(context.Background()); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = protocolVersion
	initRequest.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, initRequest); err != nil {
		_ = c.Close()
		return nil, err
	}
	return NewClient(c, opts...), nil
}

// ListTools returns the relay tools, served from cache while fresh.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}
	resp, err := resilience.Retry(ctx, c.retry, func(ctx context.Context) (*mcp.ListToolsResult, error) {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.mcpClient.ListTools(reqCtx, mcp.ListToolsRequest{})
	})
	if err != nil {
		return nil, err
	}
	c.storeTools(resp.Tools)
	return resp.Tools, nil
}

// CallTool invokes a relay tool. A page-side failure comes back as a result
// with IsError set, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	call := func(ctx context.Context) (*mcp.CallToolResult, error) {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.mcpClient.CallTool(reqCtx, req)
	}
	if !readOnlyTools[name] {
		return call(ctx)
	}
	return resilience.Retry(ctx, c.retry, call)
}

// QueryPage runs query_page and returns the page's payload.
func (c *Client) QueryPage(ctx context.Context, pageID, selector string) (json.RawMessage, error) {
	return c.callDecoded(ctx, ToolQueryPage, map[string]interface{}{"pageId": pageID, "selector": selector})
}

// ListPages runs list_pages.
func (c *Client) ListPages(ctx context.Context) (*relay.ListPagesResult, error) {
	raw, err := c.callDecoded(ctx, ToolListPages, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var out relay.ListPagesResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ToolListPages, err)
	}
	return &out, nil
}

// Status runs relay_status.
func (c *Client) Status(ctx context.Context) (*relay.Status, error) {
	raw, err := c.callDecoded(ctx, ToolRelayStatus, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var out relay.Status
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ToolRelayStatus, err)
	}
	return &out, nil
}

func (c *Client) callDecoded(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	res, err := c.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return DecodeResult(res)
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.mcpClient.Close()
}

func (c *Client) cachedTools() []mcp.Tool {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolsCache) == 0 || time.Now().After(c.cacheExpiry) {
		return nil
	}
	out := make([]mcp.Tool, len(c.toolsCache))
	copy(out, c.toolsCache)
	return out
}

func (c *Client) storeTools(tools []mcp.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolsCache = append(c.toolsCache[:0], tools...)
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
