// Package client calls a relay's JSON-RPC endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jllopis/pagerelay/pkg/relay"
	"github.com/jllopis/pagerelay/pkg/resilience"
)

const (
	codeUnavailable      = -32002
	codePageNotConnected = -32004
)

// Client wraps the relay JSON-RPC binding.
type Client struct {
	endpoint   string
	httpClient *http.Client
	headers    map[string]string
	retry      *resilience.RetryConfig
}

// Option configures the client.
type Option func(*Client)

// New creates a JSON-RPC client bound to an HTTP endpoint.
func New(endpoint string, opts ...Option) *Client {
	client := &Client{
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// WithHeaders sets default headers for each request.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		c.headers = cloneHeaders(headers)
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRetry retries read-only calls (status, list_pages, query_page) on
// transport failures and on page-not-connected or unavailable errors.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) {
		cfg.IsRecoverable = retryable
		c.retry = &cfg
	}
}

// Error is a JSON-RPC error returned by the relay.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Status fetches relay status.
func (c *Client) Status(ctx context.Context) (*relay.Status, error) {
	var resp relay.Status
	if err := c.readCall(ctx, "status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPages lists connected pages.
func (c *Client) ListPages(ctx context.Context) (*relay.ListPagesResult, error) {
	var resp relay.ListPagesResult
	if err := c.readCall(ctx, string(relay.MethodListPages), map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryPage runs a selector query on a page.
func (c *Client) QueryPage(ctx context.Context, pageID, selector string) (json.RawMessage, error) {
	if strings.TrimSpace(pageID) == "" {
		return nil, fmt.Errorf("pageId is required")
	}
	var resp json.RawMessage
	params := map[string]string{"pageId": pageID, "selector": selector}
	if err := c.readCall(ctx, string(relay.MethodQueryPage), params, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) readCall(ctx context.Context, method string, params any, result any) error {
	if c.retry == nil {
		return c.Call(ctx, method, params, result)
	}
	return c.retry.Do(ctx, func() error {
		return c.Call(ctx, method, params, result)
	})
}

func retryable(err error) bool {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == codePageNotConnected || rpcErr.Code == codeUnavailable
	}
	if st, ok := status.FromError(err); ok {
		return st.Code() == codes.Unavailable
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Call invokes method with params and decodes the result into result.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	var payload json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		payload = raw
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  payload,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	c.applyHeaders(ctx, request)
	resp, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(resp)
	}
	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(decoded.Result, result)
}

func (c *Client) applyHeaders(ctx context.Context, request *http.Request) {
	for key, value := range c.headers {
		request.Header.Set(key, value)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(request.Header))
}

func parseHTTPError(response *http.Response) error {
	payload, _ := io.ReadAll(response.Body)
	detail := strings.TrimSpace(string(payload))
	if detail == "" {
		detail = response.Status
	}
	code := codes.Unknown
	if response.StatusCode == http.StatusServiceUnavailable || response.StatusCode == http.StatusBadGateway {
		code = codes.Unavailable
	}
	return status.Error(code, detail)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func cloneHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		out[key] = value
	}
	return out
}
