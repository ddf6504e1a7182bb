package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ResultText joins the text content of a tool result.
func ResultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	return extractTextContent(result.Content)
}

// DecodeResult returns the payload of a successful tool result as JSON.
// A tool error becomes a Go error carrying the tool's message.
func DecodeResult(result *mcp.CallToolResult) (json.RawMessage, error) {
	if result == nil {
		return nil, errors.New("mcp tool result is nil")
	}
	if result.IsError {
		return nil, fmt.Errorf("mcp tool returned error: %s", extractTextContent(result.Content))
	}
	if text := strings.TrimSpace(extractTextContent(result.Content)); text != "" && json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	if result.StructuredContent != nil {
		return json.Marshal(result.StructuredContent)
	}
	return json.Marshal(extractTextContent(result.Content))
}

func extractTextContent(items []mcp.Content) string {
	if len(items) == 0 {
		return ""
	}
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
