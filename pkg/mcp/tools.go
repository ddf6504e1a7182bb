package mcp

import "github.com/mark3labs/mcp-go/mcp"

// Tools returns the relay tool definitions in a stable order.
func Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(ToolQueryPage,
			mcp.WithDescription("Query elements on a connected page with a CSS selector."),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("pageId", mcp.Required(), mcp.Description("Id of the connected page")),
			mcp.WithString("selector", mcp.Required(), mcp.Description("CSS selector to evaluate on the page")),
		),
		mcp.NewTool(ToolModifyPage,
			mcp.WithDescription("Change an element on a connected page."),
			mcp.WithDestructiveHintAnnotation(true),
			mcp.WithString("targetPage", mcp.Required(), mcp.Description("Id of the connected page")),
			mcp.WithObject("modification", mcp.Required(),
				mcp.Description("What to change on the matched element"),
				mcp.Properties(map[string]any{
					"selector": map[string]any{
						"type":        "string",
						"description": "CSS selector of the element to modify",
					},
					"operation": map[string]any{
						"type": "string",
						"enum": []string{"setAttribute", "setProperty", "setInnerHTML", "setTextContent"},
					},
					"value": map[string]any{
						"description": "New value",
					},
					"attribute": map[string]any{
						"type":        "string",
						"description": "Attribute name for setAttribute",
					},
				}),
			),
		),
		mcp.NewTool(ToolRunSnippet,
			mcp.WithDescription("Run a JavaScript snippet on a connected page and return its result."),
			mcp.WithDestructiveHintAnnotation(true),
			mcp.WithString("pageId", mcp.Required(), mcp.Description("Id of the connected page")),
			mcp.WithString("code", mcp.Required(), mcp.Description("JavaScript source to run")),
		),
		mcp.NewTool(ToolListPages,
			mcp.WithDescription("List the pages currently connected to the relay."),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		mcp.NewTool(ToolRelayStatus,
			mcp.WithDescription("Report relay uptime, connected pages, pending requests and the last error."),
			mcp.WithReadOnlyHintAnnotation(true),
		),
	}
}
