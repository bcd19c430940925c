package mcpserver

import (
	"encoding/json"
	"fmt"

	"github.com/macc-n/wot-mcp/mcp"
)

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// JSONResult encodes v as the text content of the result and, when v
// encodes to a JSON object, also as its structured content.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	res := TextResult(string(b))
	var obj map[string]any
	if json.Unmarshal(b, &obj) == nil && obj != nil {
		res.StructuredContent = obj
	}
	return res, nil
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: msg}}, IsError: true}
}

// JSONContents wraps v as a single JSON text resource content.
func JSONContents(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal resource %s: %w", uri, err)
	}
	return []mcp.ResourceContents{{URI: uri, MimeType: "application/json", Text: string(b)}}, nil
}
