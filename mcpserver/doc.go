// Package mcpserver implements one MCP protocol server instance: the object
// a transport hands decoded JSON-RPC messages to, and through which the
// application registers tools and resources and pushes notifications.
//
// A Server is bound to a single client connection. Tools and resources are
// registered by name or URI with last-write-wins semantics and can be added
// at any time; clients see them on their next list call. Calls are routed
// through the handler registered under the tool name:
//
//	srv := mcpserver.NewServer(writer,
//	    mcpserver.WithServerInfo(mcp.ImplementationInfo{Name: "wot-mcp", Version: "1.0.0"}),
//	    mcpserver.WithSubscriptions(subs),
//	)
//	srv.RegisterTool(mcp.Tool{Name: "ping_lamp", InputSchema: &jsonschema.Schema{Type: "object"}}, handler)
//	res, err := srv.HandleRequest(ctx, req)
//
// Server-to-client notifications are written through the MessageWriter
// supplied by the transport.
package mcpserver
