// Package mcp contains the Model Context Protocol data types the bridge puts
// on the wire: method names, initialize handshake payloads, tools, resources,
// and the notifications used for subscriptions and list changes.
//
// The package is free of transport logic. The stdio and streaminghttp
// transports frame these types; mcpserver builds them into JSON-RPC results.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes.
//
// # Schemas
//
// Tool input schemas are expressed with github.com/google/jsonschema-go so
// the same value can be advertised in tools/list and resolved for argument
// validation before a tool body runs.
package mcp
