// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It is intended for running the bridge as a subprocess of an
// MCP client.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : the manager's singleton session
//	Transport        : newline-delimited JSON-RPC
//
// Notifications raised by the session (resource updates, list changes) are
// interleaved with responses on the writer. Logs must go elsewhere, typically
// stderr.
//
// Example:
//
//	h := stdio.NewHandler(manager, stdio.WithLogger(log))
//	if err := h.Serve(ctx); err != nil { log.Error("stdio", "err", err) }
package stdio
