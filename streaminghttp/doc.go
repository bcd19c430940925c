// Package streaminghttp implements the MCP streamable HTTP transport on top
// of a session.Manager. It mounts as a standard net/http handler.
//
// Every client gets its own session, created by a POST carrying the
// initialize request. The session ID travels in the Mcp-Session-Id header
// and the negotiated protocol version in Mcp-Protocol-Version.
//
//   - POST: client requests are answered on a Server-Sent Events response;
//     notifications are accepted with 202.
//   - GET: opens the session's notification stream. Notifications raised
//     while no stream is attached are queued, up to a bound.
//   - DELETE: tears the session down.
//
// Requests naming an unknown session are rejected with 404 and never create
// one.
//
// Example (mount in net/http):
//
//	h, err := streaminghttp.New("/mcp", manager, streaminghttp.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//	http.ListenAndServe(":8080", mux)
package streaminghttp
