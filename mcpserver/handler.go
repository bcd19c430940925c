package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/macc-n/wot-mcp/internal/jsonrpc"
	"github.com/macc-n/wot-mcp/internal/logctx"
	"github.com/macc-n/wot-mcp/mcp"
)

// HandleRequest processes a client request and returns the response to send
// back. Protocol-level failures are reported in the response; the returned
// error is only non-nil when the server has been closed.
func (s *Server) HandleRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if s.Closed() {
		return nil, ErrClosed
	}

	switch req.Method {
	case string(mcp.InitializeMethod):
		return s.handleInitialize(ctx, req)
	case string(mcp.PingMethod):
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case string(mcp.ToolsListMethod):
		return s.handleToolsList(ctx, req)
	case string(mcp.ToolsCallMethod):
		return s.handleToolCall(ctx, req)
	case string(mcp.ResourcesListMethod):
		return s.handleResourcesList(ctx, req)
	case string(mcp.ResourcesReadMethod):
		return s.handleResourcesRead(ctx, req)
	case string(mcp.ResourcesTemplatesListMethod):
		return s.handleResourcesTemplatesList(ctx, req)
	case string(mcp.ResourcesSubscribeMethod):
		return s.handleSubscription(ctx, req, true)
	case string(mcp.ResourcesUnsubscribeMethod):
		return s.handleSubscription(ctx, req, false)
	}

	s.log.InfoContext(ctx, "engine.handle_request.unsupported", slog.String("method", req.Method))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

// HandleNotification processes a client notification. Unknown notifications
// are ignored.
func (s *Server) HandleNotification(ctx context.Context, note *jsonrpc.Request) error {
	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		s.log.DebugContext(ctx, "engine.handle_notification.initialized")
	case string(mcp.CancelledNotificationMethod):
		var params struct {
			RequestID *jsonrpc.RequestID `json:"requestId"`
			Reason    string             `json:"reason,omitempty"`
		}
		if err := json.Unmarshal(note.Params, &params); err != nil || params.RequestID.IsNil() {
			s.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("method", note.Method))
			return nil
		}
		s.mu.Lock()
		cancel, ok := s.inflight[params.RequestID.String()]
		s.mu.Unlock()
		if ok {
			cancel(errors.New("cancelled by client: " + params.Reason))
			s.log.InfoContext(ctx, "engine.handle_notification.cancelled", slog.String("request_id", params.RequestID.String()))
		}
	default:
		s.log.DebugContext(ctx, "engine.handle_notification.ignored", slog.String("method", note.Method))
	}
	return nil
}

func (s *Server) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("method", req.Method), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	version := params.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(version) {
		version = mcp.LatestProtocolVersion
	}

	s.mu.Lock()
	s.protocolVersion = version
	s.mu.Unlock()

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{ListChanged: true}
	res.Capabilities.Resources = &struct {
		ListChanged bool `json:"listChanged"`
		Subscribe   bool `json:"subscribe"`
	}{ListChanged: true, Subscribe: s.subs != nil}

	s.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("negotiated_version", version),
		slog.String("client", params.ClientInfo.Name),
	)
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (s *Server) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("method", req.Method), slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	page := Paginate(s.Tools(), params.Cursor, s.pageSize)
	res := &mcp.ListToolsResult{Tools: page.Items}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	s.log.DebugContext(ctx, "engine.handle_request.ok", slog.String("method", req.Method), slog.Int("tool_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (s *Server) handleToolCall(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := s.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	s.mu.RLock()
	entry, ok := s.tools.Get(params.Name)
	s.mu.RUnlock()
	if !ok || entry.handler == nil {
		log.InfoContext(ctx, "engine.handle_request.unknown_tool")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil), nil
	}

	toolCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)
	reqID := req.ID.String()
	s.mu.Lock()
	s.inflight[reqID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, reqID)
		s.mu.Unlock()
	}()

	res, err := entry.handler.CallTool(toolCtx, params.Arguments)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return errorResponse(req.ID, err, nil), nil
	}
	if res == nil {
		res = &mcp.CallToolResult{}
	}
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Bool("is_error", res.IsError), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (s *Server) handleResourcesList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListResourcesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("method", req.Method), slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	page := Paginate(s.Resources(), params.Cursor, s.pageSize)
	res := &mcp.ListResourcesResult{Resources: page.Items}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	s.log.DebugContext(ctx, "engine.handle_request.ok", slog.String("method", req.Method), slog.Int("resource_count", len(page.Items)))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (s *Server) handleResourcesTemplatesList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	templates := s.templates
	if templates == nil {
		templates = []mcp.ResourceTemplate{}
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListResourceTemplatesResult{ResourceTemplates: templates})
}

func (s *Server) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := s.log.With(slog.String("method", req.Method))

	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	if resp := s.checkURI(ctx, log, req.ID, params.URI); resp != nil {
		return resp, nil
	}

	s.mu.RLock()
	entry, ok := s.resources.Get(params.URI)
	s.mu.RUnlock()
	if !ok || entry.reader == nil {
		log.InfoContext(ctx, "engine.handle_request.not_found", slog.String("uri", params.URI))
		return resourceNotFound(req.ID, params.URI), nil
	}

	contents, err := entry.reader.ReadResource(ctx, params.URI)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("uri", params.URI), slog.String("err", err.Error()))
		return errorResponse(req.ID, err, map[string]string{"uri": params.URI}), nil
	}
	if contents == nil {
		contents = []mcp.ResourceContents{}
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("content_count", len(contents)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ReadResourceResult{Contents: contents})
}

func (s *Server) handleSubscription(ctx context.Context, req *jsonrpc.Request, subscribe bool) (*jsonrpc.Response, error) {
	log := s.log.With(slog.String("method", req.Method))
	if s.subs == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resource subscriptions not supported", nil), nil
	}

	var params mcp.SubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	if resp := s.checkURI(ctx, log, req.ID, params.URI); resp != nil {
		return resp, nil
	}

	var err error
	if subscribe {
		if !s.HasResource(params.URI) {
			log.InfoContext(ctx, "engine.handle_request.not_found", slog.String("uri", params.URI))
			return resourceNotFound(req.ID, params.URI), nil
		}
		err = s.subs.Subscribe(ctx, params.URI)
	} else {
		err = s.subs.Unsubscribe(ctx, params.URI)
	}
	if err != nil {
		log.InfoContext(ctx, "engine.handle_request.fail", slog.String("uri", params.URI), slog.String("err", err.Error()))
		return errorResponse(req.ID, err, map[string]string{"uri": params.URI}), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.String("uri", params.URI))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

// checkURI returns the error response for a uri the configured validator
// rejects, or nil.
func (s *Server) checkURI(ctx context.Context, log *slog.Logger, id *jsonrpc.RequestID, uri string) *jsonrpc.Response {
	if s.validateURI == nil {
		return nil
	}
	if err := s.validateURI(uri); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("uri", uri), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, "invalid identifier", map[string]string{"uri": uri})
	}
	return nil
}

func resourceNotFound(id *jsonrpc.RequestID, uri string) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeResourceNotFound, "resource not found", map[string]string{"uri": uri})
}

// errorResponse maps a handler error onto a JSON-RPC error response.
func errorResponse(id *jsonrpc.RequestID, err error, data any) *jsonrpc.Response {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	case errors.Is(err, ErrResourceNotFound):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeResourceNotFound, err.Error(), data)
	case errors.Is(err, ErrInvalidParams):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, err.Error(), data)
	default:
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), data)
	}
}
