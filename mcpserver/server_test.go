package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/macc-n/wot-mcp/internal/jsonrpc"
	"github.com/macc-n/wot-mcp/mcp"
)

type captureWriter struct {
	mu     sync.Mutex
	msgs   []jsonrpc.AnyMessage
	closed bool
}

func (w *captureWriter) WriteMessage(_ context.Context, msg jsonrpc.Message) error {
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return err
	}
	w.mu.Lock()
	w.msgs = append(w.msgs, m)
	w.mu.Unlock()
	return nil
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

type memSubs struct {
	mu   sync.Mutex
	uris map[string]bool
}

func (m *memSubs) Subscribe(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uris == nil {
		m.uris = map[string]bool{}
	}
	m.uris[uri] = true
	return nil
}

func (m *memSubs) Unsubscribe(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uris, uri)
	return nil
}

func request(t *testing.T, id int, method string, params any) *jsonrpc.Request {
	t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: jsonrpc.NewRequestID(id)}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = b
	}
	return req
}

func call(t *testing.T, s *Server, method string, params any, out any) *jsonrpc.Error {
	t.Helper()
	res, err := s.HandleRequest(context.Background(), request(t, 1, method, params))
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	if res.Error != nil {
		return res.Error
	}
	if out != nil {
		if err := json.Unmarshal(res.Result, out); err != nil {
			t.Fatalf("%s: decode result: %v", method, err)
		}
	}
	return nil
}

func echoTool(name string) (mcp.Tool, ToolHandler) {
	return mcp.Tool{Name: name, InputSchema: &jsonschema.Schema{Type: "object"}},
		ToolHandlerFunc(func(_ context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
			return TextResult(name + ":" + string(args)), nil
		})
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	s := NewServer(nil, WithSubscriptions(&memSubs{}))

	var res mcp.InitializeResult
	if e := call(t, s, "initialize", mcp.InitializeRequest{ProtocolVersion: "2025-03-26"}, &res); e != nil {
		t.Fatalf("initialize: %v", e)
	}
	if res.ProtocolVersion != "2025-03-26" {
		t.Fatalf("expected requested version, got %s", res.ProtocolVersion)
	}
	if res.Capabilities.Resources == nil || !res.Capabilities.Resources.Subscribe || !res.Capabilities.Resources.ListChanged {
		t.Fatalf("expected subscribe and listChanged resources capability, got %+v", res.Capabilities.Resources)
	}
	if res.Capabilities.Tools == nil || !res.Capabilities.Tools.ListChanged {
		t.Fatalf("expected tools listChanged capability")
	}

	if e := call(t, s, "initialize", mcp.InitializeRequest{ProtocolVersion: "1999-01-01"}, &res); e != nil {
		t.Fatalf("initialize: %v", e)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("expected fallback to latest, got %s", res.ProtocolVersion)
	}
	if s.ProtocolVersion() != mcp.LatestProtocolVersion {
		t.Fatalf("server did not record negotiated version")
	}
}

func TestRegisterToolLastWriteWins(t *testing.T) {
	s := NewServer(nil)
	tool, h := echoTool("a")
	if s.RegisterTool(tool, h) {
		t.Fatalf("first registration reported replace")
	}
	s.RegisterTool(echoTool("b"))
	tool.Description = "second"
	if !s.RegisterTool(tool, ToolHandlerFunc(func(context.Context, json.RawMessage) (*mcp.CallToolResult, error) {
		return TextResult("replaced"), nil
	})) {
		t.Fatalf("expected replace")
	}

	var list mcp.ListToolsResult
	if e := call(t, s, "tools/list", nil, &list); e != nil {
		t.Fatalf("tools/list: %v", e)
	}
	if len(list.Tools) != 2 || list.Tools[0].Name != "a" || list.Tools[0].Description != "second" {
		t.Fatalf("unexpected tools %+v", list.Tools)
	}

	var res mcp.CallToolResult
	if e := call(t, s, "tools/call", map[string]any{"name": "a", "arguments": map[string]any{}}, &res); e != nil {
		t.Fatalf("tools/call: %v", e)
	}
	if res.Content[0].Text != "replaced" {
		t.Fatalf("expected replaced handler, got %q", res.Content[0].Text)
	}
}

func TestToolsListPaginates(t *testing.T) {
	s := NewServer(nil, WithPageSize(2))
	for i := 0; i < 5; i++ {
		s.RegisterTool(echoTool(fmt.Sprintf("t%d", i)))
	}

	var names []string
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		var list mcp.ListToolsResult
		if e := call(t, s, "tools/list", map[string]any{"cursor": cursor}, &list); e != nil {
			t.Fatalf("tools/list: %v", e)
		}
		for _, tl := range list.Tools {
			names = append(names, tl.Name)
		}
		if list.NextCursor == "" {
			break
		}
		cursor = list.NextCursor
	}
	if fmt.Sprint(names) != "[t0 t1 t2 t3 t4]" {
		t.Fatalf("unexpected pages %v", names)
	}
}

func TestUnknownToolAndMethod(t *testing.T) {
	s := NewServer(nil)
	e := call(t, s, "tools/call", map[string]any{"name": "nope"}, nil)
	if e == nil || e.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", e)
	}
	e = call(t, s, "prompts/list", nil, nil)
	if e == nil || e.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", e)
	}
	if e := call(t, s, "ping", nil, nil); e != nil {
		t.Fatalf("ping: %v", e)
	}
}

func TestToolHandlerErrorsMapToRPCErrors(t *testing.T) {
	s := NewServer(nil)
	s.RegisterTool(mcp.Tool{Name: "bad"}, ToolHandlerFunc(func(context.Context, json.RawMessage) (*mcp.CallToolResult, error) {
		return nil, fmt.Errorf("%w: invalid identifier", ErrInvalidParams)
	}))
	s.RegisterTool(mcp.Tool{Name: "broken"}, ToolHandlerFunc(func(context.Context, json.RawMessage) (*mcp.CallToolResult, error) {
		return nil, errors.New("boom")
	}))

	if e := call(t, s, "tools/call", map[string]any{"name": "bad"}, nil); e == nil || e.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", e)
	}
	if e := call(t, s, "tools/call", map[string]any{"name": "broken"}, nil); e == nil || e.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("expected internal error, got %+v", e)
	}
}

func TestResourcesReadAndSubscribe(t *testing.T) {
	subs := &memSubs{}
	s := NewServer(nil, WithSubscriptions(subs), WithResourceTemplates(mcp.ResourceTemplate{URITemplate: "wot://{thing}/events/{name}", Name: "events"}))
	uri := "wot://lamp/events/overheated"
	s.RegisterResource(mcp.Resource{URI: uri, Name: "overheated"}, ResourceReaderFunc(func(_ context.Context, u string) ([]mcp.ResourceContents, error) {
		return JSONContents(u, map[string]int{"count": 0})
	}))

	var read mcp.ReadResourceResult
	if e := call(t, s, "resources/read", map[string]any{"uri": uri}, &read); e != nil {
		t.Fatalf("resources/read: %v", e)
	}
	if len(read.Contents) != 1 || read.Contents[0].Text != `{"count":0}` {
		t.Fatalf("unexpected contents %+v", read.Contents)
	}

	if e := call(t, s, "resources/read", map[string]any{"uri": "wot://lamp/events/missing"}, nil); e == nil || e.Code != jsonrpc.ErrorCodeResourceNotFound {
		t.Fatalf("expected resource not found, got %+v", e)
	}

	if e := call(t, s, "resources/subscribe", map[string]any{"uri": uri}, nil); e != nil {
		t.Fatalf("subscribe: %v", e)
	}
	if !subs.uris[uri] {
		t.Fatalf("subscription not recorded")
	}
	if e := call(t, s, "resources/subscribe", map[string]any{"uri": "wot://lamp/events/missing"}, nil); e == nil || e.Code != jsonrpc.ErrorCodeResourceNotFound {
		t.Fatalf("expected resource not found, got %+v", e)
	}
	if e := call(t, s, "resources/unsubscribe", map[string]any{"uri": uri}, nil); e != nil {
		t.Fatalf("unsubscribe: %v", e)
	}
	if subs.uris[uri] {
		t.Fatalf("subscription not removed")
	}

	var templates mcp.ListResourceTemplatesResult
	if e := call(t, s, "resources/templates/list", nil, &templates); e != nil {
		t.Fatalf("templates: %v", e)
	}
	if len(templates.ResourceTemplates) != 1 {
		t.Fatalf("unexpected templates %+v", templates)
	}
}

func TestMalformedURIRejectedBeforeLookup(t *testing.T) {
	subs := &memSubs{}
	s := NewServer(nil, WithSubscriptions(subs), WithURIValidator(func(uri string) error {
		if !strings.HasPrefix(uri, "wot://") {
			return errors.New("not a wot uri")
		}
		return nil
	}))
	bad := "http://not-a-wot-uri"

	for _, method := range []string{"resources/read", "resources/subscribe", "resources/unsubscribe"} {
		e := call(t, s, method, map[string]any{"uri": bad}, nil)
		if e == nil || e.Code != jsonrpc.ErrorCodeInvalidParams || e.Message != "invalid identifier" {
			t.Fatalf("%s: expected invalid identifier, got %+v", method, e)
		}
	}
	if len(subs.uris) != 0 {
		t.Fatalf("unexpected subscriptions %+v", subs.uris)
	}

	if e := call(t, s, "resources/read", map[string]any{"uri": "wot://lamp/events/missing"}, nil); e == nil || e.Code != jsonrpc.ErrorCodeResourceNotFound {
		t.Fatalf("expected resource not found, got %+v", e)
	}
}

func TestSubscribeWithoutSubscriptions(t *testing.T) {
	s := NewServer(nil)
	if e := call(t, s, "resources/subscribe", map[string]any{"uri": "x"}, nil); e == nil || e.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", e)
	}
}

func TestSendNotificationAndClose(t *testing.T) {
	w := &captureWriter{}
	s := NewServer(w)
	ctx := context.Background()

	if err := s.NotifyResourceUpdated(ctx, "wot://lamp/events/overheated"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(w.msgs) != 1 || w.msgs[0].Method != string(mcp.ResourcesUpdatedNotificationMethod) || !w.msgs[0].ID.IsNil() {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !w.closed {
		t.Fatalf("writer not closed")
	}
	if err := s.SendNotification(ctx, mcp.ResourcesListChangedNotificationMethod, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.HandleRequest(ctx, request(t, 2, "ping", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCancelledNotificationCancelsCall(t *testing.T) {
	s := NewServer(nil)
	started := make(chan struct{})
	s.RegisterTool(mcp.Tool{Name: "slow"}, ToolHandlerFunc(func(ctx context.Context, _ json.RawMessage) (*mcp.CallToolResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := s.HandleRequest(context.Background(), request(t, 7, "tools/call", map[string]any{"name": "slow"}))
		done <- res
	}()
	<-started

	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "notifications/cancelled", Params: json.RawMessage(`{"requestId":7,"reason":"bored"}`)}
	if err := s.HandleNotification(context.Background(), note); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	res := <-done
	if res.Error == nil || res.Error.Message != "cancelled" {
		t.Fatalf("expected cancelled error, got %+v", res)
	}
}
