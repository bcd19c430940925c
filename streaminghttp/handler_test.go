package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/macc-n/wot-mcp/device"
	"github.com/macc-n/wot-mcp/device/simulated"
	"github.com/macc-n/wot-mcp/eventbuffer"
	"github.com/macc-n/wot-mcp/internal/jsonrpc"
	"github.com/macc-n/wot-mcp/mcp"
	"github.com/macc-n/wot-mcp/session"
	"github.com/macc-n/wot-mcp/streaminghttp"
	"github.com/macc-n/wot-mcp/td"
	"github.com/macc-n/wot-mcp/tools"
	"github.com/macc-n/wot-mcp/wot"
)

const sensorTD = `{
  "id": "urn:dev:ops:sensor-1",
  "title": "Sensor",
  "properties": {
    "temperature": {"type": "number", "readOnly": true, "unit": "celsius"},
    "threshold": {"type": "number"}
  },
  "actions": {"calibrate": {}},
  "events": {"overheated": {"data": {"type": "number"}}}
}`

const lampTD = `{
  "id": "urn:dev:ops:lamp",
  "title": "Lamp",
  "properties": {"on": {"type": "boolean"}}
}`

const (
	endpoint      = "/mcp"
	overheatedURI = "wot://sensor-1/events/overheated"
)

type sseEvent struct {
	event string
	id    string
	data  []byte
}

type fixture struct {
	srv     *httptest.Server
	handler *streaminghttp.StreamingHTTPHandler
	mgr     *session.Manager
	dev     *simulated.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(testLogHandler(t))

	reg := wot.NewRegistry()
	buf := eventbuffer.New()
	dev := simulated.New()
	eng := tools.New(tools.StrategyExplicit, reg, dev, buf, tools.WithLogger(log))
	mgr := session.NewManager(eng, reg, buf, session.WithLogger(log))
	dev.SetSink(mgr)

	h, err := streaminghttp.New(endpoint, mgr, streaminghttp.WithLogger(log))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	f := &fixture{srv: httptest.NewServer(h), handler: h, mgr: mgr, dev: dev}
	f.register(t, sensorTD)
	t.Cleanup(func() {
		_ = mgr.Shutdown(context.Background())
		f.srv.Close()
	})
	return f
}

func (f *fixture) register(t *testing.T, doc string) {
	t.Helper()
	d, err := td.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse td: %v", err)
	}
	th, err := f.mgr.RegisterThing(context.Background(), d)
	if err != nil {
		t.Fatalf("register thing: %v", err)
	}
	f.dev.Bind(th.ID, d)
}

func (f *fixture) initialize(t *testing.T) string {
	t.Helper()
	resp, evt := mustPostMCP(t, f.srv, "", initializeRequest())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status: %d", resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("missing Mcp-Session-Id header")
	}
	var res jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &res)
	if res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}

	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}
	respInit, _ := mustPostMCP(t, f.srv, sessID, note)
	respInit.Body.Close()
	if respInit.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized note status: %d", respInit.StatusCode)
	}
	return sessID
}

func initializeRequest() *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		Params:         mustJSON(mcp.InitializeRequest{ProtocolVersion: "2025-06-18", ClientInfo: mcp.ImplementationInfo{Name: "c", Version: "1"}}),
		ID:             jsonrpc.NewRequestID(1),
	}
}

func request(id int, method mcp.Method, params any) *jsonrpc.Request {
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method), ID: jsonrpc.NewRequestID(id)}
	if params != nil {
		req.Params = mustJSON(params)
	}
	return req
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)

	resp, evt := mustPostMCP(t, f.srv, "", initializeRequest())
	defer resp.Body.Close()

	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Fatalf("missing Mcp-Session-Id header")
	}
	if want, got := "2025-06-18", resp.Header.Get("Mcp-Protocol-Version"); want != got {
		t.Fatalf("unexpected protocol version header: want %q got %q", want, got)
	}

	var res jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &res)
	var initRes mcp.InitializeResult
	mustUnmarshalJSON(t, res.Result, &initRes)
	if initRes.Capabilities.Resources == nil || !initRes.Capabilities.Resources.Subscribe {
		t.Fatalf("expected resource subscribe capability, got %#v", initRes.Capabilities.Resources)
	}
	if initRes.Capabilities.Tools == nil || !initRes.Capabilities.Tools.ListChanged {
		t.Fatalf("expected tools listChanged capability, got %#v", initRes.Capabilities.Tools)
	}
	if want, got := 1, f.mgr.Stats().Sessions; want != got {
		t.Fatalf("unexpected session count: want %d got %d", want, got)
	}
}

func TestPostWithoutSessionMustInitialize(t *testing.T) {
	f := newFixture(t)

	resp, _ := mustPostMCP(t, f.srv, "", request(1, mcp.ToolsListMethod, nil))
	defer resp.Body.Close()
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if got := f.mgr.Stats().Sessions; got != 0 {
		t.Fatalf("expected no sessions, got %d", got)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	f := newFixture(t)

	resp, _ := mustPostMCP(t, f.srv, "does-not-exist", request(1, mcp.ToolsListMethod, nil))
	defer resp.Body.Close()
	if want, got := http.StatusNotFound, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != http.StatusNotFound || body.Error.Message != "session not found" {
		t.Fatalf("unexpected error body %+v", body)
	}
	if got := f.mgr.Stats().Sessions; got != 0 {
		t.Fatalf("expected no sessions, got %d", got)
	}
}

func TestTransportRejections(t *testing.T) {
	f := newFixture(t)
	sessID := f.initialize(t)

	t.Run("content type", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+endpoint, strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "text/plain")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusUnsupportedMediaType, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("batch", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+endpoint, strings.NewReader(`[{"jsonrpc":"2.0","method":"ping","id":1}]`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Mcp-Session-Id", sessID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("protocol version mismatch", func(t *testing.T) {
		body, _ := json.Marshal(request(2, mcp.PingMethod, nil))
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+endpoint, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Mcp-Session-Id", sessID)
		req.Header.Set("Mcp-Protocol-Version", "2024-11-05")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("redundant initialize", func(t *testing.T) {
		resp, _ := mustPostMCP(t, f.srv, sessID, initializeRequest())
		resp.Body.Close()
		if want, got := http.StatusConflict, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})
}

func TestRequestAnsweredOverSSE(t *testing.T) {
	f := newFixture(t)
	sessID := f.initialize(t)

	resp, evt := mustPostMCP(t, f.srv, sessID, request(2, mcp.ToolsListMethod, mcp.ListToolsRequest{}))
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	var rpcRes jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &rpcRes)
	if rpcRes.Error != nil {
		t.Fatalf("tools/list error: %+v", rpcRes.Error)
	}
	var listRes mcp.ListToolsResult
	mustUnmarshalJSON(t, rpcRes.Result, &listRes)
	if want, got := 4, len(listRes.Tools); want != got {
		t.Fatalf("unexpected tools length: want %d got %d", want, got)
	}
}

func TestGetStreamDeliversResourceUpdates(t *testing.T) {
	f := newFixture(t)
	sessID := f.initialize(t)

	resp, evt := mustPostMCP(t, f.srv, sessID, request(2, mcp.ResourcesSubscribeMethod, mcp.SubscribeRequest{URI: overheatedURI}))
	resp.Body.Close()
	var rpcRes jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &rpcRes)
	if rpcRes.Error != nil {
		t.Fatalf("subscribe error: %+v", rpcRes.Error)
	}

	getResp, ch := startGetStreamOneEvent(t, f.srv, sessID)
	defer getResp.Body.Close()
	if want, got := http.StatusOK, getResp.StatusCode; want != got {
		t.Fatalf("unexpected GET status: want %d got %d", want, got)
	}

	f.mgr.HandleDeviceEvent(context.Background(), device.Event{ThingID: "sensor-1", Kind: device.KindEvent, Name: "overheated", Data: 90})

	select {
	case e := <-ch:
		var msg jsonrpc.AnyMessage
		mustUnmarshalJSON(t, e.data, &msg)
		if msg.Method != string(mcp.ResourcesUpdatedNotificationMethod) {
			t.Fatalf("unexpected notification %s", msg.Method)
		}
		var params mcp.ResourceUpdatedNotification
		mustUnmarshalJSON(t, msg.Params, &params)
		if params.URI != overheatedURI {
			t.Fatalf("unexpected uri %q", params.URI)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for resources/updated")
	}
}

func TestSecondGetStreamConflicts(t *testing.T) {
	f := newFixture(t)
	sessID := f.initialize(t)

	first, _ := startGetStreamOneEvent(t, f.srv, sessID)
	defer first.Body.Close()

	second, _ := startGetStreamOneEvent(t, f.srv, sessID)
	defer second.Body.Close()
	if want, got := http.StatusConflict, second.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	sessID := f.initialize(t)

	req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+endpoint, nil)
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if want, got := http.StatusNoContent, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if got := f.handler.Sessions(); got != 0 {
		t.Fatalf("expected handler to forget the session, still tracking %d", got)
	}

	after, _ := mustPostMCP(t, f.srv, sessID, request(2, mcp.PingMethod, nil))
	after.Body.Close()
	if want, got := http.StatusNotFound, after.StatusCode; want != got {
		t.Fatalf("unexpected status after delete: want %d got %d", want, got)
	}

	again, err := http.DefaultClient.Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	again.Body.Close()
	if want, got := http.StatusNotFound, again.StatusCode; want != got {
		t.Fatalf("unexpected status on second delete: want %d got %d", want, got)
	}
}

func TestGoSDKClientE2E(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updated := make(chan string, 4)
	toolsChanged := make(chan struct{}, 4)
	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{
		ResourceUpdatedHandler: func(_ context.Context, req *sdk.ResourceUpdatedNotificationRequest) {
			updated <- req.Params.URI
		},
		ToolListChangedHandler: func(context.Context, *sdk.ToolListChangedRequest) {
			toolsChanged <- struct{}{}
		},
	})
	transport := &sdk.StreamableClientTransport{Endpoint: f.srv.URL + endpoint}
	cs, err := client.Connect(ctx, transport, nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cs.Close()

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if want, got := 4, len(lt.Tools); want != got {
		t.Fatalf("unexpected tool count: want %d got %d", want, got)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "set_threshold_sensor_1", Arguments: map[string]any{"value": 75}})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res.Content)
	}
	res, err = cs.CallTool(ctx, &sdk.CallToolParams{Name: "get_threshold_sensor_1", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok || !strings.Contains(text.Text, `"value":75`) {
		t.Fatalf("unexpected getter content %#v", res.Content)
	}

	res, err = cs.CallTool(ctx, &sdk.CallToolParams{Name: "set_temperature_sensor_1", Arguments: map[string]any{"value": 1}})
	if err == nil && !res.IsError {
		t.Fatalf("expected unknown tool to fail")
	}

	rr, err := cs.ReadResource(ctx, &sdk.ReadResourceParams{URI: overheatedURI})
	if err != nil {
		t.Fatalf("ReadResource failed: %v", err)
	}
	if len(rr.Contents) != 1 || rr.Contents[0].MIMEType != "application/json" {
		t.Fatalf("unexpected contents %+v", rr.Contents)
	}

	if err := cs.Subscribe(ctx, &sdk.SubscribeParams{URI: overheatedURI}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := f.dev.Emit(ctx, "sensor-1", "overheated", 101); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case uri := <-updated:
		if uri != overheatedURI {
			t.Fatalf("unexpected uri %q", uri)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for resources/updated")
	}

	f.register(t, lampTD)
	select {
	case <-toolsChanged:
	case <-ctx.Done():
		t.Fatalf("timeout waiting for tools/list_changed")
	}
	lt, err = cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if want, got := 6, len(lt.Tools); want != got {
		t.Fatalf("unexpected tool count after registration: want %d got %d", want, got)
	}
}

// ============================================================================
// Test Helpers
// ============================================================================

type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}

func doPostMCP(t *testing.T, srv *httptest.Server, sessionID string, req *jsonrpc.Request) (*http.Response, error) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+endpoint, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
		httpReq.Header.Set("Mcp-Protocol-Version", "2025-06-18")
	}
	return http.DefaultClient.Do(httpReq)
}

// mustPostMCP posts and parses a response. If the response is an SSE stream (text/event-stream)
// it reads exactly one event. Otherwise it reads the full body as a single JSON payload.
func mustPostMCP(t *testing.T, srv *httptest.Server, sessionID string, req *jsonrpc.Request) (*http.Response, sseEvent) {
	t.Helper()
	resp, err := doPostMCP(t, srv, sessionID, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, sseEvent{}
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		evt, err := readOneSSE(resp.Body)
		if err != nil {
			t.Fatalf("sse read: %v", err)
		}
		return resp, evt
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("body read: %v", err)
	}
	return resp, sseEvent{data: body}
}

func readOneSSE(r io.Reader) (sseEvent, error) {
	br := bufio.NewReader(r)
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if dataBuf.Len() > 0 {
				event.data = append([]byte(nil), dataBuf.Bytes()...)
			}
			return event, nil
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			event.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// startGetStreamOneEvent starts a GET stream and returns the response plus a
// channel that yields its first SSE event.
func startGetStreamOneEvent(t *testing.T, srv *httptest.Server, sessionID string) (*http.Response, <-chan sseEvent) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+endpoint, nil)
	if err != nil {
		t.Fatalf("new get req: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do get: %v", err)
	}
	ch := make(chan sseEvent, 1)
	if resp.StatusCode != http.StatusOK {
		close(ch)
		return resp, ch
	}
	go func() {
		defer close(ch)
		evt, err := readOneSSE(resp.Body)
		if err != nil {
			return
		}
		ch <- evt
	}()
	return resp, ch
}
