package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macc-n/wot-mcp/device/simulated"
	"github.com/macc-n/wot-mcp/eventbuffer"
	"github.com/macc-n/wot-mcp/internal/jsonrpc"
	"github.com/macc-n/wot-mcp/mcpserver"
	"github.com/macc-n/wot-mcp/session"
	"github.com/macc-n/wot-mcp/tools"
	"github.com/macc-n/wot-mcp/wot"
)

const sensorTD = `{
  "id": "urn:dev:ops:sensor-1",
  "title": "Sensor",
  "properties": {"temperature": {"type": "number", "readOnly": true}},
  "events": {"overheated": {"data": {"type": "number"}}}
}`

type fixture struct {
	srv *httptest.Server
	mgr *session.Manager
	buf *eventbuffer.Buffer
	mcp int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := wot.NewRegistry()
	buf := eventbuffer.New()
	dev := simulated.New()
	eng := tools.New(tools.StrategyGeneric, reg, dev, buf)
	mgr := session.NewManager(eng, reg, buf, session.WithBinder(dev))

	f := &fixture{mgr: mgr, buf: buf}
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mcp++
		w.WriteHeader(http.StatusTeapot)
	})
	f.srv = httptest.NewServer(NewRouter(mgr, mcpHandler, WithEndpoint("/rpc")))
	t.Cleanup(func() {
		f.srv.Close()
		_ = mgr.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRegisterAndListThings(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/things", sensorTD)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var th wot.Thing
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&th))
	assert.Equal(t, "sensor-1", th.ID)
	assert.Equal(t, "Sensor", th.Title)

	resp = f.get(t, "/things")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var things []wot.Thing
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&things))
	require.Len(t, things, 1)
	assert.Equal(t, "sensor-1", things[0].ID)
}

func TestRegisterRejectsInvalidDescription(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/things", `{"properties":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusBadRequest, body.Error.Code)
	assert.Contains(t, body.Error.Message, "invalid thing description")

	resp = f.get(t, "/things")
	var things []wot.Thing
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&things))
	assert.Empty(t, things)
}

func TestInjectEvent(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.post(t, "/things", sensorTD).StatusCode)

	resp := f.post(t, "/things/sensor-1/events/overheated", `91.5`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The raw description ID resolves too.
	resp = f.post(t, "/things/urn:dev:ops:sensor-1/events/overheated", `{"celsius":99}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	events := f.buf.Get("wot://sensor-1/events/overheated")
	require.Len(t, events, 2)
	assert.Equal(t, 91.5, events[0].Data)
	assert.Equal(t, map[string]any{"celsius": 99.0}, events[1].Data)

	assert.Equal(t, http.StatusNotFound, f.post(t, "/things/nope/events/overheated", `1`).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.post(t, "/things/sensor-1/events/nope", `1`).StatusCode)
	assert.Equal(t, http.StatusAccepted, f.post(t, "/things/sensor-1/properties/temperature", `21`).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.post(t, "/things/sensor-1/properties/nope", `21`).StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.post(t, "/things", sensorTD).StatusCode)
	_, err := f.mgr.CreateSession(context.Background(), mcpserver.MessageWriterFunc(func(context.Context, jsonrpc.Message) error { return nil }))
	require.NoError(t, err)

	resp := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 1.0, body["things"])
	assert.Equal(t, 1.0, body["sessions"])
	assert.Equal(t, "generic", body["strategy"])
}

func TestMCPEndpointIsMounted(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/rpc", `{}`)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, 1, f.mcp)
}

func TestRegisterAfterShutdown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Shutdown(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, f.post(t, "/things", sensorTD).StatusCode)
}
