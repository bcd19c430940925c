// Package admin exposes the bridge's operator surface over HTTP: a health
// check, thing registration, device-event injection, and the mounted MCP
// endpoint.
//
//	GET  /healthz
//	GET  /things
//	POST /things
//	POST /things/{thingID}/events/{event}
//	POST /things/{thingID}/properties/{property}
//	*    {endpoint}
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/macc-n/wot-mcp/device"
	"github.com/macc-n/wot-mcp/eventsource"
	"github.com/macc-n/wot-mcp/internal/logctx"
	"github.com/macc-n/wot-mcp/session"
	"github.com/macc-n/wot-mcp/td"
	"github.com/macc-n/wot-mcp/wot"
)

// MaxBodyBytes bounds registration and event payloads.
const MaxBodyBytes = 1 << 20

// Bridge is what the admin surface drives. *session.Manager implements it.
type Bridge interface {
	RegisterThing(ctx context.Context, d *td.ThingDescription) (*wot.Thing, error)
	Thing(id string) (*wot.Thing, bool)
	Things() []*wot.Thing
	Stats() session.Stats
	device.Sink
}

var _ Bridge = (*session.Manager)(nil)

// Option configures the router.
type Option func(*config)

type config struct {
	log      *slog.Logger
	endpoint string
	timeout  time.Duration
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithEndpoint sets the path the MCP handler is mounted at. Defaults to /mcp.
func WithEndpoint(path string) Option {
	return func(c *config) {
		if path != "" {
			c.endpoint = path
		}
	}
}

// WithRequestTimeout bounds the admin routes. The MCP endpoint is exempt
// since its GET streams are long-lived.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

type api struct {
	bridge Bridge
	log    *slog.Logger
}

// NewRouter builds the chi router. mcpHandler may be nil, in which case no
// MCP endpoint is mounted.
func NewRouter(bridge Bridge, mcpHandler http.Handler, opts ...Option) http.Handler {
	cfg := &config{log: logctx.Discard(), endpoint: "/mcp", timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	a := &api{bridge: bridge, log: logctx.New(cfg.log)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(a.requestLogger)
		if cfg.timeout > 0 {
			r.Use(middleware.Timeout(cfg.timeout))
		}
		r.Get("/healthz", a.health)
		r.Route("/things", func(r chi.Router) {
			r.Get("/", a.listThings)
			r.Post("/", a.registerThing)
			r.Post("/{thingID}/events/{name}", a.injectEvent(device.KindEvent))
			r.Post("/{thingID}/properties/{name}", a.injectEvent(device.KindProperty))
		})
	})

	if mcpHandler != nil {
		r.Handle(cfg.endpoint, mcpHandler)
	}
	return r
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  middleware.GetReqID(r.Context()),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		a.log.DebugContext(ctx, "admin.request.done", slog.Int("status", ww.Status()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

type healthResponse struct {
	Status string `json:"status"`
	session.Stats
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Stats: a.bridge.Stats()})
}

func (a *api) listThings(w http.ResponseWriter, r *http.Request) {
	things := a.bridge.Things()
	if things == nil {
		things = []*wot.Thing{}
	}
	writeJSON(w, http.StatusOK, things)
}

func (a *api) registerThing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	d, err := td.Parse(b)
	if err != nil {
		a.log.InfoContext(ctx, "admin.register_thing.invalid", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid thing description: "+err.Error())
		return
	}
	t, err := a.bridge.RegisterThing(ctx, d)
	if err != nil {
		if errors.Is(err, session.ErrShutdown) {
			writeJSONError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		a.log.ErrorContext(ctx, "admin.register_thing.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to register thing")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *api) injectEvent(kind device.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		thingID := chi.URLParam(r, "thingID")
		name := chi.URLParam(r, "name")

		t, ok := a.bridge.Thing(thingID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "thing not found")
			return
		}
		switch kind {
		case device.KindEvent:
			_, ok = t.Event(name)
		case device.KindProperty:
			_, ok = t.Property(name)
		}
		if !ok {
			writeJSONError(w, http.StatusNotFound, string(kind)+" not found")
			return
		}

		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		a.bridge.HandleDeviceEvent(ctx, device.Event{ThingID: t.ID, Kind: kind, Name: name, Data: eventsource.DecodeData(b)})
		w.WriteHeader(http.StatusAccepted)
	}
}
