package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/macc-n/wot-mcp/internal/jsonrpc"
	"github.com/macc-n/wot-mcp/internal/logctx"
	"github.com/macc-n/wot-mcp/mcp"
	"github.com/macc-n/wot-mcp/mcpserver"
	"github.com/macc-n/wot-mcp/session"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

// SessionManager creates and looks up the sessions served by the handler.
// *session.Manager implements it.
type SessionManager interface {
	CreateSession(ctx context.Context, w mcpserver.MessageWriter) (*session.Session, error)
	Session(id string) (*session.Session, error)
	CloseSession(ctx context.Context, id string) error
}

var _ SessionManager = (*session.Manager)(nil)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. We do NOT claim JSON-RPC framing here; this is
// transport-level. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
// Safe to call after some headers set but before status written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	queueSize int
}

// WithLogger sets the logger used by the handler. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithQueueSize bounds the notifications queued per session while no
// notification stream is attached. Defaults to DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(c *newConfig) { c.queueSize = n }
}

// StreamingHTTPHandler implements the stream HTTP transport protocol of
// the Model Context Protocol.
type StreamingHTTPHandler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	sessions  SessionManager
	queueSize int

	mu       sync.Mutex
	outboxes map[string]*outbox
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler serving endpoint, the path the
// handler is mounted at.
func New(endpoint string, sessions SessionManager, opts ...Option) (*StreamingHTTPHandler, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if !strings.HasPrefix(endpoint, "/") {
		return nil, fmt.Errorf("endpoint must be an absolute path, got %q", endpoint)
	}

	cfg := &newConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &StreamingHTTPHandler{
		log:       logctx.New(cfg.logger),
		sessions:  sessions,
		queueSize: cfg.queueSize,
		outboxes:  make(map[string]*outbox),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", endpoint), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", endpoint), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", endpoint), h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Sessions returns the number of sessions the handler currently tracks.
func (h *StreamingHTTPHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outboxes)
}

func (h *StreamingHTTPHandler) track(id string, ob *outbox) {
	h.mu.Lock()
	h.outboxes[id] = ob
	h.mu.Unlock()
	if !ob.setOnClose(func() { h.forget(id) }) {
		h.forget(id)
	}
}

func (h *StreamingHTTPHandler) forget(id string) {
	h.mu.Lock()
	delete(h.outboxes, id)
	h.mu.Unlock()
}

func (h *StreamingHTTPHandler) outbox(id string) (*outbox, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ob, ok := h.outboxes[id]
	return ob, ok
}

// loadSession resolves the session named by the request header. It writes
// the rejection itself and returns nil when the request cannot proceed.
func (h *StreamingHTTPHandler) loadSession(ctx context.Context, w http.ResponseWriter, r *http.Request) *session.Session {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return nil
	}
	sess, err := h.sessions.Session(sessID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
			return nil
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return nil
	}
	return sess
}

func withSession(ctx context.Context, sess *session.Session) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		ProtocolVersion: sess.Server().ProtocolVersion(),
	})
}

// versionMismatch reports whether the client announced a protocol version
// other than the one negotiated for sess.
func versionMismatch(r *http.Request, sess *session.Session) bool {
	pv := r.Header.Get(mcpProtocolVersionHeader)
	spv := sess.Server().ProtocolVersion()
	return pv != "" && spv != "" && pv != spv
}

// handleDeleteMCP handles the DELETE /mcp endpoint, which terminates an existing
// session.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sess := h.loadSession(ctx, w, r)
	if sess == nil {
		return
	}
	ctx = withSession(ctx, sess)

	if versionMismatch(r, sess) {
		writeJSONError(w, http.StatusPreconditionFailed, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", r.Header.Get(mcpProtocolVersionHeader)))
		return
	}

	pv := sess.Server().ProtocolVersion()
	if err := h.sessions.CloseSession(ctx, sess.ID()); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to delete session")
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	if pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handlePostMCP handles the POST /mcp endpoint, which is used by the client to send
// MCP messages to the server and to establish a session.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	if r.Header.Get(mcpSessionIDHeader) == "" {
		h.initializeSession(ctx, w, &msg, start)
		return
	}

	sess := h.loadSession(ctx, w, r)
	if sess == nil {
		return
	}
	ctx = withSession(ctx, sess)
	h.log.InfoContext(ctx, "session.load.ok")

	if msg.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	if versionMismatch(r, sess) {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", r.Header.Get(mcpProtocolVersionHeader)))
		return
	}
	srv := sess.Server()

	if req := msg.AsRequest(); req != nil {
		if req.IsNotification() {
			if err := srv.HandleNotification(ctx, req); err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to handle notification")
				h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
				return
			}
			if spv := srv.ProtocolVersion(); spv != "" {
				w.Header().Set(mcpProtocolVersionHeader, spv)
			}
			w.WriteHeader(http.StatusAccepted)
			h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
			return
		}

		if acc := r.Header.Get("Accept"); acc != "" {
			if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
				writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
				h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
				return
			}
		}

		res, err := srv.HandleRequest(ctx, req)
		if err != nil {
			if errors.Is(err, mcpserver.ErrClosed) {
				writeJSONError(w, http.StatusNotFound, "session not found")
				h.log.InfoContext(ctx, "session.closed")
				return
			}
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}

		b, mErr := json.Marshal(res)
		if mErr != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", mErr.Error()))
			return
		}

		if spv := srv.ProtocolVersion(); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}
		setEventStreamHeaders(w)
		w.WriteHeader(http.StatusOK)
		if err := writeSSEEvent(wf, b); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	// The bridge never issues server-to-client requests, so client
	// responses are acknowledged and dropped.
	if spv := srv.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "response.inbound.ignored", slog.Duration("dur", time.Since(start)))
}

// initializeSession handles a POST without a session header, which must
// carry the initialize request.
func (h *StreamingHTTPHandler) initializeSession(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.IsNotification() || req.Method != string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusBadRequest, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	ob := newOutbox(h.queueSize)
	sess, err := h.sessions.CreateSession(ctx, ob)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "failed to create session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	h.track(sess.ID(), ob)

	res, err := sess.Server().HandleRequest(ctx, req)
	if err == nil && res.Error != nil {
		err = res.Error
	}
	if err != nil {
		_ = h.sessions.CloseSession(ctx, sess.ID())
		writeJSONError(w, http.StatusBadRequest, "invalid initialize request: "+err.Error())
		h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}
	ctx = withSession(ctx, sess)

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	if v := sess.Server().ProtocolVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP handles the GET /mcp endpoint, which streams the
// notifications of an established session.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	sess := h.loadSession(ctx, w, r)
	if sess == nil {
		return
	}
	ctx = withSession(ctx, sess)

	if versionMismatch(r, sess) {
		writeJSONError(w, http.StatusPreconditionFailed, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", r.Header.Get(mcpProtocolVersionHeader)))
		return
	}

	ob, ok := h.outbox(sess.ID())
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	if !ob.attach() {
		writeJSONError(w, http.StatusConflict, "notification stream already open")
		h.log.WarnContext(ctx, "sse.stream.conflict")
		return
	}
	defer ob.detach()

	if spv := sess.Server().ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	setEventStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	flush := func() error {
		msgs, dropped := ob.drain()
		if dropped > 0 {
			h.log.WarnContext(ctx, "sse.queue.overflow", slog.Int("dropped", dropped))
		}
		for _, m := range msgs {
			if err := writeSSEEvent(wf, m); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := flush(); err != nil {
			if errors.Is(err, context.Canceled) {
				h.log.InfoContext(ctx, "sse.stream.done")
			} else {
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			}
			return
		}
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.done", slog.Duration("dur", time.Since(start)))
			return
		case <-ob.done:
			_ = flush()
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case <-ob.ready:
		}
	}
}

func setEventStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes one Server-Sent Event whose data field is payload and
// flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, payload []byte) error {
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
