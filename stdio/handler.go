package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/macc-n/wot-mcp/internal/jsonrpc"
	"github.com/macc-n/wot-mcp/internal/logctx"
	"github.com/macc-n/wot-mcp/mcpserver"
	"github.com/macc-n/wot-mcp/session"
)

// DefaultMaxMessageSize is the largest inbound line accepted by default.
const DefaultMaxMessageSize = 4 << 20

// SessionOpener opens the single session a stdio connection serves.
// *session.Manager implements it.
type SessionOpener interface {
	OpenSingleton(ctx context.Context, w mcpserver.MessageWriter) (*session.Session, error)
}

var _ SessionOpener = (*session.Manager)(nil)

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses and notifications to an io.Writer.
// By default, it uses os.Stdin and os.Stdout.
type Handler struct {
	sessions SessionOpener
	r        io.Reader
	w        io.Writer
	l        *slog.Logger
	maxMsg   int
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(sessions SessionOpener, opts ...Option) *Handler {
	h := &Handler{
		sessions: sessions,
		r:        os.Stdin,
		w:        os.Stdout,
		l:        logctx.Discard(),
		maxMsg:   DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = logctx.New(h.l)
	return h
}

// writeMux serializes whole messages onto the output stream, one per line.
type writeMux struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (m *writeMux) writeLine(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.w.Write(b); err != nil {
		return err
	}
	if err := m.w.WriteByte('\n'); err != nil {
		return err
	}
	return m.w.Flush()
}

func (m *writeMux) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return m.writeLine(b)
}

// WriteMessage lets the session's server emit notifications on the stream.
func (m *writeMux) WriteMessage(_ context.Context, msg jsonrpc.Message) error {
	return m.writeLine(bytes.TrimRight(msg, "\r\n"))
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It opens the manager's singleton session, so it may be called at
// most once per manager. Requests are handled concurrently so that a
// notifications/cancelled can reach a running tools/call; responses are
// written as they complete.
func (h *Handler) Serve(ctx context.Context) error {
	mux := &writeMux{w: bufio.NewWriter(h.w)}
	sess, err := h.sessions.OpenSingleton(ctx, mux)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	srv := sess.Server()
	h.l.InfoContext(ctx, "stdio.serve.start")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), h.maxMsg)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			h.l.InfoContext(ctx, "stdio.serve.cancelled")
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				h.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
				return fmt.Errorf("read: %w", err)
			}
			h.l.InfoContext(ctx, "stdio.serve.eof")
			return nil
		case line := <-lines:
			h.handleLine(ctx, &wg, mux, srv, line)
		}
	}
}

func (h *Handler) handleLine(ctx context.Context, wg *sync.WaitGroup, mux *writeMux, srv *mcpserver.Server, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if line[0] == '[' {
		h.writeResponse(ctx, mux, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "batch requests are not supported", nil))
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		h.l.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		h.writeResponse(ctx, mux, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	req := msg.AsRequest()
	if req == nil {
		// The bridge never issues server-to-client requests.
		h.l.DebugContext(ctx, "response.inbound.ignored")
		return
	}
	if req.IsNotification() {
		if err := srv.HandleNotification(ctx, req); err != nil {
			h.l.WarnContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
		}
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := srv.HandleRequest(ctx, req)
		if err != nil {
			h.l.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		h.writeResponse(ctx, mux, res)
	}()
}

func (h *Handler) writeResponse(ctx context.Context, mux *writeMux, res *jsonrpc.Response) {
	if err := mux.writeJSONRPC(res); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
