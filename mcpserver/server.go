package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/macc-n/wot-mcp/internal/jsonrpc"
	"github.com/macc-n/wot-mcp/mcp"
)

var (
	// ErrResourceNotFound is returned by readers and subscription handlers
	// for URIs that are not registered. It maps to JSON-RPC error -32002.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrInvalidParams marks handler errors caused by the caller's input. It
	// maps to JSON-RPC error -32602.
	ErrInvalidParams = errors.New("invalid params")
	// ErrClosed is returned by a server that has been closed.
	ErrClosed = errors.New("server closed")
)

// MessageWriter delivers server-to-client messages on behalf of a transport.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

type MessageWriterFunc func(ctx context.Context, msg jsonrpc.Message) error

func (f MessageWriterFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return f(ctx, msg)
}

// ToolHandler executes a tool call. Failures the caller should see as a tool
// result must be returned as a CallToolResult with IsError set; a returned
// error becomes a JSON-RPC error response.
type ToolHandler interface {
	CallTool(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)
}

type ToolHandlerFunc func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

func (f ToolHandlerFunc) CallTool(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
	return f(ctx, args)
}

// ResourceReader produces the contents of a resource.
type ResourceReader interface {
	ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error)
}

type ResourceReaderFunc func(ctx context.Context, uri string) ([]mcp.ResourceContents, error)

func (f ResourceReaderFunc) ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	return f(ctx, uri)
}

// Subscriptions records which resources the owning client wants update
// notifications for.
type Subscriptions interface {
	Subscribe(ctx context.Context, uri string) error
	Unsubscribe(ctx context.Context, uri string) error
}

type toolEntry struct {
	tool    mcp.Tool
	handler ToolHandler
}

type resourceEntry struct {
	resource mcp.Resource
	reader   ResourceReader
}

// Server is one protocol server instance. It is safe for concurrent use.
type Server struct {
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string
	writer       MessageWriter
	subs         Subscriptions
	templates    []mcp.ResourceTemplate
	pageSize     int
	validateURI  func(uri string) error

	mu              sync.RWMutex
	tools           *orderedmap.OrderedMap[string, toolEntry]
	resources       *orderedmap.OrderedMap[string, resourceEntry]
	protocolVersion string
	initialized     bool
	closed          bool
	inflight        map[string]context.CancelCauseFunc
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithSubscriptions enables resources/subscribe and resources/unsubscribe.
func WithSubscriptions(subs Subscriptions) ServerOption {
	return func(s *Server) { s.subs = subs }
}

// WithResourceTemplates sets the result of resources/templates/list.
func WithResourceTemplates(templates ...mcp.ResourceTemplate) ServerOption {
	return func(s *Server) { s.templates = append([]mcp.ResourceTemplate(nil), templates...) }
}

// WithURIValidator rejects resource URIs that fail validate with an
// invalid params error before any lookup, for read and subscription requests.
func WithURIValidator(validate func(uri string) error) ServerOption {
	return func(s *Server) { s.validateURI = validate }
}

// WithPageSize overrides DefaultPageSize for list methods.
func WithPageSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewServer returns a server that writes notifications through w. w may be
// nil, in which case notifications are discarded.
func NewServer(w MessageWriter, opts ...ServerOption) *Server {
	s := &Server{
		log:       slog.New(slog.DiscardHandler),
		info:      mcp.ImplementationInfo{Name: "wot-mcp", Version: "dev"},
		writer:    w,
		pageSize:  DefaultPageSize,
		tools:     orderedmap.New[string, toolEntry](),
		resources: orderedmap.New[string, resourceEntry](),
		inflight:  make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool adds tool, replacing any tool registered under the same name.
// It reports whether a tool was replaced.
func (s *Server) RegisterTool(tool mcp.Tool, h ToolHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced := s.tools.Set(tool.Name, toolEntry{tool: tool, handler: h})
	return replaced
}

// RegisterResource adds res, replacing any resource registered under the
// same URI. It reports whether a resource was replaced.
func (s *Server) RegisterResource(res mcp.Resource, r ResourceReader) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced := s.resources.Set(res.URI, resourceEntry{resource: res, reader: r})
	return replaced
}

// UnregisterTool removes the tool registered under name. It reports whether
// one was registered.
func (s *Server) UnregisterTool(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tools.Delete(name)
	return ok
}

// UnregisterResource removes the resource registered under uri. It reports
// whether one was registered.
func (s *Server) UnregisterResource(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.resources.Delete(uri)
	return ok
}

// Tools returns the registered tools in registration order.
func (s *Server) Tools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Tool, 0, s.tools.Len())
	for p := s.tools.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value.tool)
	}
	return out
}

// Resources returns the registered resources in registration order.
func (s *Server) Resources() []mcp.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Resource, 0, s.resources.Len())
	for p := s.resources.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value.resource)
	}
	return out
}

// HasResource reports whether uri is registered.
func (s *Server) HasResource(uri string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resources.Get(uri)
	return ok
}

// ProtocolVersion returns the version negotiated by initialize, or "" before
// the client initialized.
func (s *Server) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// SendNotification writes a JSON-RPC notification to the client.
func (s *Server) SendNotification(ctx context.Context, method mcp.Method, params any) error {
	s.mu.RLock()
	closed, w := s.closed, s.writer
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if w == nil {
		return nil
	}

	n, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return w.WriteMessage(ctx, b)
}

// NotifyResourceUpdated sends notifications/resources/updated for uri.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) error {
	return s.SendNotification(ctx, mcp.ResourcesUpdatedNotificationMethod, &mcp.ResourceUpdatedNotification{URI: uri})
}

// Close cancels in-flight calls and closes the writer if it is an
// io.Closer. It is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	inflight := s.inflight
	s.inflight = make(map[string]context.CancelCauseFunc)
	w := s.writer
	s.mu.Unlock()

	for _, cancel := range inflight {
		cancel(ErrClosed)
	}
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Server) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
