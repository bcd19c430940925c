// Package session multiplexes the bridge across independent clients. The
// Manager owns every live protocol server instance, keeps them in step with
// the thing registry and fans device events out to the sessions that
// subscribed to the affected resource.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macc-n/wot-mcp/device"
	"github.com/macc-n/wot-mcp/eventbuffer"
	"github.com/macc-n/wot-mcp/internal/logctx"
	"github.com/macc-n/wot-mcp/mcp"
	"github.com/macc-n/wot-mcp/mcpserver"
	"github.com/macc-n/wot-mcp/td"
	"github.com/macc-n/wot-mcp/tools"
	"github.com/macc-n/wot-mcp/wot"
)

var (
	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSingletonExists is returned when the singleton session is opened twice.
	ErrSingletonExists = errors.New("singleton session already open")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("session manager shut down")
)

// ResourceTemplates are advertised by every session's resources/templates/list.
var ResourceTemplates = []mcp.ResourceTemplate{
	{
		URITemplate: "wot://{thingId}/properties/{name}",
		Name:        "Thing property",
		Description: "Current value of a device property",
		MimeType:    wot.JSONMimeType,
	},
	{
		URITemplate: "wot://{thingId}/events/{name}",
		Name:        "Thing event",
		Description: "Recent occurrences of a device event",
		MimeType:    wot.JSONMimeType,
	},
}

// Manager creates and tracks sessions. It implements device.Sink.
type Manager struct {
	engine   *tools.Engine
	registry *wot.Registry
	buffer   *eventbuffer.Buffer
	log      *slog.Logger
	info     mcp.ImplementationInfo
	instr    string
	pageSize int
	binder   device.Binder

	mu        sync.RWMutex
	sessions  map[string]*Session
	singleton *Session
	closed    bool
}

var _ device.Sink = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager and the servers it creates.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithServerInfo sets the implementation info every session reports.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(m *Manager) { m.info = info }
}

// WithInstructions sets the instructions every session returns from initialize.
func WithInstructions(instr string) Option {
	return func(m *Manager) { m.instr = instr }
}

// WithPageSize overrides the list page size of every session.
func WithPageSize(n int) Option {
	return func(m *Manager) { m.pageSize = n }
}

// WithBinder makes RegisterThing hand every description to b before the
// thing becomes visible to sessions.
func WithBinder(b device.Binder) Option {
	return func(m *Manager) { m.binder = b }
}

// NewManager returns a manager serving the things held in registry through
// engine. Events are recorded in buffer.
func NewManager(engine *tools.Engine, registry *wot.Registry, buffer *eventbuffer.Buffer, opts ...Option) *Manager {
	m := &Manager{
		engine:   engine,
		registry: registry,
		buffer:   buffer,
		log:      logctx.Discard(),
		info:     mcp.ImplementationInfo{Name: "wot-mcp", Version: "dev"},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newSessionLocked builds a session with the base tool set and every
// registered thing applied. m.mu must be held.
func (m *Manager) newSessionLocked(id string, w mcpserver.MessageWriter) *Session {
	log := m.log
	if id != "" {
		log = log.With(slog.String("session_id", id))
	}
	s := &Session{id: id, log: log, subs: make(map[string]struct{})}

	opts := []mcpserver.ServerOption{
		mcpserver.WithLogger(log),
		mcpserver.WithServerInfo(m.info),
		mcpserver.WithSubscriptions(s),
		mcpserver.WithResourceTemplates(ResourceTemplates...),
		mcpserver.WithURIValidator(validateURI),
	}
	if m.instr != "" {
		opts = append(opts, mcpserver.WithInstructions(m.instr))
	}
	if m.pageSize > 0 {
		opts = append(opts, mcpserver.WithPageSize(m.pageSize))
	}
	s.srv = mcpserver.NewServer(w, opts...)

	m.engine.Install(s.srv)
	for _, t := range m.registry.Things() {
		m.engine.Apply(s.srv, t)
	}
	return s
}

// OpenSingleton creates the one session of a single-client transport.
func (m *Manager) OpenSingleton(ctx context.Context, w mcpserver.MessageWriter) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	if m.singleton != nil {
		return nil, ErrSingletonExists
	}
	m.singleton = m.newSessionLocked("", w)
	m.log.InfoContext(ctx, "session.singleton.ok", slog.Int("things", m.registry.Len()))
	return m.singleton, nil
}

// CreateSession creates a multiplexed session under a fresh ID.
func (m *Manager) CreateSession(ctx context.Context, w mcpserver.MessageWriter) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	id := uuid.NewString()
	s := m.newSessionLocked(id, w)
	m.sessions[id] = s
	m.log.InfoContext(ctx, "session.create.ok",
		slog.String("session_id", id),
		slog.Int("things", m.registry.Len()),
		slog.Int("sessions", len(m.sessions)),
	)
	return s, nil
}

// Session returns the multiplexed session registered under id.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// CloseSession removes the session, discards its subscriptions and closes
// its server.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := s.close(); err != nil {
		m.log.WarnContext(ctx, "session.close.fail", slog.String("session_id", id), slog.String("err", err.Error()))
		return err
	}
	m.log.InfoContext(ctx, "session.close.ok", slog.String("session_id", id))
	return nil
}

// RegisterThing translates d, stores it and applies it to every live
// session, replacing any thing already registered under the same ID. Live
// sessions are told that their resource list (and, under the explicit
// strategy, their tool list) changed.
func (m *Manager) RegisterThing(ctx context.Context, d *td.ThingDescription) (*wot.Thing, error) {
	if d == nil {
		return nil, errors.New("nil thing description")
	}
	start := time.Now()
	t := wot.Translate(d)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if m.binder != nil {
		m.binder.Bind(t.ID, d)
	}
	prev := m.registry.Put(t, d)
	replaced := prev != nil
	for _, ev := range t.Events {
		m.buffer.Initialize(ev.URI)
	}
	targets := m.liveLocked()
	for _, s := range targets {
		if replaced {
			s.dropSubscriptions(m.engine.Retract(s.srv, prev, t))
		}
		m.engine.Apply(s.srv, t)
	}
	m.mu.Unlock()

	m.log.InfoContext(ctx, "session.register_thing.ok",
		slog.String("thing", t.ID),
		slog.Bool("replaced", replaced),
		slog.Int("properties", len(t.Properties)),
		slog.Int("actions", len(t.Actions)),
		slog.Int("events", len(t.Events)),
		slog.Int("sessions", len(targets)),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)

	m.broadcast(ctx, targets, mcp.ResourcesListChangedNotificationMethod)
	if m.engine.Strategy() == tools.StrategyExplicit {
		m.broadcast(ctx, targets, mcp.ToolsListChangedNotificationMethod)
	}
	return t, nil
}

// HandleDeviceEvent records ev and notifies every session subscribed to the
// affected resource. Events for unknown things or affordances are dropped.
func (m *Manager) HandleDeviceEvent(ctx context.Context, ev device.Event) {
	t, ok := m.lookupThing(ev.ThingID)
	if !ok {
		m.log.WarnContext(ctx, "fanout.drop", slog.String("reason", "unknown thing"), slog.String("thing", ev.ThingID), slog.String("name", ev.Name))
		return
	}

	var uri string
	switch ev.Kind {
	case device.KindEvent, "":
		e, ok := t.Event(ev.Name)
		if !ok {
			m.log.WarnContext(ctx, "fanout.drop", slog.String("reason", "unknown event"), slog.String("thing", t.ID), slog.String("name", ev.Name))
			return
		}
		uri = e.URI
		m.buffer.Push(uri, ev.Name, ev.Data)
	case device.KindProperty:
		p, ok := t.Property(ev.Name)
		if !ok {
			m.log.WarnContext(ctx, "fanout.drop", slog.String("reason", "unknown property"), slog.String("thing", t.ID), slog.String("name", ev.Name))
			return
		}
		uri = p.URI
	default:
		m.log.WarnContext(ctx, "fanout.drop", slog.String("reason", "unknown kind"), slog.String("kind", string(ev.Kind)))
		return
	}

	m.mu.RLock()
	var targets []*Session
	for _, s := range m.liveLocked() {
		if s.Subscribed(uri) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if err := s.srv.NotifyResourceUpdated(ctx, uri); err != nil {
			m.log.DebugContext(ctx, "fanout.send.fail", slog.String("session_id", s.id), slog.String("uri", uri), slog.String("err", err.Error()))
		}
	}
	m.log.DebugContext(ctx, "fanout.ok", slog.String("uri", uri), slog.Int("sessions", len(targets)))
}

// lookupThing accepts either the registered ID or the raw identifier a
// device reports before sanitisation.
func (m *Manager) lookupThing(id string) (*wot.Thing, bool) {
	if t, ok := m.registry.Thing(id); ok {
		return t, true
	}
	return m.registry.Thing(wot.ThingIDFor(id))
}

// Thing looks up a registered thing by registry ID or by the raw ID its
// description declared.
func (m *Manager) Thing(id string) (*wot.Thing, bool) {
	return m.lookupThing(id)
}

// Things returns every registered thing in registration order.
func (m *Manager) Things() []*wot.Thing {
	return m.registry.Things()
}

// Stats is a point-in-time summary of the manager.
type Stats struct {
	Things    int            `json:"things"`
	Sessions  int            `json:"sessions"`
	Singleton bool           `json:"singleton"`
	Strategy  tools.Strategy `json:"strategy"`
}

// Stats returns counts of registered things and live sessions.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Things:    m.registry.Len(),
		Sessions:  len(m.sessions),
		Singleton: m.singleton != nil,
		Strategy:  m.engine.Strategy(),
	}
}

// Shutdown closes every multiplexed session, releases the event buffer and
// registry, then closes the singleton session. Close errors are logged and
// ignored. Calling Shutdown more than once is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	singleton := m.singleton
	m.singleton = nil
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.close(); err != nil {
			m.log.WarnContext(ctx, "session.shutdown.close_fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
		}
	}
	m.buffer.Clear()
	m.registry.Clear()
	if singleton != nil {
		if err := singleton.close(); err != nil {
			m.log.WarnContext(ctx, "session.shutdown.close_fail", slog.String("session_id", "singleton"), slog.String("err", err.Error()))
		}
	}
	m.log.InfoContext(ctx, "session.shutdown.ok", slog.Int("sessions", len(sessions)), slog.Bool("singleton", singleton != nil))
	return nil
}

// liveLocked returns the singleton (if any) followed by the multiplexed
// sessions. m.mu must be held.
func (m *Manager) liveLocked() []*Session {
	out := make([]*Session, 0, len(m.sessions)+1)
	if m.singleton != nil {
		out = append(out, m.singleton)
	}
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) broadcast(ctx context.Context, targets []*Session, method mcp.Method) {
	for _, s := range targets {
		if err := s.srv.SendNotification(ctx, method, nil); err != nil {
			m.log.DebugContext(ctx, "fanout.send.fail", slog.String("session_id", s.id), slog.String("method", string(method)), slog.String("err", err.Error()))
		}
	}
}

func validateURI(uri string) error {
	_, err := wot.ParseURI(uri)
	return err
}
