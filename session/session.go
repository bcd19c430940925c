package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/macc-n/wot-mcp/mcpserver"
)

// Session is one client's isolated view of the registry: its own protocol
// server instance and the set of resource URIs it subscribed to.
type Session struct {
	id  string
	srv *mcpserver.Server
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]struct{}
}

var _ mcpserver.Subscriptions = (*Session)(nil)

// ID returns the session identifier. The singleton session has an empty ID.
func (s *Session) ID() string { return s.id }

// Server returns the session's protocol server instance.
func (s *Session) Server() *mcpserver.Server { return s.srv }

// Subscribe adds uri to the session's subscription set.
func (s *Session) Subscribe(ctx context.Context, uri string) error {
	s.mu.Lock()
	s.subs[uri] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()
	s.log.InfoContext(ctx, "session.subscribe.ok", slog.String("uri", uri), slog.Int("subscriptions", n))
	return nil
}

// Unsubscribe removes uri from the session's subscription set. Removing a
// URI that was never subscribed is not an error.
func (s *Session) Unsubscribe(ctx context.Context, uri string) error {
	s.mu.Lock()
	delete(s.subs, uri)
	n := len(s.subs)
	s.mu.Unlock()
	s.log.InfoContext(ctx, "session.unsubscribe.ok", slog.String("uri", uri), slog.Int("subscriptions", n))
	return nil
}

// Subscribed reports whether the session subscribed to uri.
func (s *Session) Subscribed(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[uri]
	return ok
}

// Subscriptions returns the subscribed URIs in lexical order.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for uri := range s.subs {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// dropSubscriptions forgets uris, which no longer name a registered resource.
func (s *Session) dropSubscriptions(uris []string) {
	s.mu.Lock()
	for _, uri := range uris {
		delete(s.subs, uri)
	}
	s.mu.Unlock()
}

func (s *Session) close() error {
	s.mu.Lock()
	s.subs = make(map[string]struct{})
	s.mu.Unlock()
	return s.srv.Close()
}
