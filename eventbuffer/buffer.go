// Package eventbuffer keeps a bounded, time-limited log of device events per
// resource URI. Each resource holds at most MaxEventsPerResource entries
// (oldest evicted first); entries older than the TTL are pruned when the
// resource is read, so reads never return expired events.
package eventbuffer

import (
	"sync"
	"time"
)

const (
	// DefaultMaxEventsPerResource bounds each resource's log.
	DefaultMaxEventsPerResource = 100
	// DefaultTTL is how long an event stays readable.
	DefaultTTL = time.Hour
)

// Event is one buffered device event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithMaxEventsPerResource overrides the per-resource bound. Values below 1
// are ignored.
func WithMaxEventsPerResource(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.max = n
		}
	}
}

// WithTTL overrides the event time-to-live. Values below or equal to zero
// are ignored.
func WithTTL(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// Buffer is safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	now   func() time.Time
	rings map[string]*ring
}

// New constructs an empty Buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		max:   DefaultMaxEventsPerResource,
		ttl:   DefaultTTL,
		now:   time.Now,
		rings: make(map[string]*ring),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// MaxEventsPerResource reports the configured bound.
func (b *Buffer) MaxEventsPerResource() int { return b.max }

// TTL reports the configured time-to-live.
func (b *Buffer) TTL() time.Duration { return b.ttl }

// Initialize creates an empty log for uri so reads return an empty result
// rather than nothing. An existing log is left untouched.
func (b *Buffer) Initialize(uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ringLocked(uri)
}

// Has reports whether uri has a log.
func (b *Buffer) Has(uri string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.rings[uri]
	return ok
}

// Push appends an event for uri, evicting the oldest entry once the bound is
// exceeded. Timestamps never go backwards within one resource.
func (b *Buffer) Push(uri, eventType string, data any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.ringLocked(uri)
	ts := b.now().UTC()
	if last, ok := r.newest(); ok && ts.Before(last.Timestamp) {
		ts = last.Timestamp
	}
	ev := Event{Timestamp: ts, Type: eventType, Data: data}
	r.push(ev)
	return ev
}

// Get returns every unexpired event for uri, oldest first. The returned
// slice is never nil for an initialized resource.
func (b *Buffer) Get(uri string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[uri]
	if !ok {
		return nil
	}
	r.prune(b.now().Add(-b.ttl))
	return r.slice()
}

// GetSince returns the unexpired events for uri strictly after t.
func (b *Buffer) GetSince(uri string, t time.Time) []Event {
	all := b.Get(uri)
	for i, ev := range all {
		if ev.Timestamp.After(t) {
			return all[i:]
		}
	}
	if all == nil {
		return nil
	}
	return []Event{}
}

// GetRecent returns at most n of the newest unexpired events for uri,
// oldest first.
func (b *Buffer) GetRecent(uri string, n int) []Event {
	all := b.Get(uri)
	if n < 0 {
		n = 0
	}
	if len(all) > n {
		return all[len(all)-n:]
	}
	return all
}

// Snapshot is the read view backing event resources.
type Snapshot struct {
	URI         string     `json:"uri"`
	Events      []Event    `json:"events"`
	Count       int        `json:"count"`
	LastUpdated *time.Time `json:"lastUpdated"`
}

// Snapshot returns the newest n events for uri together with the total
// number of unexpired events and the newest timestamp.
func (b *Buffer) Snapshot(uri string, n int) Snapshot {
	all := b.Get(uri)
	s := Snapshot{URI: uri, Events: []Event{}, Count: len(all)}
	if len(all) == 0 {
		return s
	}
	recent := all
	if n >= 0 && len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	s.Events = recent
	last := all[len(all)-1].Timestamp
	s.LastUpdated = &last
	return s
}

// Clear drops every log.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rings = make(map[string]*ring)
}

func (b *Buffer) ringLocked(uri string) *ring {
	r, ok := b.rings[uri]
	if !ok {
		r = &ring{buf: make([]Event, b.max)}
		b.rings[uri] = r
	}
	return r
}

// ring is a fixed-capacity circular log.
type ring struct {
	buf   []Event
	start int
	n     int
}

func (r *ring) push(ev Event) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) newest() (Event, bool) {
	if r.n == 0 {
		return Event{}, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

// prune drops entries with a timestamp before cutoff. Timestamps are
// non-decreasing, so expired entries are always at the front.
func (r *ring) prune(cutoff time.Time) {
	for r.n > 0 && r.buf[r.start].Timestamp.Before(cutoff) {
		r.buf[r.start] = Event{}
		r.start = (r.start + 1) % len(r.buf)
		r.n--
	}
}

func (r *ring) slice() []Event {
	out := make([]Event, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
