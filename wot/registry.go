package wot

import (
	"sync"

	"github.com/macc-n/wot-mcp/td"
)

type registryEntry struct {
	thing *Thing
	desc  *td.ThingDescription
}

// Registry is the process-wide catalogue of translated things and the
// lookup maps derived from them. Entries are only ever added or replaced.
type Registry struct {
	mu         sync.RWMutex
	things     map[string]registryEntry
	order      []string
	properties map[string]*Property
	actions    map[string]*Action
	events     map[string]*Event
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		things:     make(map[string]registryEntry),
		properties: make(map[string]*Property),
		actions:    make(map[string]*Action),
		events:     make(map[string]*Event),
	}
}

// Put stores t (and the description it was translated from) under t.ID.
// A thing already registered under the same id is replaced, including its
// derived property, action and event entries; entries another thing has
// claimed since are kept. Put returns the replaced thing, or nil.
func (r *Registry) Put(t *Thing, d *td.ThingDescription) *Thing {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced := r.things[t.ID]
	if replaced {
		for i := range prev.thing.Properties {
			p := &prev.thing.Properties[i]
			if r.properties[p.URI] == p {
				delete(r.properties, p.URI)
			}
		}
		for i := range prev.thing.Actions {
			a := &prev.thing.Actions[i]
			if r.actions[a.ToolName] == a {
				delete(r.actions, a.ToolName)
			}
		}
		for i := range prev.thing.Events {
			e := &prev.thing.Events[i]
			if r.events[e.URI] == e {
				delete(r.events, e.URI)
			}
		}
	} else {
		r.order = append(r.order, t.ID)
	}

	r.things[t.ID] = registryEntry{thing: t, desc: d}
	for i := range t.Properties {
		r.properties[t.Properties[i].URI] = &t.Properties[i]
	}
	for i := range t.Actions {
		r.actions[t.Actions[i].ToolName] = &t.Actions[i]
	}
	for i := range t.Events {
		r.events[t.Events[i].URI] = &t.Events[i]
	}
	return prev.thing
}

// Thing returns the thing registered under id.
func (r *Registry) Thing(id string) (*Thing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.things[id]
	return e.thing, ok
}

// Description returns the source description of the thing registered under id.
func (r *Registry) Description(id string) (*td.ThingDescription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.things[id]
	return e.desc, ok
}

// Things returns every registered thing in first-registration order.
func (r *Registry) Things() []*Thing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Thing, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.things[id].thing)
	}
	return out
}

// Len returns the number of registered things.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.things)
}

// Property looks a property up by resource URI.
func (r *Registry) Property(uri string) (*Property, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.properties[uri]
	return p, ok
}

// Action looks an action up by tool name.
func (r *Registry) Action(toolName string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[toolName]
	return a, ok
}

// Event looks an event up by resource URI.
func (r *Registry) Event(uri string) (*Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[uri]
	return e, ok
}

// Clear drops every entry. It is only used at shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.things = make(map[string]registryEntry)
	r.order = nil
	r.properties = make(map[string]*Property)
	r.actions = make(map[string]*Action)
	r.events = make(map[string]*Event)
}
