// Package simulated is an in-memory device layer. Property values live in a
// map seeded from each Thing Description, writes and device-side changes are
// reported to a sink as property events, and actions run registered
// handlers. It backs demos and the end-to-end tests.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/macc-n/wot-mcp/device"
	"github.com/macc-n/wot-mcp/td"
)

// ActionFunc implements a simulated action.
type ActionFunc func(ctx context.Context, params any) (any, error)

// Call records one device operation, for inspection in tests.
type Call struct {
	Op      string
	ThingID string
	Name    string
	Value   any
}

type thing struct {
	values   map[string]any
	readOnly map[string]bool
	actions  map[string]ActionFunc
	events   map[string]bool
}

// Device is safe for concurrent use.
type Device struct {
	log *slog.Logger

	mu     sync.RWMutex
	things map[string]*thing
	sink   device.Sink
	calls  []Call
}

var (
	_ device.Client = (*Device)(nil)
	_ device.Binder = (*Device)(nil)
)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// New returns a Device with no things bound.
func New(opts ...Option) *Device {
	d := &Device{
		log:    slog.New(slog.DiscardHandler),
		things: make(map[string]*thing),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetSink installs the receiver of property changes and emitted events.
func (d *Device) SetSink(s device.Sink) {
	d.mu.Lock()
	d.sink = s
	d.mu.Unlock()
}

// Bind makes the affordances of desc available under thingID. Property
// values start at the declared const or default, else at the zero value of
// the declared type. Rebinding keeps values and handlers of affordances
// that still exist.
func (d *Device) Bind(thingID string, desc *td.ThingDescription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.things[thingID]
	t := &thing{
		values:   make(map[string]any),
		readOnly: make(map[string]bool),
		actions:  make(map[string]ActionFunc),
		events:   make(map[string]bool),
	}
	if desc.Properties != nil {
		for p := desc.Properties.Oldest(); p != nil; p = p.Next() {
			var ds td.DataSchema
			if p.Value != nil {
				ds = p.Value.DataSchema
			}
			t.values[p.Key] = initialValue(&ds)
			t.readOnly[p.Key] = ds.ReadOnly
			if prev != nil {
				if v, ok := prev.values[p.Key]; ok {
					t.values[p.Key] = v
				}
			}
		}
	}
	if desc.Actions != nil {
		for p := desc.Actions.Oldest(); p != nil; p = p.Next() {
			t.actions[p.Key] = nil
			if prev != nil && prev.actions[p.Key] != nil {
				t.actions[p.Key] = prev.actions[p.Key]
			}
		}
	}
	if desc.Events != nil {
		for p := desc.Events.Oldest(); p != nil; p = p.Next() {
			t.events[p.Key] = true
		}
	}
	d.things[thingID] = t
	d.log.Debug("simulated.bind", slog.String("thing", thingID), slog.Int("properties", len(t.values)))
}

// HandleAction installs fn as the implementation of an action. Actions
// without a handler succeed and return nothing.
func (d *Device) HandleAction(thingID, name string, fn ActionFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.things[thingID]
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrUnknownThing, thingID)
	}
	if _, ok := t.actions[name]; !ok {
		return fmt.Errorf("%w: action %s", device.ErrUnknownAffordance, name)
	}
	t.actions[name] = fn
	return nil
}

func (d *Device) ReadProperty(ctx context.Context, thingID, name string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.lookupLocked(thingID)
	if err != nil {
		return nil, err
	}
	v, ok := t.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: property %s", device.ErrUnknownAffordance, name)
	}
	d.calls = append(d.calls, Call{Op: "read", ThingID: thingID, Name: name})
	return v, nil
}

func (d *Device) WriteProperty(ctx context.Context, thingID, name string, value any) error {
	if err := d.setProperty(thingID, name, value, true); err != nil {
		return err
	}
	d.notify(ctx, device.Event{ThingID: thingID, Kind: device.KindProperty, Name: name, Data: value})
	return nil
}

// SetProperty changes a property from the device side, bypassing the
// read-only flag, and reports the change to the sink.
func (d *Device) SetProperty(ctx context.Context, thingID, name string, value any) error {
	if err := d.setProperty(thingID, name, value, false); err != nil {
		return err
	}
	d.notify(ctx, device.Event{ThingID: thingID, Kind: device.KindProperty, Name: name, Data: value})
	return nil
}

func (d *Device) setProperty(thingID, name string, value any, external bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.lookupLocked(thingID)
	if err != nil {
		return err
	}
	if _, ok := t.values[name]; !ok {
		return fmt.Errorf("%w: property %s", device.ErrUnknownAffordance, name)
	}
	if external {
		if t.readOnly[name] {
			return fmt.Errorf("property %s is read-only", name)
		}
		d.calls = append(d.calls, Call{Op: "write", ThingID: thingID, Name: name, Value: value})
	}
	t.values[name] = value
	return nil
}

func (d *Device) InvokeAction(ctx context.Context, thingID, name string, params any) (any, error) {
	d.mu.Lock()
	t, err := d.lookupLocked(thingID)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	fn, ok := t.actions[name]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: action %s", device.ErrUnknownAffordance, name)
	}
	d.calls = append(d.calls, Call{Op: "invoke", ThingID: thingID, Name: name, Value: params})
	d.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx, params)
}

// Emit reports an event from the device.
func (d *Device) Emit(ctx context.Context, thingID, name string, data any) error {
	d.mu.RLock()
	t, ok := d.things[thingID]
	known := ok && t.events[name]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrUnknownThing, thingID)
	}
	if !known {
		return fmt.Errorf("%w: event %s", device.ErrUnknownAffordance, name)
	}
	d.notify(ctx, device.Event{ThingID: thingID, Kind: device.KindEvent, Name: name, Data: data})
	return nil
}

// Calls returns every read, write and invoke performed so far.
func (d *Device) Calls() []Call {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Call(nil), d.calls...)
}

func (d *Device) notify(ctx context.Context, ev device.Event) {
	d.mu.RLock()
	sink := d.sink
	d.mu.RUnlock()
	if sink != nil {
		sink.HandleDeviceEvent(ctx, ev)
	}
}

func (d *Device) lookupLocked(thingID string) (*thing, error) {
	t, ok := d.things[thingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrUnknownThing, thingID)
	}
	return t, nil
}

func initialValue(s *td.DataSchema) any {
	if s.Const != nil {
		return s.Const
	}
	if s.Default != nil {
		return s.Default
	}
	switch s.Type {
	case "string":
		if len(s.Enum) > 0 {
			return s.Enum[0]
		}
		return ""
	case "number", "integer":
		if s.Minimum != nil {
			return *s.Minimum
		}
		return 0.0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return nil
	}
}
