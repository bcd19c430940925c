// Package device defines the contract between the bridge and the layer that
// actually talks to devices: property reads and writes, action invocation
// and the asynchronous events devices emit.
package device

import (
	"context"
	"errors"

	"github.com/macc-n/wot-mcp/td"
)

var (
	// ErrUnknownThing is returned for a thing the client was never bound to.
	ErrUnknownThing = errors.New("unknown thing")
	// ErrUnknownAffordance is returned for a property, action or event the
	// thing does not declare.
	ErrUnknownAffordance = errors.New("unknown affordance")
)

// Client performs device operations. Implementations must be safe for
// concurrent use; the bridge does not serialize calls against the same
// property or action.
type Client interface {
	ReadProperty(ctx context.Context, thingID, name string) (any, error)
	WriteProperty(ctx context.Context, thingID, name string, value any) error
	// InvokeAction returns the action output, or nil when the action
	// produced none. params is nil when the caller supplied no input.
	InvokeAction(ctx context.Context, thingID, name string, params any) (any, error)
}

// Binder is implemented by clients that need a thing's description to reach
// it, such as the HTTP binding which resolves forms against the TD.
type Binder interface {
	Bind(thingID string, desc *td.ThingDescription)
}

// EventKind distinguishes device events from property change reports.
type EventKind string

const (
	KindEvent    EventKind = "event"
	KindProperty EventKind = "property"
)

// Event is one asynchronous report from a device.
type Event struct {
	ThingID string    `json:"thing"`
	Kind    EventKind `json:"kind"`
	Name    string    `json:"name"`
	Data    any       `json:"data,omitempty"`
}

// Sink receives device events.
type Sink interface {
	HandleDeviceEvent(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) HandleDeviceEvent(ctx context.Context, ev Event) { f(ctx, ev) }
