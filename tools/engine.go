// Package tools turns translated things into MCP tools and resources.
//
// Every tool a server exposes is described by a Descriptor: a tagged value
// naming the operation kind and the registry key it acts on. The server
// routes each call to Engine.Dispatch with the descriptor registered under
// the tool name, so behaviour is driven by data rather than by per-tool
// closures, and a descriptor stays valid when the thing it refers to is
// re-registered.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/macc-n/wot-mcp/device"
	"github.com/macc-n/wot-mcp/eventbuffer"
	"github.com/macc-n/wot-mcp/internal/logctx"
	"github.com/macc-n/wot-mcp/mcp"
	"github.com/macc-n/wot-mcp/mcpserver"
	"github.com/macc-n/wot-mcp/schema"
	"github.com/macc-n/wot-mcp/wot"
)

// Strategy selects how tools are generated. It is fixed for the lifetime of
// an Engine.
type Strategy string

const (
	// StrategyExplicit generates getter, setter and action tools per thing.
	StrategyExplicit Strategy = "explicit"
	// StrategyGeneric exposes four fixed tools that take the device and
	// capability names as arguments.
	StrategyGeneric Strategy = "generic"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyExplicit, StrategyGeneric:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown tool strategy %q", s)
}

// Kind is the operation a Descriptor performs.
type Kind int

const (
	KindGetProperty Kind = iota + 1
	KindSetProperty
	KindInvokeAction
	KindListDevices
	KindReadProperty
	KindWriteProperty
	KindInvokeByName
)

func (k Kind) String() string {
	switch k {
	case KindGetProperty:
		return "get_property"
	case KindSetProperty:
		return "set_property"
	case KindInvokeAction:
		return "invoke_action"
	case KindListDevices:
		return "list_devices"
	case KindReadProperty:
		return "read_property"
	case KindWriteProperty:
		return "write_property"
	case KindInvokeByName:
		return "invoke_by_name"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Descriptor describes one tool. Key is the property URI for
// KindGetProperty and KindSetProperty, the action tool name for
// KindInvokeAction, and empty for the generic kinds.
type Descriptor struct {
	Kind Kind
	Tool mcp.Tool
	Key  string

	args *schema.Validator
}

// Registrar is the part of a protocol server instance the engine writes to.
type Registrar interface {
	RegisterTool(tool mcp.Tool, h mcpserver.ToolHandler) bool
	RegisterResource(res mcp.Resource, r mcpserver.ResourceReader) bool
	UnregisterTool(name string) bool
	UnregisterResource(uri string) bool
}

var _ Registrar = (*mcpserver.Server)(nil)

// DefaultRecentEvents is the number of buffered events an event resource
// read returns.
const DefaultRecentEvents = 50

// Engine is safe for concurrent use.
type Engine struct {
	strategy Strategy
	registry *wot.Registry
	device   device.Client
	buffer   *eventbuffer.Buffer
	log      *slog.Logger
	recent   int

	generic []Descriptor

	mu     sync.Mutex
	owners map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRecentEvents overrides DefaultRecentEvents.
func WithRecentEvents(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.recent = n
		}
	}
}

// New returns an Engine reading things from reg, performing device
// operations through dev and serving event reads from buf.
func New(strategy Strategy, reg *wot.Registry, dev device.Client, buf *eventbuffer.Buffer, opts ...Option) *Engine {
	e := &Engine{
		strategy: strategy,
		registry: reg,
		device:   dev,
		buffer:   buf,
		log:      slog.New(slog.DiscardHandler),
		recent:   DefaultRecentEvents,
		owners:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if strategy == StrategyGeneric {
		e.generic = genericDescriptors()
	}
	return e
}

// Strategy returns the engine's strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// Install registers the strategy's base tool set on r: the four generic
// tools, or nothing under the explicit strategy. It returns the number of
// tools registered.
func (e *Engine) Install(r Registrar) int {
	for _, d := range e.generic {
		r.RegisterTool(d.Tool, binding{engine: e, desc: d})
	}
	return len(e.generic)
}

// Apply registers the capabilities of t on r: tools under the explicit
// strategy, and under both strategies every property and event as a
// resource. It returns the number of tools registered.
func (e *Engine) Apply(r Registrar, t *wot.Thing) int {
	descs := e.Descriptors(t)
	for _, d := range descs {
		r.RegisterTool(d.Tool, binding{engine: e, desc: d})
	}
	for _, p := range t.Properties {
		r.RegisterResource(mcp.Resource{
			URI:         p.URI,
			Name:        p.Name,
			Description: p.Description,
			MimeType:    p.MimeType,
		}, e)
	}
	for _, ev := range t.Events {
		r.RegisterResource(mcp.Resource{
			URI:         ev.URI,
			Name:        ev.Name,
			Description: ev.Description,
			MimeType:    ev.MimeType,
		}, e)
	}
	return len(descs)
}

// Retract removes from r the tools and resources prev contributed that next,
// its replacement, no longer declares. Tool names another thing has claimed
// since are left alone. It returns the resource URIs removed.
func (e *Engine) Retract(r Registrar, prev, next *wot.Thing) []string {
	keep := make(map[string]struct{})
	for name := range toolOwners(next) {
		keep[name] = struct{}{}
	}
	for _, p := range next.Properties {
		keep[p.URI] = struct{}{}
	}
	for _, ev := range next.Events {
		keep[ev.URI] = struct{}{}
	}

	if e.strategy == StrategyExplicit {
		e.mu.Lock()
		for name, owner := range toolOwners(prev) {
			if _, ok := keep[name]; ok {
				continue
			}
			if cur, ok := e.owners[name]; ok && cur != owner {
				continue
			}
			delete(e.owners, name)
			r.UnregisterTool(name)
		}
		e.mu.Unlock()
	}

	var removed []string
	retract := func(uri string) {
		if _, ok := keep[uri]; ok {
			return
		}
		if r.UnregisterResource(uri) {
			removed = append(removed, uri)
		}
	}
	for _, p := range prev.Properties {
		retract(p.URI)
	}
	for _, ev := range prev.Events {
		retract(ev.URI)
	}
	return removed
}

// toolOwners maps every explicit tool name t yields to the capability that
// owns it, using the same owner keys as claim.
func toolOwners(t *wot.Thing) map[string]string {
	out := make(map[string]string, 2*len(t.Properties)+len(t.Actions))
	for _, p := range t.Properties {
		out[wot.GetterToolName(t.ID, p.PropertyName)] = p.URI
		if p.Writable {
			out[wot.SetterToolName(t.ID, p.PropertyName)] = p.URI
		}
	}
	for _, a := range t.Actions {
		out[a.ToolName] = a.ThingID + "/" + a.ActionName
	}
	return out
}

// Descriptors returns the per-thing tool descriptors for t. It is empty
// under the generic strategy.
func (e *Engine) Descriptors(t *wot.Thing) []Descriptor {
	if e.strategy != StrategyExplicit {
		return nil
	}

	out := make([]Descriptor, 0, 2*len(t.Properties)+len(t.Actions))
	for _, p := range t.Properties {
		out = append(out, e.claim(getterDescriptor(t, &p), p.URI))
		if p.Writable {
			out = append(out, e.claim(e.setterDescriptor(t, &p), p.URI))
		}
	}
	for _, a := range t.Actions {
		out = append(out, e.claim(e.actionDescriptor(&a), a.ThingID+"/"+a.ActionName))
	}
	return out
}

// claim records which capability owns a tool name and warns when a
// different capability already had it. The later registration wins.
func (e *Engine) claim(d Descriptor, owner string) Descriptor {
	e.mu.Lock()
	prev, ok := e.owners[d.Tool.Name]
	e.owners[d.Tool.Name] = owner
	e.mu.Unlock()
	if ok && prev != owner {
		e.log.Warn("tools.name_collision",
			slog.String("tool", d.Tool.Name),
			slog.String("previous", prev),
			slog.String("current", owner),
		)
	}
	return d
}

// Dispatch executes d with the raw JSON arguments of a tool call. Not-found
// conditions, policy violations and device failures are reported as error
// results; a returned error means a stored identifier was malformed.
func (e *Engine) Dispatch(ctx context.Context, d Descriptor, args json.RawMessage) (*mcp.CallToolResult, error) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: d.Tool.Name})

	switch d.Kind {
	case KindGetProperty:
		p, ok := e.registry.Property(d.Key)
		if !ok {
			return mcpserver.Errorf("Property not found: %s", d.Key), nil
		}
		return e.get(ctx, p)

	case KindSetProperty:
		p, ok := e.registry.Property(d.Key)
		if !ok {
			return mcpserver.Errorf("Property not found: %s", d.Key), nil
		}
		if !p.Writable {
			return readOnly(p), nil
		}
		v, res := decodeArgs(args, d.args)
		if res != nil {
			return res, nil
		}
		return e.set(ctx, p, v["value"])

	case KindInvokeAction:
		a, ok := e.registry.Action(d.Key)
		if !ok {
			return mcpserver.Errorf("Action not found: %s", d.Key), nil
		}
		v, res := decodeArgs(args, d.args)
		if res != nil {
			return res, nil
		}
		var params any = v
		if a.InputWrapped {
			params = v["value"]
		}
		return e.invoke(ctx, a, params)

	case KindListDevices:
		return e.listDevices(ctx)

	case KindReadProperty:
		var in ReadPropertyArgs
		if res := decodeStrict(args, &in); res != nil {
			return res, nil
		}
		p, res := e.resolveProperty(in.DeviceID, in.PropertyName)
		if res != nil {
			return res, nil
		}
		return e.get(ctx, p)

	case KindWriteProperty:
		var in WritePropertyArgs
		if res := decodeStrict(args, &in); res != nil {
			return res, nil
		}
		p, res := e.resolveProperty(in.DeviceID, in.PropertyName)
		if res != nil {
			return res, nil
		}
		if !p.Writable {
			return readOnly(p), nil
		}
		if err := compile(e.log, schema.ToValidation(p.Schema)).Validate(in.Value); err != nil {
			return mcpserver.Errorf("Invalid value for property '%s': %v", p.PropertyName, err), nil
		}
		return e.set(ctx, p, in.Value)

	case KindInvokeByName:
		var in InvokeActionArgs
		if res := decodeStrict(args, &in); res != nil {
			return res, nil
		}
		t, ok := e.registry.Thing(in.DeviceID)
		if !ok {
			return mcpserver.Errorf("Device not found: %s", in.DeviceID), nil
		}
		a, ok := t.Action(in.ActionName)
		if !ok {
			return mcpserver.Errorf("Action '%s' not found on device %s", in.ActionName, in.DeviceID), nil
		}
		params := in.Params
		if a.InputWrapped {
			params = unwrapValue(params)
		}
		if a.Declared != nil {
			if err := compile(e.log, schema.ToValidation(a.Declared)).Validate(params); err != nil {
				return mcpserver.Errorf("Invalid params for action '%s': %v", a.ActionName, err), nil
			}
		}
		return e.invoke(ctx, a, params)
	}

	return nil, fmt.Errorf("unknown descriptor kind %s", d.Kind)
}

// unwrapValue strips the {value: x} envelope the explicit action tools
// use, so both strategies accept the same argument shape. Anything else is
// passed through as the bare input.
func unwrapValue(params any) any {
	m, ok := params.(map[string]any)
	if !ok || len(m) != 1 {
		return params
	}
	if v, ok := m["value"]; ok {
		return v
	}
	return params
}

func (e *Engine) resolveProperty(deviceID, name string) (*wot.Property, *mcp.CallToolResult) {
	t, ok := e.registry.Thing(deviceID)
	if !ok {
		return nil, mcpserver.Errorf("Device not found: %s", deviceID)
	}
	p, ok := t.Property(name)
	if !ok {
		return nil, mcpserver.Errorf("Property '%s' not found on device %s", name, deviceID)
	}
	return p, nil
}

// binding adapts a descriptor to mcpserver.ToolHandler.
type binding struct {
	engine *Engine
	desc   Descriptor
}

func (b binding) CallTool(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
	return b.engine.Dispatch(ctx, b.desc, args)
}
