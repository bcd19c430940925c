package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	invopop "github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/macc-n/wot-mcp/mcp"
	"github.com/macc-n/wot-mcp/mcpserver"
	"github.com/macc-n/wot-mcp/td"
)

// Generic tool names.
const (
	ToolListDevices   = "list_devices"
	ToolReadProperty  = "read_property"
	ToolWriteProperty = "write_property"
	ToolInvokeAction  = "invoke_action"
)

// ListDevicesArgs are the (empty) arguments of list_devices.
type ListDevicesArgs struct{}

// ReadPropertyArgs are the arguments of read_property.
type ReadPropertyArgs struct {
	DeviceID     string `json:"device_id" jsonschema:"description=Device id as returned by list_devices"`
	PropertyName string `json:"property_name" jsonschema:"description=Exact property name"`
}

// WritePropertyArgs are the arguments of write_property.
type WritePropertyArgs struct {
	DeviceID     string `json:"device_id" jsonschema:"description=Device id as returned by list_devices"`
	PropertyName string `json:"property_name" jsonschema:"description=Exact property name"`
	Value        any    `json:"value" jsonschema:"description=New property value"`
}

// InvokeActionArgs are the arguments of invoke_action.
type InvokeActionArgs struct {
	DeviceID   string `json:"device_id" jsonschema:"description=Device id as returned by list_devices"`
	ActionName string `json:"action_name" jsonschema:"description=Exact action name"`
	Params     any    `json:"params,omitempty" jsonschema:"description=Action input as declared by the device"`
}

func genericDescriptors() []Descriptor {
	return []Descriptor{
		{
			Kind: KindListDevices,
			Tool: mcp.Tool{
				Name:        ToolListDevices,
				Description: "List every registered device with its properties, actions and events",
				InputSchema: reflectInputSchema[ListDevicesArgs](),
				Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
			},
		},
		{
			Kind: KindReadProperty,
			Tool: mcp.Tool{
				Name:        ToolReadProperty,
				Description: "Read the current value of a device property",
				InputSchema: reflectInputSchema[ReadPropertyArgs](),
				Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
			},
		},
		{
			Kind: KindWriteProperty,
			Tool: mcp.Tool{
				Name:        ToolWriteProperty,
				Description: "Write a new value to a writable device property",
				InputSchema: reflectInputSchema[WritePropertyArgs](),
				Annotations: &mcp.ToolAnnotations{IdempotentHint: true},
			},
		},
		{
			Kind: KindInvokeByName,
			Tool: mcp.Tool{
				Name:        ToolInvokeAction,
				Description: "Invoke a device action",
				InputSchema: reflectInputSchema[InvokeActionArgs](),
			},
		},
	}
}

// reflectInputSchema reflects the argument struct A into a tool input
// schema. Unknown fields are disallowed, matching the strict decoding in
// Dispatch.
func reflectInputSchema[A any]() *jsonschema.Schema {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Anonymous:      true,
	}
	b, err := json.Marshal(r.Reflect(new(A)))
	if err != nil {
		panic(fmt.Sprintf("reflect tool schema: %v", err))
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		panic(fmt.Sprintf("convert tool schema: %v", err))
	}
	s.Schema = ""
	s.ID = ""
	if s.Properties == nil {
		s.Properties = map[string]*jsonschema.Schema{}
	}
	return &s
}

type deviceSummary struct {
	ID          string                                         `json:"id"`
	Title       string                                         `json:"title"`
	Description string                                         `json:"description,omitempty"`
	Properties  *orderedmap.OrderedMap[string, map[string]any] `json:"properties"`
	Actions     *orderedmap.OrderedMap[string, map[string]any] `json:"actions"`
	Events      *orderedmap.OrderedMap[string, map[string]any] `json:"events"`
}

type deviceList struct {
	Devices []deviceSummary `json:"devices"`
}

func (e *Engine) listDevices(ctx context.Context) (*mcp.CallToolResult, error) {
	things := e.registry.Things()
	out := deviceList{Devices: make([]deviceSummary, 0, len(things))}
	for _, t := range things {
		s := deviceSummary{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Properties:  orderedmap.New[string, map[string]any](),
			Actions:     orderedmap.New[string, map[string]any](),
			Events:      orderedmap.New[string, map[string]any](),
		}
		if d, ok := e.registry.Description(t.ID); ok && d != nil {
			summarize(d, &s)
		}
		out.Devices = append(out.Devices, s)
	}
	e.log.DebugContext(ctx, "tools.list_devices.ok", slog.Int("devices", len(out.Devices)))
	return mcpserver.JSONResult(out)
}

// summarize copies the binding-free view of each affordance of d into s.
func summarize(d *td.ThingDescription, s *deviceSummary) {
	if d.Properties != nil {
		for p := d.Properties.Oldest(); p != nil; p = p.Next() {
			if p.Value != nil {
				s.Properties.Set(p.Key, p.Value.View())
			}
		}
	}
	if d.Actions != nil {
		for p := d.Actions.Oldest(); p != nil; p = p.Next() {
			if p.Value != nil {
				s.Actions.Set(p.Key, p.Value.View())
			}
		}
	}
	if d.Events != nil {
		for p := d.Events.Oldest(); p != nil; p = p.Next() {
			if p.Value != nil {
				s.Events.Set(p.Key, p.Value.View())
			}
		}
	}
}
