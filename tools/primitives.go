package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/macc-n/wot-mcp/internal/logctx"
	"github.com/macc-n/wot-mcp/mcp"
	"github.com/macc-n/wot-mcp/mcpserver"
	"github.com/macc-n/wot-mcp/schema"
	"github.com/macc-n/wot-mcp/td"
	"github.com/macc-n/wot-mcp/wot"
)

// compile resolves s, falling back to accepting anything when the device
// schema cannot be resolved.
func compile(log *slog.Logger, s *jsonschema.Schema) *schema.Validator {
	v, err := schema.Compile(s)
	if err != nil {
		log.Warn("tools.schema.unresolvable", slog.String("err", err.Error()))
		return nil
	}
	return v
}

func readOnly(p *wot.Property) *mcp.CallToolResult {
	thingID := ""
	if ref, err := wot.ParseURI(p.URI); err == nil {
		thingID = ref.ThingID
	}
	return mcpserver.Errorf("Property '%s' of device %s is read-only", p.PropertyName, thingID)
}

func getterDescriptor(t *wot.Thing, p *wot.Property) Descriptor {
	desc := p.Description
	if desc == "" {
		desc = fmt.Sprintf("Read property '%s' of %s", p.Name, t.Title)
	}
	return Descriptor{
		Kind: KindGetProperty,
		Key:  p.URI,
		Tool: mcp.Tool{
			Name:        wot.GetterToolName(t.ID, p.PropertyName),
			Description: desc,
			InputSchema: &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}},
			Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
		},
	}
}

func (e *Engine) setterDescriptor(t *wot.Thing, p *wot.Property) Descriptor {
	input := schema.ObjectOf(map[string]*td.DataSchema{"value": p.Schema}, []string{"value"})
	return Descriptor{
		Kind: KindSetProperty,
		Key:  p.URI,
		Tool: mcp.Tool{
			Name:        wot.SetterToolName(t.ID, p.PropertyName),
			Description: fmt.Sprintf("Write property '%s' of %s", p.Name, t.Title),
			InputSchema: input,
			Annotations: &mcp.ToolAnnotations{IdempotentHint: true},
		},
		args: compile(e.log, schema.ObjectOf(map[string]*td.DataSchema{"value": p.Schema}, []string{"value"})),
	}
}

func (e *Engine) actionDescriptor(a *wot.Action) Descriptor {
	desc := a.Description
	if desc == "" {
		desc = fmt.Sprintf("Invoke action '%s' on %s", a.ActionName, a.ThingID)
	}
	return Descriptor{
		Kind: KindInvokeAction,
		Key:  a.ToolName,
		Tool: mcp.Tool{
			Name:        a.ToolName,
			Description: desc,
			InputSchema: schema.ToValidation(a.Input),
		},
		args: compile(e.log, schema.ToValidation(a.Input)),
	}
}

type propertyValue struct {
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

type writeConfirmation struct {
	Status   string `json:"status"`
	Property string `json:"property"`
	Value    any    `json:"value"`
}

// get reads a property through the device layer. The thing id and property
// name come from the property's resource URI.
func (e *Engine) get(ctx context.Context, p *wot.Property) (*mcp.CallToolResult, error) {
	ref, err := wot.ParseURI(p.URI)
	if err != nil {
		return nil, err
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: toolName(ctx), ThingID: ref.ThingID})

	start := time.Now()
	v, err := e.device.ReadProperty(ctx, ref.ThingID, ref.Name)
	if err != nil {
		e.log.InfoContext(ctx, "tools.read_property.fail", slog.String("property", ref.Name), slog.String("err", err.Error()))
		return mcpserver.Errorf("Error reading property '%s' of device %s: %v", ref.Name, ref.ThingID, err), nil
	}
	e.log.DebugContext(ctx, "tools.read_property.ok", slog.String("property", ref.Name), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return mcpserver.JSONResult(propertyValue{Value: v, Unit: p.Unit})
}

// set writes a property through the device layer. It refuses read-only
// properties without contacting the device.
func (e *Engine) set(ctx context.Context, p *wot.Property, value any) (*mcp.CallToolResult, error) {
	ref, err := wot.ParseURI(p.URI)
	if err != nil {
		return nil, err
	}
	if !p.Writable {
		return readOnly(p), nil
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: toolName(ctx), ThingID: ref.ThingID})

	start := time.Now()
	if err := e.device.WriteProperty(ctx, ref.ThingID, ref.Name, value); err != nil {
		e.log.InfoContext(ctx, "tools.write_property.fail", slog.String("property", ref.Name), slog.String("err", err.Error()))
		return mcpserver.Errorf("Error writing property '%s' of device %s: %v", ref.Name, ref.ThingID, err), nil
	}
	e.log.InfoContext(ctx, "tools.write_property.ok", slog.String("property", ref.Name), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return mcpserver.JSONResult(writeConfirmation{Status: "ok", Property: ref.Name, Value: value})
}

// invoke calls an action with params already unwrapped.
func (e *Engine) invoke(ctx context.Context, a *wot.Action, params any) (*mcp.CallToolResult, error) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: toolName(ctx), ThingID: a.ThingID})

	start := time.Now()
	out, err := e.device.InvokeAction(ctx, a.ThingID, a.ActionName, params)
	if err != nil {
		e.log.InfoContext(ctx, "tools.invoke_action.fail", slog.String("action", a.ActionName), slog.String("err", err.Error()))
		return mcpserver.Errorf("Error invoking action '%s' on device %s: %v", a.ActionName, a.ThingID, err), nil
	}
	e.log.InfoContext(ctx, "tools.invoke_action.ok", slog.String("action", a.ActionName), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	if out == nil {
		return mcpserver.TextResult(fmt.Sprintf("Action '%s' executed successfully", a.ActionName)), nil
	}
	return mcpserver.JSONResult(out)
}

// ReadResource serves property and event resources. Event reads return the
// most recent buffered events; property reads go to the device.
func (e *Engine) ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	ref, err := wot.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", mcpserver.ErrInvalidParams, err)
	}

	switch ref.Kind {
	case wot.KindEvents:
		if _, ok := e.registry.Event(uri); !ok {
			return nil, fmt.Errorf("%w: %s", mcpserver.ErrResourceNotFound, uri)
		}
		return mcpserver.JSONContents(uri, e.buffer.Snapshot(uri, e.recent))

	default:
		p, ok := e.registry.Property(uri)
		if !ok {
			return nil, fmt.Errorf("%w: %s", mcpserver.ErrResourceNotFound, uri)
		}
		v, err := e.device.ReadProperty(ctx, ref.ThingID, ref.Name)
		if err != nil {
			return nil, fmt.Errorf("read property '%s' of device %s: %w", ref.Name, ref.ThingID, err)
		}
		return mcpserver.JSONContents(uri, propertyValue{Value: v, Unit: p.Unit})
	}
}

// decodeArgs decodes tool arguments into an object and validates them.
// Absent arguments are treated as an empty object.
func decodeArgs(raw json.RawMessage, v *schema.Validator) (map[string]any, *mcp.CallToolResult) {
	args := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, mcpserver.Errorf("invalid arguments: %v", err)
		}
		if args == nil {
			args = map[string]any{}
		}
	}
	if err := v.Validate(args); err != nil {
		return nil, mcpserver.Errorf("invalid arguments: %v", err)
	}
	return args, nil
}

// decodeStrict decodes tool arguments into a typed struct, rejecting
// unknown fields.
func decodeStrict(raw json.RawMessage, out any) *mcp.CallToolResult {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return mcpserver.Errorf("invalid arguments: %v", err)
	}
	return nil
}

func toolName(ctx context.Context) string {
	if d, ok := logctx.ToolCallFromContext(ctx); ok {
		return d.ToolName
	}
	return ""
}
