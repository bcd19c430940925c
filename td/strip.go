package td

import (
	"encoding/json"
	"strings"
)

// bindingKeys are members that only matter to a protocol client talking to
// the device, not to a consumer deciding which capability to use.
var bindingKeys = map[string]struct{}{
	"forms":            {},
	"href":             {},
	"op":               {},
	"contentType":      {},
	"contentMediaType": {},
	"subprotocol":      {},
	"security":         {},
	"scopes":           {},
	"uriVariables":     {},
}

func isBindingKey(k string) bool {
	if _, ok := bindingKeys[k]; ok {
		return true
	}
	return strings.HasPrefix(k, "htv:")
}

// StripBindings returns a deep copy of v with every binding-only member
// removed at any depth. Keys of a schema's "properties" map are member names
// and are never stripped. Non-container values are returned unchanged.
func StripBindings(v any) any {
	return strip(v, false)
}

func strip(v any, names bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if !names && isBindingKey(k) {
				continue
			}
			out[k] = strip(val, !names && k == "properties")
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = strip(val, false)
		}
		return out
	default:
		return v
	}
}

// View returns the affordance with binding members removed. Affordances built
// in code rather than parsed fall back to their modelled fields.
func (p *PropertyAffordance) View() map[string]any {
	if p.raw != nil {
		return StripBindings(p.raw).(map[string]any)
	}
	return StripBindings(toMap(p)).(map[string]any)
}

// View returns the affordance with binding members removed.
func (a *ActionAffordance) View() map[string]any {
	if a.raw != nil {
		return StripBindings(a.raw).(map[string]any)
	}
	return StripBindings(toMap(a)).(map[string]any)
}

// View returns the affordance with binding members removed.
func (e *EventAffordance) View() map[string]any {
	if e.raw != nil {
		return StripBindings(e.raw).(map[string]any)
	}
	return StripBindings(toMap(e)).(map[string]any)
}

func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
