// Package schema converts Thing Description data schemas into JSON Schema
// validation schemas and validates decoded tool arguments against them.
//
// The conversion keeps only structural constraints: types, string enums,
// inclusive numeric bounds, array items and object properties with their
// required list. Everything else, including any type it does not recognise,
// maps to the empty schema, which accepts any value. That permissiveness is
// intentional: device schemas in the wild are loose, and a caller should be
// able to reach the device and let it reject a value rather than be blocked
// by a schema the bridge only partly understands.
package schema

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/macc-n/wot-mcp/td"
)

// ToValidation maps a data schema onto a validation schema. It never fails;
// a nil input yields a schema that accepts anything.
func ToValidation(s *td.DataSchema) *jsonschema.Schema {
	if s == nil {
		return &jsonschema.Schema{}
	}

	var out *jsonschema.Schema
	switch s.Type {
	case "string":
		out = &jsonschema.Schema{Type: "string"}
		if len(s.Enum) > 0 {
			out.Enum = append([]any(nil), s.Enum...)
		}
	case "number", "integer":
		out = &jsonschema.Schema{Type: s.Type}
		if s.Minimum != nil {
			out.Minimum = jsonschema.Ptr(*s.Minimum)
		}
		if s.Maximum != nil {
			out.Maximum = jsonschema.Ptr(*s.Maximum)
		}
	case "boolean":
		out = &jsonschema.Schema{Type: "boolean"}
	case "array":
		out = &jsonschema.Schema{Type: "array", Items: ToValidation(s.Items)}
	case "object":
		out = objectSchema(s.Properties, s.Required)
	default:
		out = &jsonschema.Schema{}
	}
	out.Description = s.Description
	return out
}

// ObjectOf builds an object schema whose members are converted from props.
// Only names listed in required that are also declared end up required.
func ObjectOf(props map[string]*td.DataSchema, required []string) *jsonschema.Schema {
	return objectSchema(props, required)
}

func objectSchema(props map[string]*td.DataSchema, required []string) *jsonschema.Schema {
	out := &jsonschema.Schema{Type: "object", Properties: make(map[string]*jsonschema.Schema, len(props))}
	for name, p := range props {
		out.Properties[name] = ToValidation(p)
	}
	for _, name := range required {
		if _, ok := props[name]; ok {
			out.Required = append(out.Required, name)
		}
	}
	return out
}

// Validator checks decoded JSON values against a resolved schema.
type Validator struct {
	resolved *jsonschema.Resolved
}

// Compile resolves s for validation. s must not be modified afterwards.
func Compile(s *jsonschema.Schema) (*Validator, error) {
	if s == nil {
		s = &jsonschema.Schema{}
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return &Validator{resolved: rs}, nil
}

// MustCompile is Compile for schemas built in code, which are known to
// resolve.
func MustCompile(s *jsonschema.Schema) *Validator {
	v, err := Compile(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks v, which must be a value produced by encoding/json
// decoding into an any.
func (v *Validator) Validate(value any) error {
	if v == nil || v.resolved == nil {
		return nil
	}
	return v.resolved.Validate(value)
}
