// Package td models the subset of a W3C Web of Things Thing Description the
// bridge consumes: identity, the property/action/event affordances with their
// data schemas, and the protocol binding forms a device client needs.
//
// Affordance maps keep document order so that translating the same document
// twice produces identical results. Each affordance also retains its raw JSON
// members so consumers can present fields this package does not model.
package td

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrEmptyDescription is returned by Parse when the document declares neither
// an id nor a title.
var ErrEmptyDescription = errors.New("thing description has neither id nor title")

// ThingDescription is a parsed Thing Description document.
type ThingDescription struct {
	Context     any    `json:"@context,omitempty"`
	Type        any    `json:"@type,omitempty"`
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Base        string `json:"base,omitempty"`

	Properties *orderedmap.OrderedMap[string, *PropertyAffordance] `json:"properties,omitempty"`
	Actions    *orderedmap.OrderedMap[string, *ActionAffordance]   `json:"actions,omitempty"`
	Events     *orderedmap.OrderedMap[string, *EventAffordance]    `json:"events,omitempty"`

	Forms []Form `json:"forms,omitempty"`
}

// DataSchema is the structural schema vocabulary shared by property values,
// action inputs/outputs and event payloads.
type DataSchema struct {
	Type        string                 `json:"type,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	Unit        string                 `json:"unit,omitempty"`
	Format      string                 `json:"format,omitempty"`
	Enum        []any                  `json:"enum,omitempty"`
	Const       any                    `json:"const,omitempty"`
	Default     any                    `json:"default,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty"`
	ReadOnly    bool                   `json:"readOnly,omitempty"`
	WriteOnly   bool                   `json:"writeOnly,omitempty"`
	Items       *DataSchema            `json:"items,omitempty"`
	Properties  map[string]*DataSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	OneOf       []*DataSchema          `json:"oneOf,omitempty"`
}

// IsObjectWithProperties reports whether s is an object schema that declares
// a properties member.
func (s *DataSchema) IsObjectWithProperties() bool {
	return s != nil && s.Type == "object" && s.Properties != nil
}

// PropertyAffordance is a readable (and possibly writable) device state.
type PropertyAffordance struct {
	DataSchema
	Observable bool   `json:"observable,omitempty"`
	Forms      []Form `json:"forms,omitempty"`

	raw map[string]any
}

// ActionAffordance is an invocable device function.
type ActionAffordance struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Input       *DataSchema `json:"input,omitempty"`
	Output      *DataSchema `json:"output,omitempty"`
	Safe        bool        `json:"safe,omitempty"`
	Idempotent  bool        `json:"idempotent,omitempty"`
	Forms       []Form      `json:"forms,omitempty"`

	raw map[string]any
}

// EventAffordance is an asynchronous notification source.
type EventAffordance struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Data        *DataSchema `json:"data,omitempty"`
	Forms       []Form      `json:"forms,omitempty"`

	raw map[string]any
}

// Form is a protocol binding hint: where and how to reach an affordance.
type Form struct {
	Href        string `json:"href"`
	ContentType string `json:"contentType,omitempty"`
	Op          Ops    `json:"op,omitempty"`
	MethodName  string `json:"htv:methodName,omitempty"`
	Subprotocol string `json:"subprotocol,omitempty"`
}

// Ops is the form "op" member, which may be a single string or an array.
type Ops []string

func (o *Ops) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*o = Ops{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("op must be a string or array of strings: %w", err)
	}
	*o = many
	return nil
}

// Has reports whether op is listed.
func (o Ops) Has(op string) bool {
	for _, v := range o {
		if v == op {
			return true
		}
	}
	return false
}

func (p *PropertyAffordance) UnmarshalJSON(data []byte) error {
	type alias PropertyAffordance
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	raw, err := rawMembers(data)
	if err != nil {
		return err
	}
	*p = PropertyAffordance(a)
	p.raw = raw
	return nil
}

func (a *ActionAffordance) UnmarshalJSON(data []byte) error {
	type alias ActionAffordance
	var v alias
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	raw, err := rawMembers(data)
	if err != nil {
		return err
	}
	*a = ActionAffordance(v)
	a.raw = raw
	return nil
}

func (e *EventAffordance) UnmarshalJSON(data []byte) error {
	type alias EventAffordance
	var v alias
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	raw, err := rawMembers(data)
	if err != nil {
		return err
	}
	*e = EventAffordance(v)
	e.raw = raw
	return nil
}

func rawMembers(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Parse decodes a Thing Description document.
func Parse(data []byte) (*ThingDescription, error) {
	var d ThingDescription
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode thing description: %w", err)
	}
	if d.ID == "" && d.Title == "" {
		return nil, ErrEmptyDescription
	}
	return &d, nil
}

// Decode reads and parses a Thing Description from r.
func Decode(r io.Reader) (*ThingDescription, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read thing description: %w", err)
	}
	return Parse(data)
}

// ParseFile reads and parses the Thing Description stored at path.
func ParseFile(path string) (*ThingDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}
