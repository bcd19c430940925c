package wot

import "github.com/macc-n/wot-mcp/td"

// JSONMimeType is the content type of every resource the bridge serves.
const JSONMimeType = "application/json"

// Thing is the canonical, translated form of one device. It is immutable
// after Translate returns it.
type Thing struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Properties  []Property `json:"properties"`
	Actions     []Action   `json:"actions"`
	Events      []Event    `json:"events"`
}

// Property is a device property exposed as a resource and, under the
// explicit strategy, as getter/setter tools.
type Property struct {
	URI          string         `json:"uri"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	MimeType     string         `json:"mimeType"`
	Writable     bool           `json:"writable"`
	PropertyName string         `json:"propertyName"`
	Unit         string         `json:"unit,omitempty"`
	Schema       *td.DataSchema `json:"schema,omitempty"`
}

// Action is a device action exposed as a tool. Input is always an object
// schema; InputWrapped records that the declared input was wrapped into a
// {value: ...} object to get there.
type Action struct {
	ToolName     string         `json:"toolName"`
	Description  string         `json:"description,omitempty"`
	Input        *td.DataSchema `json:"input"`
	ActionName   string         `json:"actionName"`
	ThingID      string         `json:"thingId"`
	InputWrapped bool           `json:"inputWrapped"`
	// Declared is the input exactly as the description declared it, or nil.
	Declared *td.DataSchema `json:"-"`
}

// Event is a device event exposed as a subscribable resource.
type Event struct {
	URI         string         `json:"uri"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	MimeType    string         `json:"mimeType"`
	EventName   string         `json:"eventName"`
	Schema      *td.DataSchema `json:"schema,omitempty"`
}

// Property returns the property with the exact device-side name.
func (t *Thing) Property(name string) (*Property, bool) {
	for i := range t.Properties {
		if t.Properties[i].PropertyName == name {
			return &t.Properties[i], true
		}
	}
	return nil, false
}

// Action returns the action with the exact device-side name.
func (t *Thing) Action(name string) (*Action, bool) {
	for i := range t.Actions {
		if t.Actions[i].ActionName == name {
			return &t.Actions[i], true
		}
	}
	return nil, false
}

// Event returns the event with the exact device-side name.
func (t *Thing) Event(name string) (*Event, bool) {
	for i := range t.Events {
		if t.Events[i].EventName == name {
			return &t.Events[i], true
		}
	}
	return nil, false
}
