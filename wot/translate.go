package wot

import "github.com/macc-n/wot-mcp/td"

// Translate turns a Thing Description into its canonical translated form.
// It is deterministic and never fails: a description without a usable id
// falls back to its title, and one without either gets the id "thing".
func Translate(d *td.ThingDescription) *Thing {
	id := deriveID(d.ID, d.Title)
	t := &Thing{
		ID:          id,
		Title:       d.Title,
		Description: d.Description,
		Properties:  []Property{},
		Actions:     []Action{},
		Events:      []Event{},
	}
	if t.Title == "" {
		t.Title = id
	}

	if d.Properties != nil {
		for p := d.Properties.Oldest(); p != nil; p = p.Next() {
			t.Properties = append(t.Properties, translateProperty(id, p.Key, p.Value))
		}
	}
	if d.Actions != nil {
		for p := d.Actions.Oldest(); p != nil; p = p.Next() {
			t.Actions = append(t.Actions, translateAction(id, p.Key, p.Value))
		}
	}
	if d.Events != nil {
		for p := d.Events.Oldest(); p != nil; p = p.Next() {
			t.Events = append(t.Events, translateEvent(id, p.Key, p.Value))
		}
	}
	return t
}

func translateProperty(thingID, name string, p *td.PropertyAffordance) Property {
	if p == nil {
		p = &td.PropertyAffordance{}
	}
	schema := p.DataSchema
	return Property{
		URI:          PropertyURI(thingID, name),
		Name:         displayName(p.Title, name),
		Description:  p.Description,
		MimeType:     JSONMimeType,
		Writable:     !p.ReadOnly,
		PropertyName: name,
		Unit:         p.Unit,
		Schema:       &schema,
	}
}

func translateAction(thingID, name string, a *td.ActionAffordance) Action {
	if a == nil {
		a = &td.ActionAffordance{}
	}
	input, wrapped := actionInput(a.Input)
	desc := a.Description
	if desc == "" {
		desc = a.Title
	}
	return Action{
		ToolName:     ActionToolName(thingID, name),
		Description:  desc,
		Input:        input,
		ActionName:   name,
		ThingID:      thingID,
		InputWrapped: wrapped,
		Declared:     a.Input,
	}
}

// actionInput passes object schemas with properties through and wraps
// everything else as {value: <declared>}. An action that declares no input
// still gets the wrapper, with value optional so the tool can be called
// without arguments.
func actionInput(in *td.DataSchema) (*td.DataSchema, bool) {
	if in.IsObjectWithProperties() {
		return &td.DataSchema{
			Type:        "object",
			Description: in.Description,
			Properties:  in.Properties,
			Required:    in.Required,
		}, false
	}
	if in == nil {
		return &td.DataSchema{
			Type:       "object",
			Properties: map[string]*td.DataSchema{"value": {}},
		}, true
	}
	return &td.DataSchema{
		Type:       "object",
		Properties: map[string]*td.DataSchema{"value": in},
		Required:   []string{"value"},
	}, true
}

func translateEvent(thingID, name string, e *td.EventAffordance) Event {
	if e == nil {
		e = &td.EventAffordance{}
	}
	return Event{
		URI:         EventURI(thingID, name),
		Name:        displayName(e.Title, name),
		Description: e.Description,
		MimeType:    JSONMimeType,
		EventName:   name,
		Schema:      e.Data,
	}
}

func displayName(title, name string) string {
	if title != "" {
		return title
	}
	return name
}
