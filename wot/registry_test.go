package wot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPutAndLookup(t *testing.T) {
	r := NewRegistry()
	d := mustParse(t, lampTD)
	thing := Translate(d)

	assert.Nil(t, r.Put(thing, d))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Thing("my-light-01")
	require.True(t, ok)
	assert.Same(t, thing, got)

	p, ok := r.Property("wot://my-light-01/properties/on")
	require.True(t, ok)
	assert.Equal(t, "on", p.PropertyName)

	a, ok := r.Action("fade_my_light_01")
	require.True(t, ok)
	assert.Equal(t, "fade", a.ActionName)

	_, ok = r.Event("wot://my-light-01/events/tick")
	assert.True(t, ok)

	desc, ok := r.Description("my-light-01")
	require.True(t, ok)
	assert.Same(t, d, desc)
}

func TestRegistryReplaceDropsStaleEntries(t *testing.T) {
	r := NewRegistry()
	d := mustParse(t, lampTD)
	first := Translate(d)
	r.Put(first, d)

	d2 := mustParse(t, `{"id":"urn:dev:ops:My Light_01","title":"My Light","properties":{"on":{"type":"boolean"}}}`)
	assert.Same(t, first, r.Put(Translate(d2), d2))
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.Things(), 1)

	_, ok := r.Property("wot://my-light-01/properties/temperature")
	assert.False(t, ok)
	_, ok = r.Action("fade_my_light_01")
	assert.False(t, ok)
	_, ok = r.Property("wot://my-light-01/properties/on")
	assert.True(t, ok)
}

func TestRegistryOrderAndClear(t *testing.T) {
	r := NewRegistry()
	for _, title := range []string{"B", "A", "C"} {
		d := mustParse(t, `{"title":"`+title+`"}`)
		r.Put(Translate(d), d)
	}
	var ids []string
	for _, th := range r.Things() {
		ids = append(ids, th.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Things())
}

func TestRegistryReplaceKeepsEntriesClaimedByOtherThings(t *testing.T) {
	r := NewRegistry()
	da := mustParse(t, `{"id":"urn:dev:a","actions":{"b_c":{}}}`)
	r.Put(Translate(da), da)
	dc := mustParse(t, `{"id":"urn:dev:c-a","actions":{"b":{}}}`)
	r.Put(Translate(dc), dc)

	a, ok := r.Action("b_c_a")
	require.True(t, ok)
	require.Equal(t, "c-a", a.ThingID)

	// Re-registering the first thing must not evict the second thing's entry.
	r.Put(Translate(da), da)
	a, ok = r.Action("b_c_a")
	require.True(t, ok)
	assert.Equal(t, "a", a.ThingID)

	dc2 := mustParse(t, `{"id":"urn:dev:c-a","actions":{"b":{}}}`)
	r.Put(Translate(dc2), dc2)
	da2 := mustParse(t, `{"id":"urn:dev:a","title":"A"}`)
	r.Put(Translate(da2), da2)
	a, ok = r.Action("b_c_a")
	require.True(t, ok)
	assert.Equal(t, "c-a", a.ThingID)
}
