package wot

import (
	"errors"
	"fmt"
	"regexp"
)

// Scheme is the URI scheme of every resource the bridge exposes.
const Scheme = "wot"

// Resource kinds in a wot:// URI.
const (
	KindProperties = "properties"
	KindEvents     = "events"
)

// ErrInvalidURI is returned for identifiers that do not match
// wot://{thingId}/(properties|events)/{name}.
var ErrInvalidURI = errors.New("invalid identifier")

var uriPattern = regexp.MustCompile(`^wot://([^/]+)/(properties|events)/(.+)$`)

// PropertyURI addresses a property of a thing.
func PropertyURI(thingID, name string) string {
	return fmt.Sprintf("%s://%s/%s/%s", Scheme, thingID, KindProperties, name)
}

// EventURI addresses an event of a thing.
func EventURI(thingID, name string) string {
	return fmt.Sprintf("%s://%s/%s/%s", Scheme, thingID, KindEvents, name)
}

// ResourceRef is a parsed resource URI.
type ResourceRef struct {
	ThingID string
	Kind    string
	Name    string
}

// ParseURI recovers the thing id, kind and affordance name from uri.
func ParseURI(uri string) (ResourceRef, error) {
	m := uriPattern.FindStringSubmatch(uri)
	if m == nil {
		return ResourceRef{}, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return ResourceRef{ThingID: m[1], Kind: m[2], Name: m[3]}, nil
}
