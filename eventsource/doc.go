// Package eventsource holds the adapters that feed asynchronous device
// reports into a device.Sink. Each subpackage speaks one transport:
//
//	mqtt         topics wot/{thingId}/events/{name} and wot/{thingId}/properties/{name}
//	redisstream  Redis Stream entries with fields thing, kind, name and data
//
// Both decode the payload as JSON and fall back to the raw string when it is
// not valid JSON.
package eventsource

import (
	"encoding/json"
)

// DecodeData interprets an event payload. Empty payloads decode to nil and
// non-JSON payloads are returned as a string.
func DecodeData(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	return v
}
