package wot

import "strings"

// SanitizeID lowercases s, collapses every run of characters outside
// [a-z0-9] into a single hyphen and trims hyphens from both ends.
func SanitizeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingHyphen := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}

// ToolSegment replaces every character that is not an ASCII letter or digit
// with an underscore. Case is preserved.
func ToolSegment(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, byte(r))
			continue
		}
		out = append(out, '_')
	}
	return string(out)
}

// GetterToolName is the explicit-strategy read tool for a property.
func GetterToolName(thingID, property string) string {
	return "get_" + ToolSegment(property) + "_" + ToolSegment(thingID)
}

// SetterToolName is the explicit-strategy write tool for a property.
func SetterToolName(thingID, property string) string {
	return "set_" + ToolSegment(property) + "_" + ToolSegment(thingID)
}

// ActionToolName is the tool name for an action.
func ActionToolName(thingID, action string) string {
	return ToolSegment(action) + "_" + ToolSegment(thingID)
}

// deriveID picks the thing id from the TD id (last ':' or '/' delimited
// segment) and falls back to the title.
func deriveID(id, title string) string {
	if id != "" {
		seg := id
		if i := strings.LastIndexAny(seg, ":/"); i >= 0 {
			seg = seg[i+1:]
		}
		if s := SanitizeID(seg); s != "" {
			return s
		}
	}
	if s := SanitizeID(title); s != "" {
		return s
	}
	return "thing"
}

// ThingIDFor returns the registry ID a description declaring tdID is stored
// under.
func ThingIDFor(tdID string) string {
	return deriveID(tdID, "")
}
