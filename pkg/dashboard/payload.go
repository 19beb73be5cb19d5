package dashboard

import (
	"encoding/json"

	"github.com/skeinworks/skein-stream/pkg/stream"
)

// Producers are loose about where they put detail: hints ride the metadata
// bag, content rides the payload, and the payload may be a bare string, an
// array, or an object. The extractors below accept all observed shapes and
// return nothing rather than guessing.

func payloadValue(e stream.Event) any {
	if len(e.Payload) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return nil
	}
	return v
}

// findingsFrom extracts findings from a done event: a payload string, the
// string elements of a payload array, or the "findings"/"finding" keys of a
// payload object, with the metadata bag as fallback.
func findingsFrom(e stream.Event) []string {
	var out []string
	switch v := payloadValue(e).(type) {
	case string:
		if v != "" {
			out = append(out, v)
		}
	case []any:
		out = appendStrings(out, v)
	case map[string]any:
		switch f := v["findings"].(type) {
		case []any:
			out = appendStrings(out, f)
		case string:
			if f != "" {
				out = append(out, f)
			}
		}
		if len(out) == 0 {
			if f, ok := v["finding"].(string); ok && f != "" {
				out = append(out, f)
			}
		}
	}
	if len(out) > 0 {
		return out
	}

	switch f := e.Metadata["findings"].(type) {
	case []any:
		out = appendStrings(out, f)
	case string:
		if f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		if f, ok := e.Metadata["finding"].(string); ok && f != "" {
			out = append(out, f)
		}
	}
	return out
}

// errorFrom extracts the error detail from an error event. Never empty.
func errorFrom(e stream.Event) string {
	switch v := payloadValue(e).(type) {
	case string:
		if v != "" {
			return v
		}
	case map[string]any:
		if s, ok := v["error"].(string); ok && s != "" {
			return s
		}
		if s, ok := v["message"].(string); ok && s != "" {
			return s
		}
	}
	if s, ok := e.Metadata["error"].(string); ok && s != "" {
		return s
	}
	return "unknown error"
}

// taskFrom extracts a task hint. The bool reports presence so callers can
// distinguish "no hint" from an explicitly empty task.
func taskFrom(e stream.Event) (string, bool) {
	if s, ok := e.Metadata["task"].(string); ok {
		return s, true
	}
	if v, ok := payloadValue(e).(map[string]any); ok {
		if s, ok := v["task"].(string); ok {
			return s, true
		}
	}
	return "", false
}

// progressFrom extracts an explicit progress value.
func progressFrom(e stream.Event) (int, bool) {
	if p, ok := intValue(e.Metadata["progress"]); ok {
		return p, true
	}
	if v, ok := payloadValue(e).(map[string]any); ok {
		if p, ok := intValue(v["progress"]); ok {
			return p, true
		}
	}
	return 0, false
}

// intValue converts a decoded JSON number. JSON numbers arrive as float64.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func appendStrings(dst []string, src []any) []string {
	for _, item := range src {
		if s, ok := item.(string); ok && s != "" {
			dst = append(dst, s)
		}
	}
	return dst
}
