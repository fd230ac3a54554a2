package protocol

import (
	"encoding/json"
	"strings"
)

// DecodePayload parses an agent reply into a JSON object. It accepts a
// plain JSON object, or the first JSON object embedded in surrounding
// text (code fences, preambles). Returns nil when nothing parses.
func DecodePayload(text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		return payload
	}
	if embedded := firstJSONObject(trimmed); embedded != "" {
		if err := json.Unmarshal([]byte(embedded), &payload); err == nil {
			return payload
		}
	}
	return nil
}

// firstJSONObject scans for the first balanced top-level {...} span,
// respecting string literals and escapes.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
