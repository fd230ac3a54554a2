// Package provider adapts external CLI providers into a uniform contract:
// build an argv, stream NDJSON stdout through the process runner, and
// reconcile heterogeneous event shapes into one (text, session ID) reply.
package provider

import (
	"bytes"
	"encoding/json"
)

// Event is the sum of stream shapes a provider can emit. Exactly one of
// the pointer fields is set; a zero Event is an ignorable unknown.
type Event struct {
	Delta       *StreamDelta
	Assistant   *AssistantMessage
	Result      *ResultMessage
	ToolUse     *ToolUse
	ToolResult  *ToolResult
	SessionInit *SessionInit
	Unknown     json.RawMessage
}

// StreamDelta is one small text piece; deltas concatenate to the final text.
type StreamDelta struct {
	Text string
}

// AssistantMessage is one aggregated assistant message.
type AssistantMessage struct {
	Text string
}

// ResultMessage is a post-hoc final echo of the reply.
type ResultMessage struct {
	Text string
}

// ToolUse is a tool invocation notification.
type ToolUse struct {
	Name   string
	ID     string
	Params map[string]any
}

// ToolResult is a tool completion notification.
type ToolResult struct {
	ID      string
	Status  string
	Output  string
	IsError bool
}

// SessionInit carries the provider's session identifier.
type SessionInit struct {
	SessionID string
}

// textFromValue extracts display text from the mixed JSON value shapes
// providers emit: plain strings, lists of parts, or objects carrying
// text/content/response/output_text fields, possibly nested.
func textFromValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case []any:
		var buf bytes.Buffer
		for _, item := range t {
			buf.WriteString(textFromValue(item))
		}
		return buf.String()
	case map[string]any:
		if s, ok := t["text"].(string); ok {
			return s
		}
		if s, ok := t["output_text"].(string); ok {
			return s
		}
		if s, ok := t["content"].(string); ok {
			return s
		}
		if s, ok := t["response"].(string); ok {
			return s
		}
		if list, ok := t["content"].([]any); ok {
			return textFromValue(list)
		}
		if t["delta"] != nil {
			return textFromValue(t["delta"])
		}
		if t["message"] != nil {
			return textFromValue(t["message"])
		}
		return ""
	default:
		return ""
	}
}

// decodeEventObject parses one NDJSON line into a generic object. Empty
// lines and non-JSON lines return nil (the caller treats them as opaque).
func decodeEventObject(line []byte) map[string]any {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil
	}
	return obj
}
