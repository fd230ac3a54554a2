package provider

import (
	"encoding/json"
	"strings"
)

// Reconciler folds the event stream into one final text. Three shapes can
// coexist in a single stream: delta chunks, an aggregated assistant
// message, and a post-hoc result echo. Once any delta is seen, later
// non-delta duplicates are ignored; otherwise result wins over assistant.
type Reconciler struct {
	sessionID string

	sawDelta      bool
	deltaParts    []string
	assistantText string
	resultText    string

	toolTrace []Event
}

// NewReconciler starts a reconciliation with an optional inherited session.
func NewReconciler(sessionID string) *Reconciler {
	return &Reconciler{sessionID: sessionID}
}

// Fold consumes one event.
func (r *Reconciler) Fold(ev Event) {
	switch {
	case ev.SessionInit != nil:
		if strings.TrimSpace(ev.SessionInit.SessionID) != "" {
			r.sessionID = ev.SessionInit.SessionID
		}
	case ev.Delta != nil:
		if ev.Delta.Text != "" {
			r.sawDelta = true
			r.deltaParts = append(r.deltaParts, ev.Delta.Text)
		}
	case ev.Assistant != nil:
		if !r.sawDelta && ev.Assistant.Text != "" {
			// Keep the best assistant candidate seen so far.
			r.assistantText = pickCandidate(r.assistantText, ev.Assistant.Text)
		}
	case ev.Result != nil:
		if !r.sawDelta && ev.Result.Text != "" {
			r.resultText = pickCandidate(r.resultText, ev.Result.Text)
		}
	case ev.ToolUse != nil, ev.ToolResult != nil:
		r.toolTrace = append(r.toolTrace, ev)
	}
}

// SawDelta reports whether any delta chunk was consumed.
func (r *Reconciler) SawDelta() bool { return r.sawDelta }

// SessionID returns the last seen session identifier.
func (r *Reconciler) SessionID() string { return r.sessionID }

// ToolTrace returns tool use/result events in stream order.
func (r *Reconciler) ToolTrace() []Event { return r.toolTrace }

// Text resolves the final reply text per the reconciliation rule.
func (r *Reconciler) Text() string {
	if r.sawDelta {
		return CollapseRepeatedJSON(strings.Join(r.deltaParts, ""))
	}
	if r.resultText != "" {
		return CollapseRepeatedJSON(r.resultText)
	}
	return CollapseRepeatedJSON(r.assistantText)
}

// pickCandidate chooses between two final-text candidates: prefer one that
// parses as a single JSON object, then the longest.
func pickCandidate(current, next string) string {
	if current == "" {
		return next
	}
	if next == "" {
		return current
	}
	curJSON := isSingleJSONObject(current)
	nextJSON := isSingleJSONObject(next)
	if curJSON != nextJSON {
		if nextJSON {
			return next
		}
		return current
	}
	if len(next) > len(current) {
		return next
	}
	return current
}

func isSingleJSONObject(s string) bool {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return false
	}
	var obj map[string]any
	return json.Unmarshal([]byte(trimmed), &obj) == nil
}

// CollapseRepeatedJSON collapses repeated concatenations of one JSON
// object ("X"+"X"+… -> "X"). Anything else is returned unchanged. Some
// providers echo the same final object on multiple channels, which the
// delta path then concatenates.
func CollapseRepeatedJSON(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return s
	}
	if isSingleJSONObject(trimmed) {
		return trimmed
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	var first json.RawMessage
	if err := dec.Decode(&first); err != nil {
		return s
	}
	firstText := strings.TrimSpace(string(first))
	if !isSingleJSONObject(firstText) {
		return s
	}
	rest := trimmed[dec.InputOffset():]
	for strings.TrimSpace(rest) != "" {
		restDec := json.NewDecoder(strings.NewReader(rest))
		var next json.RawMessage
		if err := restDec.Decode(&next); err != nil {
			return s
		}
		if strings.TrimSpace(string(next)) != firstText {
			return s
		}
		rest = rest[restDec.InputOffset():]
	}
	return firstText
}
