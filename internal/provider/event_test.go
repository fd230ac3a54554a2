package provider

import (
	"testing"
)

func firstDelta(events []Event) *StreamDelta {
	for _, ev := range events {
		if ev.Delta != nil {
			return ev.Delta
		}
	}
	return nil
}

func firstAssistant(events []Event) *AssistantMessage {
	for _, ev := range events {
		if ev.Assistant != nil {
			return ev.Assistant
		}
	}
	return nil
}

func firstSession(events []Event) *SessionInit {
	for _, ev := range events {
		if ev.SessionInit != nil {
			return ev.SessionInit
		}
	}
	return nil
}

func TestParseClaudeEvent_TextDelta(t *testing.T) {
	line := `{"type":"stream_event","session_id":"s-1","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}}`
	events := parseClaudeEvent([]byte(line))
	if d := firstDelta(events); d == nil || d.Text != "hello" {
		t.Fatalf("delta: %+v", events)
	}
	if s := firstSession(events); s == nil || s.SessionID != "s-1" {
		t.Fatalf("session: %+v", events)
	}
}

func TestParseClaudeEvent_AssistantMessageAndToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"text","text":"part one "},{"type":"text","text":"part two"},` +
		`{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}}]}}`
	events := parseClaudeEvent([]byte(line))
	if a := firstAssistant(events); a == nil || a.Text != "part one part two" {
		t.Fatalf("assistant: %+v", events)
	}
	var tool *ToolUse
	for _, ev := range events {
		if ev.ToolUse != nil {
			tool = ev.ToolUse
		}
	}
	if tool == nil || tool.Name != "Bash" || tool.ID != "toolu_1" {
		t.Fatalf("tool use: %+v", tool)
	}
}

func TestParseClaudeEvent_ResultSuccess(t *testing.T) {
	line := `{"type":"result","subtype":"success","result":"final answer"}`
	events := parseClaudeEvent([]byte(line))
	var res *ResultMessage
	for _, ev := range events {
		if ev.Result != nil {
			res = ev.Result
		}
	}
	if res == nil || res.Text != "final answer" {
		t.Fatalf("result: %+v", events)
	}
}

func TestParseClaudeEvent_UnknownAndInvalid(t *testing.T) {
	events := parseClaudeEvent([]byte(`{"type":"system","subtype":"init"}`))
	if len(events) == 0 {
		t.Fatal("unknown event should still be surfaced")
	}
	if events[len(events)-1].Unknown == nil {
		t.Fatalf("expected Unknown, got %+v", events)
	}
	if got := parseClaudeEvent([]byte("not json at all")); got != nil {
		t.Fatalf("invalid json should return nil, got %+v", got)
	}
	if got := parseClaudeEvent([]byte("   ")); got != nil {
		t.Fatalf("blank line should return nil, got %+v", got)
	}
}

func TestParseCodexEvent_ThreadAndDeltas(t *testing.T) {
	events := parseCodexEvent([]byte(`{"type":"thread.started","thread_id":"th-42"}`))
	if s := firstSession(events); s == nil || s.SessionID != "th-42" {
		t.Fatalf("thread id: %+v", events)
	}

	events = parseCodexEvent([]byte(`{"type":"agent_message_delta","delta":{"text":"chunk"}}`))
	if d := firstDelta(events); d == nil || d.Text != "chunk" {
		t.Fatalf("delta: %+v", events)
	}

	events = parseCodexEvent([]byte(`{"type":"item.completed","item":{"type":"agent_message","text":"full reply"}}`))
	if a := firstAssistant(events); a == nil || a.Text != "full reply" {
		t.Fatalf("item completed: %+v", events)
	}

	events = parseCodexEvent([]byte(`{"role":"assistant","content":[{"text":"legacy shape"}]}`))
	if a := firstAssistant(events); a == nil || a.Text != "legacy shape" {
		t.Fatalf("legacy assistant: %+v", events)
	}
}

func TestParseGeminiEvent_Shapes(t *testing.T) {
	events := parseGeminiEvent([]byte(`{"type":"init","session_id":"g-1"}`))
	if s := firstSession(events); s == nil || s.SessionID != "g-1" {
		t.Fatalf("init: %+v", events)
	}

	events = parseGeminiEvent([]byte(`{"type":"message","role":"assistant","delta":true,"content":"piece"}`))
	if d := firstDelta(events); d == nil || d.Text != "piece" {
		t.Fatalf("delta message: %+v", events)
	}

	events = parseGeminiEvent([]byte(`{"type":"message","role":"assistant","content":"whole"}`))
	if a := firstAssistant(events); a == nil || a.Text != "whole" {
		t.Fatalf("assistant message: %+v", events)
	}

	events = parseGeminiEvent([]byte(`{"type":"tool_result","tool_id":"t9","status":"error","output":"denied"}`))
	var tr *ToolResult
	for _, ev := range events {
		if ev.ToolResult != nil {
			tr = ev.ToolResult
		}
	}
	if tr == nil || !tr.IsError || tr.Output != "denied" {
		t.Fatalf("tool result: %+v", tr)
	}
}

func TestTextFromValue_MixedShapes(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"string", "plain", "plain"},
		{"nil", nil, ""},
		{"list of parts", []any{"a", map[string]any{"text": "b"}}, "ab"},
		{"object text", map[string]any{"text": "t"}, "t"},
		{"object output_text", map[string]any{"output_text": "o"}, "o"},
		{"object response", map[string]any{"response": "r"}, "r"},
		{"nested message", map[string]any{"message": map[string]any{"content": []any{map[string]any{"text": "deep"}}}}, "deep"},
		{"number", 42.0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := textFromValue(tc.in); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestPromptViaStdin(t *testing.T) {
	no := false
	yes := true
	if promptViaStdin("small", &yes) != true || promptViaStdin("small", &no) != false {
		t.Fatal("explicit override should win")
	}
	if promptViaStdin("small", nil) {
		t.Fatal("small prompts go via argv")
	}
	big := make([]byte, stdinPromptThreshold+1)
	for i := range big {
		big[i] = 'x'
	}
	if !promptViaStdin(string(big), nil) {
		t.Fatal("large prompts go via stdin")
	}
}

func TestResolveIncludeDirectories_Dedup(t *testing.T) {
	got := resolveIncludeDirectories("/work", []string{"/work", "/other", "/other", ""})
	if len(got) != 2 || got[0] != "/work" || got[1] != "/other" {
		t.Fatalf("dedup: got %v", got)
	}
}
