package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/bayred/friends-bar/internal/procrun"
)

// ClaudeAdapter drives the Claude CLI in stream-json mode.
type ClaudeAdapter struct{}

func (ClaudeAdapter) Name() string { return "claude-minimax" }

// parseClaudeEvent maps one Claude stream-json line onto the Event sum.
// Shapes handled: stream_event/content_block_delta (delta), assistant
// messages with content blocks, result/success echoes, tool blocks, and
// the session_id carried on any event.
func parseClaudeEvent(line []byte) []Event {
	obj := decodeEventObject(line)
	if obj == nil {
		return nil
	}
	var events []Event
	if sid, ok := obj["session_id"].(string); ok && sid != "" {
		events = append(events, Event{SessionInit: &SessionInit{SessionID: sid}})
	}

	switch obj["type"] {
	case "stream_event":
		inner, _ := obj["event"].(map[string]any)
		if inner["type"] == "content_block_delta" {
			delta, _ := inner["delta"].(map[string]any)
			if delta["type"] == "text_delta" {
				if text, ok := delta["text"].(string); ok && text != "" {
					events = append(events, Event{Delta: &StreamDelta{Text: text}})
				}
			}
		}
	case "assistant":
		msg, _ := obj["message"].(map[string]any)
		content, _ := msg["content"].([]any)
		var parts []string
		for _, block := range content {
			bm, ok := block.(map[string]any)
			if !ok {
				continue
			}
			switch bm["type"] {
			case "text":
				if text, ok := bm["text"].(string); ok && text != "" {
					parts = append(parts, text)
				}
			case "tool_use":
				name, _ := bm["name"].(string)
				id, _ := bm["id"].(string)
				params, _ := bm["input"].(map[string]any)
				events = append(events, Event{ToolUse: &ToolUse{Name: name, ID: id, Params: params}})
			}
		}
		if len(parts) > 0 {
			events = append(events, Event{Assistant: &AssistantMessage{Text: strings.Join(parts, "")}})
		}
	case "user":
		msg, _ := obj["message"].(map[string]any)
		content, _ := msg["content"].([]any)
		for _, block := range content {
			bm, ok := block.(map[string]any)
			if !ok || bm["type"] != "tool_result" {
				continue
			}
			id, _ := bm["tool_use_id"].(string)
			isErr, _ := bm["is_error"].(bool)
			events = append(events, Event{ToolResult: &ToolResult{
				ID:      id,
				Output:  textFromValue(bm["content"]),
				IsError: isErr,
			}})
		}
	case "result":
		if obj["subtype"] == "success" {
			if text, ok := obj["result"].(string); ok && text != "" {
				events = append(events, Event{Result: &ResultMessage{Text: text}})
			}
		}
	}
	if len(events) == 0 {
		events = append(events, Event{Unknown: append([]byte{}, line...)})
	}
	return events
}

// Invoke runs the Claude CLI and reconciles its stream.
func (a ClaudeAdapter) Invoke(ctx context.Context, prompt string, opts Options) (Reply, error) {
	command := binaryFromEnv("CLAUDE_BIN", "claude")
	args := []string{"--output-format", "stream-json", "--verbose"}
	if opts.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "-r", opts.SessionID)
	}
	for _, dir := range resolveIncludeDirectories("", opts.IncludeDirectories) {
		args = append(args, "--add-dir", dir)
	}

	viaStdin := promptViaStdin(prompt, opts.PromptViaStdin)
	stdinText := ""
	if viaStdin {
		args = append(args, "-p")
		stdinText = prompt
	} else {
		args = append(args, "-p", prompt)
	}

	opts.emit("adapter.args_resolved", map[string]any{
		"provider":     a.Name(),
		"command":      command,
		"args_len":     len(args),
		"stdin_prompt": viaStdin,
		"prompt_bytes": len(prompt),
	})

	rec := NewReconciler(opts.SessionID)
	var rawLines []string
	onLine := func(line string) error {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		rawLines = append(rawLines, line)
		for _, ev := range parseClaudeEvent([]byte(line)) {
			rec.Fold(ev)
		}
		return nil
	}

	result, err := procrun.Run(ctx, procrun.Spec{
		Provider:     a.Name(),
		Command:      command,
		Args:         args,
		Workdir:      opts.Workdir,
		Env:          proxyEnv(opts.Proxy, opts.NoProxy, opts.NoBrowser),
		Timeout:      opts.timeout(),
		StdinText:    stdinText,
		StreamStderr: opts.PrintStderr && opts.Stream,
		StderrPrefix: "[claude stderr] ",
		OnStdoutLine: onLine,
		OnProcessStart: func(info procrun.StartInfo) {
			opts.emit("subprocess.started", map[string]any{"provider": info.Provider, "pid": info.PID, "command_repr": info.CommandRepr})
		},
		OnFirstByte: func(info procrun.FirstByteInfo) {
			opts.emit("subprocess.first_byte", map[string]any{"provider": info.Provider, "source": info.Source, "elapsed_ms": info.ElapsedMS})
		},
	})
	if err != nil {
		var procErr *procrun.Error
		if errors.As(err, &procErr) {
			return Reply{}, procErr.WithSessionID(rec.SessionID())
		}
		return Reply{}, err
	}

	return Reply{
		Provider:  a.Name(),
		Text:      rec.Text(),
		SessionID: rec.SessionID(),
		ElapsedMS: result.ElapsedMS,
		ToolTrace: rec.ToolTrace(),
		RawLines:  rawLines,
	}, nil
}
