package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bayred/friends-bar/internal/procrun"
)

// GeminiAdapter drives the headless gemini CLI. Besides the NDJSON
// stream-json mode it supports whole-document json mode and a raw text
// fallback; an empty OutputFormat selects stream-json when streaming and
// json otherwise.
type GeminiAdapter struct{}

func (GeminiAdapter) Name() string { return "gemini" }

// parseGeminiEvent maps one gemini stream-json line onto the Event sum.
func parseGeminiEvent(line []byte) []Event {
	obj := decodeEventObject(line)
	if obj == nil {
		return nil
	}
	var events []Event

	switch obj["type"] {
	case "init":
		if sid, ok := obj["session_id"].(string); ok && sid != "" {
			events = append(events, Event{SessionInit: &SessionInit{SessionID: sid}})
		}
	case "message":
		if obj["role"] == "assistant" {
			text := textFromValue(obj["content"])
			if text != "" {
				if obj["delta"] == true {
					events = append(events, Event{Delta: &StreamDelta{Text: text}})
				} else {
					events = append(events, Event{Assistant: &AssistantMessage{Text: text}})
				}
			}
		}
	case "tool_use":
		name, _ := obj["tool_name"].(string)
		id, _ := obj["tool_id"].(string)
		params, _ := obj["parameters"].(map[string]any)
		events = append(events, Event{ToolUse: &ToolUse{Name: name, ID: id, Params: params}})
	case "tool_result":
		id, _ := obj["tool_id"].(string)
		status, _ := obj["status"].(string)
		isErr := obj["error"] != nil || strings.EqualFold(status, "error")
		events = append(events, Event{ToolResult: &ToolResult{
			ID:      id,
			Status:  status,
			Output:  textFromValue(obj["output"]),
			IsError: isErr,
		}})
	case "result":
		if text := textFromValue(obj["response"]); text != "" {
			events = append(events, Event{Result: &ResultMessage{Text: text}})
		}
	}
	if len(events) == 0 {
		events = append(events, Event{Unknown: append([]byte{}, line...)})
	}
	return events
}

// Invoke runs the gemini CLI and reconciles its output.
func (a GeminiAdapter) Invoke(ctx context.Context, prompt string, opts Options) (Reply, error) {
	command := binaryFromEnv("GEMINI_BIN", "gemini")

	format := strings.ToLower(strings.TrimSpace(opts.OutputFormat))
	if format == "" {
		if opts.Stream {
			format = "stream-json"
		} else {
			format = "json"
		}
	}
	switch format {
	case "text", "json", "stream-json":
	default:
		return Reply{}, fmt.Errorf("output_format must be one of: text, json, stream-json (got %q)", opts.OutputFormat)
	}

	viaStdin := promptViaStdin(prompt, opts.PromptViaStdin)
	promptArg := prompt
	stdinText := ""
	if viaStdin {
		// The CLI still requires a -p value; a single space defers to stdin.
		promptArg = " "
		stdinText = prompt
	}

	args := []string{"-p", promptArg, "--output-format", format}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ApprovalMode != "" {
		args = append(args, "--approval-mode", opts.ApprovalMode)
	}
	if opts.Sandbox != nil {
		if *opts.Sandbox {
			args = append(args, "--sandbox", "true")
		} else {
			args = append(args, "--sandbox", "false")
		}
	}
	if opts.Yolo {
		args = append(args, "--yolo")
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowed-tools", tool)
	}
	for _, dir := range resolveIncludeDirectories(opts.Workdir, opts.IncludeDirectories) {
		args = append(args, "--include-directories", dir)
	}
	if opts.ProxyArgs {
		if p := strings.TrimSpace(opts.Proxy); p != "" {
			args = append(args, "--proxy", p)
		}
		if np := strings.TrimSpace(opts.NoProxy); np != "" {
			args = append(args, "--no-proxy", np)
		}
	}

	opts.emit("adapter.args_resolved", map[string]any{
		"provider":     a.Name(),
		"command":      command,
		"args_len":     len(args),
		"output_format": format,
		"stdin_prompt": viaStdin,
		"prompt_bytes": len(prompt),
	})

	rec := NewReconciler(opts.SessionID)
	var rawLines []string
	var jsonBuffer []string

	onLine := func(line string) error {
		if strings.TrimSpace(line) != "" {
			rawLines = append(rawLines, line)
		}
		switch format {
		case "json":
			// Whole-document mode: accumulate until the buffer parses.
			jsonBuffer = append(jsonBuffer, line)
			raw := strings.TrimSpace(strings.Join(jsonBuffer, "\n"))
			if raw == "" {
				return nil
			}
			var payload map[string]any
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return nil
			}
			if sid, ok := payload["session_id"].(string); ok && sid != "" {
				rec.Fold(Event{SessionInit: &SessionInit{SessionID: sid}})
			}
			switch resp := payload["response"].(type) {
			case map[string]any, []any:
				b, _ := json.Marshal(resp)
				rec.Fold(Event{Result: &ResultMessage{Text: string(b)}})
			default:
				if text := textFromValue(resp); text != "" {
					rec.Fold(Event{Result: &ResultMessage{Text: text}})
				}
			}
			return nil
		case "stream-json":
			if strings.TrimSpace(line) == "" {
				return nil
			}
			for _, ev := range parseGeminiEvent([]byte(line)) {
				rec.Fold(ev)
			}
			return nil
		default:
			if line != "" {
				rec.Fold(Event{Delta: &StreamDelta{Text: line + "\n"}})
			}
			return nil
		}
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
		StderrPrefix: "[gemini stderr] ",
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

	text := rec.Text()
	if strings.TrimSpace(text) == "" && len(rawLines) > 0 {
		// Last resort: providers occasionally emit plain text even in a
		// JSON mode. Surface something rather than an empty reply.
		text = strings.Join(rawLines, "\n")
	}

	return Reply{
		Provider:  a.Name(),
		Text:      text,
		SessionID: rec.SessionID(),
		ElapsedMS: result.ElapsedMS,
		ToolTrace: rec.ToolTrace(),
		RawLines:  rawLines,
	}, nil
}
