package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bayred/friends-bar/internal/procrun"
)

// CodexAdapter drives the Codex CLI (`codex exec --json`).
type CodexAdapter struct{}

func (CodexAdapter) Name() string { return "codex" }

// parseCodexEvent maps one Codex NDJSON line onto the Event sum. The CLI
// has shipped several event vocabularies (thread.started/item.completed,
// agent_message_delta/agent_message, bare assistant objects); all are
// tolerated in one stream.
func parseCodexEvent(line []byte) []Event {
	obj := decodeEventObject(line)
	if obj == nil {
		return nil
	}
	var events []Event

	switch obj["type"] {
	case "thread.started":
		if tid, ok := obj["thread_id"].(string); ok && tid != "" {
			events = append(events, Event{SessionInit: &SessionInit{SessionID: tid}})
		}
	case "item.completed":
		item, _ := obj["item"].(map[string]any)
		switch item["type"] {
		case "agent_message", "assistant":
			text := textFromValue(item["text"])
			if text == "" {
				text = textFromValue(item["message"])
			}
			if text == "" {
				text = textFromValue(item["content"])
			}
			if text != "" {
				events = append(events, Event{Assistant: &AssistantMessage{Text: text}})
			}
		case "command_execution":
			name, _ := item["command"].(string)
			id, _ := item["id"].(string)
			events = append(events, Event{ToolResult: &ToolResult{
				ID:     id,
				Status: textFromValue(item["status"]),
				Output: name,
			}})
		}
	case "agent_message_delta":
		if text := textFromValue(obj["delta"]); text != "" {
			events = append(events, Event{Delta: &StreamDelta{Text: text}})
		}
	case "agent_message":
		if text := textFromValue(obj["message"]); text != "" {
			events = append(events, Event{Assistant: &AssistantMessage{Text: text}})
		}
	case "assistant":
		text := textFromValue(obj["message"])
		if text == "" {
			text = textFromValue(obj["content"])
		}
		if text != "" {
			events = append(events, Event{Assistant: &AssistantMessage{Text: text}})
		}
	case "turn.completed", "result":
		if text := textFromValue(obj["result"]); text != "" {
			events = append(events, Event{Result: &ResultMessage{Text: text}})
		}
	default:
		if obj["role"] == "assistant" {
			text := textFromValue(obj["content"])
			if text == "" {
				text = textFromValue(obj["message"])
			}
			if text == "" {
				text = textFromValue(obj["delta"])
			}
			if text != "" {
				events = append(events, Event{Assistant: &AssistantMessage{Text: text}})
			}
		}
	}
	if len(events) == 0 {
		events = append(events, Event{Unknown: append([]byte{}, line...)})
	}
	return events
}

// Invoke runs the Codex CLI and reconciles its stream.
func (a CodexAdapter) Invoke(ctx context.Context, prompt string, opts Options) (Reply, error) {
	command := binaryFromEnv("CODEX_BIN", "codex")

	execPrefix := []string{"exec"}
	switch strings.ToLower(strings.TrimSpace(opts.ExecMode)) {
	case "", "safe":
	case "full_auto":
		execPrefix = append(execPrefix, "--full-auto")
	case "bypass":
		execPrefix = append(execPrefix, "--dangerously-bypass-approvals-and-sandbox")
	default:
		return Reply{}, fmt.Errorf("exec_mode must be one of: safe, full_auto, bypass (got %q)", opts.ExecMode)
	}

	baseFlags := []string{"--json", "--skip-git-repo-check"}
	if opts.Model != "" {
		baseFlags = append(baseFlags, "--model", opts.Model)
	}

	var args []string
	if opts.SessionID != "" {
		args = append(append(append([]string{}, execPrefix...), "resume"), baseFlags...)
		args = append(args, opts.SessionID)
	} else {
		args = append(append([]string{}, execPrefix...), baseFlags...)
	}

	var schemaTemp string
	if opts.OutputSchema != nil {
		f, err := os.CreateTemp("", "codex-schema-*.json")
		if err != nil {
			return Reply{}, fmt.Errorf("write output schema: %w", err)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(opts.OutputSchema); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return Reply{}, fmt.Errorf("write output schema: %w", err)
		}
		_ = f.Close()
		schemaTemp = f.Name()
		args = append(args, "--output-schema", schemaTemp)
	}
	defer func() {
		if schemaTemp != "" {
			_ = os.Remove(filepath.Clean(schemaTemp))
		}
	}()

	viaStdin := promptViaStdin(prompt, opts.PromptViaStdin)
	stdinText := ""
	if viaStdin {
		args = append(args, "-")
		stdinText = prompt
	} else {
		args = append(args, prompt)
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
		for _, ev := range parseCodexEvent([]byte(line)) {
			rec.Fold(ev)
		}
		return nil
	}

	result, err := procrun.Run(ctx, procrun.Spec{
		Provider:     a.Name(),
		Command:      command,
		Args:         args,
		Workdir:      opts.Workdir,
		Env:          proxyEnv(opts.Proxy, opts.NoProxy, nil),
		Timeout:      opts.timeout(),
		StdinText:    stdinText,
		StreamStderr: opts.Stream,
		StderrPrefix: "[codex stderr] ",
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
