package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bayred/friends-bar/internal/procrun"
)

// FileCallbackAdapter serves providers that cannot stream to stdout (GUI
// integrations bridged through a shared directory). A request file is
// written atomically, then a response file is polled until timeout. The
// orchestrator treats it like any other adapter.
type FileCallbackAdapter struct {
	// Provider is the logical provider name reported on replies/errors.
	Provider string

	// Dir is the bridge root; requests/ and responses/ live under it.
	Dir string

	// PollInterval between response checks. Zero means 250ms.
	PollInterval time.Duration

	// CleanupResponse removes the response file after a successful read.
	CleanupResponse bool
}

func (a FileCallbackAdapter) Name() string {
	if a.Provider != "" {
		return a.Provider
	}
	return "file-callback"
}

type callbackRequest struct {
	RequestID   string `json:"request_id"`
	Prompt      string `json:"prompt"`
	SessionID   string `json:"session_id,omitempty"`
	Workdir     string `json:"workdir,omitempty"`
	Model       string `json:"model,omitempty"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type callbackResponse struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Error     string          `json:"error"`
	Text      json.RawMessage `json:"text"`
	Response  json.RawMessage `json:"response"`
	Content   json.RawMessage `json:"content"`
	SessionID string          `json:"session_id"`
}

func atomicWriteJSON(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return textFromValue(v)
}

// Invoke writes the request and polls for the matching response.
func (a FileCallbackAdapter) Invoke(ctx context.Context, prompt string, opts Options) (Reply, error) {
	if strings.TrimSpace(prompt) == "" {
		return Reply{}, fmt.Errorf("prompt must be a non-empty string")
	}
	start := time.Now()
	elapsedMS := func() int64 { return time.Since(start).Milliseconds() }
	fail := func(reason, detail string) error {
		return &procrun.Error{
			Provider:    a.Name(),
			Reason:      reason,
			CommandRepr: fmt.Sprintf("file-callback dir=%s", a.Dir),
			ElapsedMS:   elapsedMS(),
			ReturnCode:  -1,
			SessionID:   opts.SessionID,
			Detail:      detail,
		}
	}

	dir := a.Dir
	if dir == "" {
		dir = filepath.Join(".friends-bar", "callback-bridge")
	}
	rid := strings.ToLower(ulid.Make().String())
	requestPath := filepath.Join(dir, "requests", rid+".json")
	responsePath := filepath.Join(dir, "responses", rid+".json")

	req := callbackRequest{
		RequestID:   rid,
		Prompt:      prompt,
		SessionID:   opts.SessionID,
		Workdir:     opts.Workdir,
		Model:       opts.Model,
		TimestampMS: time.Now().UnixMilli(),
	}
	if err := atomicWriteJSON(requestPath, req); err != nil {
		return Reply{}, fail("callback_write_error", err.Error())
	}
	opts.emit("adapter.request_written", map[string]any{
		"provider":      a.Name(),
		"request_id":    rid,
		"request_path":  requestPath,
		"response_path": responsePath,
	})

	interval := a.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	timeout := opts.timeout().Max

	for {
		if b, err := os.ReadFile(responsePath); err == nil {
			var resp callbackResponse
			if err := json.Unmarshal(b, &resp); err != nil {
				return Reply{}, fail("callback_invalid_json", err.Error())
			}
			if resp.RequestID != "" && resp.RequestID != rid {
				return Reply{}, fail("callback_request_id_mismatch",
					fmt.Sprintf("response request_id=%s does not match expected %s", resp.RequestID, rid))
			}
			if strings.EqualFold(resp.Status, "error") {
				detail := resp.Error
				if detail == "" {
					detail = "callback returned error"
				}
				return Reply{}, fail("callback_error", detail)
			}
			text := rawToText(resp.Text)
			if text == "" {
				text = rawToText(resp.Response)
			}
			if text == "" {
				text = rawToText(resp.Content)
			}
			if text == "" {
				return Reply{}, fail("callback_missing_text", "callback payload does not contain text/response/content")
			}
			sessionID := strings.TrimSpace(resp.SessionID)
			if sessionID == "" {
				sessionID = opts.SessionID
			}
			if a.CleanupResponse {
				_ = os.Remove(responsePath)
			}
			opts.emit("adapter.callback_received", map[string]any{
				"provider":   a.Name(),
				"request_id": rid,
				"elapsed_ms": elapsedMS(),
			})
			return Reply{
				Provider:  a.Name(),
				Text:      text,
				SessionID: sessionID,
				ElapsedMS: elapsedMS(),
			}, nil
		}

		if time.Since(start) > timeout {
			return Reply{}, fail("callback_timeout",
				fmt.Sprintf("no callback at %s within %s; request written to %s", responsePath, timeout, requestPath))
		}
		select {
		case <-ctx.Done():
			return Reply{}, fail(procrun.ReasonParentSignal, ctx.Err().Error())
		case <-time.After(interval):
		}
	}
}
