package provider

import (
	"context"
	"time"

	"github.com/bayred/friends-bar/internal/procrun"
)

// Options is the cross-cutting adapter configuration. Adapters ignore the
// fields their CLI has no equivalent for.
type Options struct {
	Model string

	// Session resume token from the session store.
	SessionID string

	// Workdir is where the provider executes; relative deliverables
	// resolve against it.
	Workdir string

	// Claude: permission/sandbox mode and tool allow/deny lists.
	PermissionMode         string
	AllowedTools           []string
	DisallowedTools        []string
	IncludePartialMessages bool

	// Codex: exec sandbox mode (safe | full_auto | bypass) and an optional
	// response JSON Schema document handed to --output-schema.
	ExecMode     string
	OutputSchema map[string]any

	// Gemini: output format, approval/sandbox flags and extra context dirs.
	OutputFormat       string
	ApprovalMode       string
	Sandbox            *bool
	Yolo               bool
	IncludeDirectories []string

	// Proxy environment for providers reaching the network through one.
	Proxy     string
	NoProxy   string
	ProxyArgs bool
	NoBrowser *bool

	// PromptViaStdin forces stdin delivery; nil auto-selects by size.
	PromptViaStdin *bool

	Stream       bool
	PrintStderr  bool
	TimeoutLevel string
	IdleTimeout  time.Duration
	MaxTimeout   time.Duration
	Grace        time.Duration

	// EventHook observes adapter lifecycle and raw stream events; used by
	// the audit logger. Must not block.
	EventHook func(event string, payload map[string]any)
}

func (o *Options) emit(event string, payload map[string]any) {
	if o.EventHook != nil {
		o.EventHook(event, payload)
	}
}

func (o *Options) timeout() procrun.TimeoutConfig {
	return procrun.ResolveTimeoutConfig(o.TimeoutLevel, o.IdleTimeout, o.MaxTimeout, o.Grace)
}

// Reply is the uniform adapter result.
type Reply struct {
	Provider  string
	Text      string
	SessionID string
	ElapsedMS int64
	ToolTrace []Event
	RawLines  []string
}

// Adapter converts a prompt into one provider call.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, prompt string, opts Options) (Reply, error)
}

// promptViaStdin decides prompt delivery: explicit override first, then a
// size threshold that keeps argv well under platform limits.
const stdinPromptThreshold = 32 * 1024

func promptViaStdin(prompt string, override *bool) bool {
	if override != nil {
		return *override
	}
	return len(prompt) > stdinPromptThreshold
}
