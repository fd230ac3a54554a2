// Package config resolves the runtime configuration: built-in defaults,
// an on-disk config file (TOML, or YAML for .yaml/.yml paths), and a
// `<stem>.local<ext>` override, deep-merged with the override winning.
// Loads are cached by file signature and always return a fresh copy.
package config

import (
	"encoding/json"
	"fmt"
)

// Defaults is the [defaults] section.
type Defaults struct {
	Provider      string  `json:"provider"`
	UseSession    bool    `json:"use_session"`
	Stream        bool    `json:"stream"`
	TimeoutLevel  string  `json:"timeout_level"`
	RetryAttempts int     `json:"retry_attempts"`
	RetryBackoffS float64 `json:"retry_backoff_s"`
}

// Provider is one [providers.<name>] section.
type Provider struct {
	TimeoutLevel           string   `json:"timeout_level,omitempty"`
	RetryAttempts          *int     `json:"retry_attempts,omitempty"`
	ExecMode               string   `json:"exec_mode,omitempty"`
	PermissionMode         string   `json:"permission_mode,omitempty"`
	IncludePartialMessages bool     `json:"include_partial_messages,omitempty"`
	IncludeDirectories     []string `json:"include_directories,omitempty"`
	Proxy                  string   `json:"proxy,omitempty"`
	NoProxy                string   `json:"no_proxy,omitempty"`
	OutputSchemaPath       string   `json:"output_schema_path,omitempty"`
}

// Logging is [friends_bar.logging].
type Logging struct {
	Enabled              bool   `json:"enabled"`
	Dir                  string `json:"dir"`
	IncludePromptPreview bool   `json:"include_prompt_preview"`
	MaxPreviewChars      int    `json:"max_preview_chars"`
}

// History is [friends_bar.history], the prompt history compression knobs.
type History struct {
	MaxChars          int  `json:"max_chars"`
	FieldMaxChars     int  `json:"field_max_chars"`
	EvidenceLimit     int  `json:"evidence_limit"`
	IssueLimit        int  `json:"issue_limit"`
	RootCauseLimit    int  `json:"root_cause_limit"`
	IncludeKeyChanges bool `json:"include_key_changes"`
}

// Safety is [friends_bar.safety].
type Safety struct {
	ReadOnly            bool     `json:"read_only"`
	AllowedRoots        []string `json:"allowed_roots"`
	CommandAllowlist    []string `json:"command_allowlist"`
	CommandDenylist     []string `json:"command_denylist"`
	PathDenylist        []string `json:"path_denylist"`
	CodexSandboxMode    string   `json:"codex_sandbox_mode"`
	ClaudeToolsReadOnly []string `json:"claude_tools_read_only"`
}

// Agent is one [friends_bar.agents.<id>] section.
type Agent struct {
	Provider        string         `json:"provider"`
	ResponseMode    string         `json:"response_mode"`
	ProviderOptions map[string]any `json:"provider_options"`
}

// FriendsBar is the [friends_bar] section.
type FriendsBar struct {
	Name          string           `json:"name"`
	DefaultRounds int              `json:"default_rounds"`
	StartAgent    string           `json:"start_agent"`
	PromptDir     string           `json:"prompt_dir,omitempty"`
	Logging       Logging          `json:"logging"`
	History       History          `json:"history"`
	Safety        Safety           `json:"safety"`
	Agents        map[string]Agent `json:"agents"`
}

// TimeoutProfile is one [timeouts.<profile>] section, in seconds.
type TimeoutProfile struct {
	IdleTimeoutS    float64 `json:"idle_timeout_s"`
	MaxTimeoutS     float64 `json:"max_timeout_s"`
	TerminateGraceS float64 `json:"terminate_grace_s"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Defaults   Defaults                  `json:"defaults"`
	Providers  map[string]Provider       `json:"providers"`
	FriendsBar FriendsBar                `json:"friends_bar"`
	Timeouts   map[string]TimeoutProfile `json:"timeouts"`
}

// Clone returns a deep copy so callers can never mutate a cached config.
func (c *Config) Clone() *Config {
	b, err := json.Marshal(c)
	if err != nil {
		// Config is plain data; marshal cannot fail in practice.
		panic(fmt.Sprintf("config clone: %v", err))
	}
	var out Config
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("config clone: %v", err))
	}
	return &out
}

// ProviderFor returns the per-provider section, zero-valued when absent.
func (c *Config) ProviderFor(name string) Provider {
	if c.Providers == nil {
		return Provider{}
	}
	return c.Providers[name]
}

// TimeoutFor returns the named timeout profile, falling back to standard.
func (c *Config) TimeoutFor(level string) TimeoutProfile {
	if p, ok := c.Timeouts[level]; ok {
		return p
	}
	return c.Timeouts["standard"]
}

// Default returns the built-in configuration, matching the shipped
// config.toml shape.
func Default() *Config {
	return &Config{
		Defaults: Defaults{
			Provider:      "codex",
			UseSession:    true,
			Stream:        true,
			TimeoutLevel:  "standard",
			RetryAttempts: 1,
			RetryBackoffS: 1.0,
		},
		Providers: map[string]Provider{
			"codex": {
				TimeoutLevel: "standard",
				ExecMode:     "safe",
			},
			"claude-minimax": {
				TimeoutLevel:   "standard",
				PermissionMode: "default",
			},
			"gemini": {
				TimeoutLevel: "standard",
			},
		},
		FriendsBar: FriendsBar{
			Name:          "Friends Bar",
			DefaultRounds: 3,
			StartAgent:    "DUFFY",
			Logging: Logging{
				Enabled:              true,
				Dir:                  ".friends-bar/logs",
				IncludePromptPreview: true,
				MaxPreviewChars:      1200,
			},
			History: History{
				MaxChars:          6000,
				FieldMaxChars:     400,
				EvidenceLimit:     5,
				IssueLimit:        5,
				RootCauseLimit:    3,
				IncludeKeyChanges: true,
			},
			Safety: Safety{
				ReadOnly:         false,
				AllowedRoots:     nil,
				CommandAllowlist: nil,
				CommandDenylist:  nil,
				PathDenylist:     nil,
				CodexSandboxMode: "safe",
			},
			Agents: map[string]Agent{
				"DUFFY": {
					Provider:        "claude-minimax",
					ResponseMode:    "text_only",
					ProviderOptions: map[string]any{"permission_mode": "plan"},
				},
				"LINA_BELL": {
					Provider:        "codex",
					ResponseMode:    "execute",
					ProviderOptions: map[string]any{"exec_mode": "bypass"},
				},
				"STELLA": {
					Provider:        "gemini",
					ResponseMode:    "text_only",
					ProviderOptions: map[string]any{},
				},
			},
		},
		Timeouts: map[string]TimeoutProfile{
			"quick":    {IdleTimeoutS: 60, MaxTimeoutS: 300, TerminateGraceS: 3},
			"standard": {IdleTimeoutS: 300, MaxTimeoutS: 1800, TerminateGraceS: 5},
			"complex":  {IdleTimeoutS: 900, MaxTimeoutS: 3600, TerminateGraceS: 8},
		},
	}
}
