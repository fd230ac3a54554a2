package config

import (
	"strconv"
	"strings"
)

// deepMerge recursively merges override into base, override winning.
// Nested maps merge key-by-key; everything else replaces.
func deepMerge(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = deepCopyValue(v)
	}
	for k, v := range override {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := merged[k].(map[string]any); ok {
				merged[k] = deepMerge(bv, ov)
				continue
			}
		}
		merged[k] = deepCopyValue(v)
	}
	return merged
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// normalizeKeys converts YAML's map[any]any values into map[string]any so
// TOML and YAML inputs merge uniformly.
func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeKeys(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[asString(k, "")] = normalizeKeys(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeKeys(e)
		}
		return out
	default:
		return v
	}
}

func section(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func asString(v any, fallback string) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return fallback
	default:
		return fallback
	}
}

func asBool(v any, fallback bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	return fallback
}

func asInt(v any, fallback int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return fallback
}

func asFloat(v any, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return fallback
}

func asStringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string{}, t...)
	default:
		return nil
	}
}

// fromMap projects a merged raw document onto the typed Config, starting
// from built-in defaults so missing sections keep their default values.
func fromMap(raw map[string]any) *Config {
	cfg := Default()

	if d := section(raw, "defaults"); d != nil {
		cfg.Defaults.Provider = asString(d["provider"], cfg.Defaults.Provider)
		cfg.Defaults.UseSession = asBool(d["use_session"], cfg.Defaults.UseSession)
		cfg.Defaults.Stream = asBool(d["stream"], cfg.Defaults.Stream)
		cfg.Defaults.TimeoutLevel = asString(d["timeout_level"], cfg.Defaults.TimeoutLevel)
		cfg.Defaults.RetryAttempts = asInt(d["retry_attempts"], cfg.Defaults.RetryAttempts)
		cfg.Defaults.RetryBackoffS = asFloat(d["retry_backoff_s"], cfg.Defaults.RetryBackoffS)
	}
	if cfg.Defaults.RetryAttempts < 0 {
		cfg.Defaults.RetryAttempts = 0
	}
	if cfg.Defaults.RetryBackoffS < 0 {
		cfg.Defaults.RetryBackoffS = 0
	}

	if provs := section(raw, "providers"); provs != nil {
		for name, v := range provs {
			pm, ok := v.(map[string]any)
			if !ok {
				continue
			}
			p := cfg.Providers[name]
			p.TimeoutLevel = asString(pm["timeout_level"], p.TimeoutLevel)
			if _, ok := pm["retry_attempts"]; ok {
				n := asInt(pm["retry_attempts"], 0)
				if n < 0 {
					n = 0
				}
				p.RetryAttempts = &n
			}
			p.ExecMode = asString(pm["exec_mode"], p.ExecMode)
			p.PermissionMode = asString(pm["permission_mode"], p.PermissionMode)
			p.IncludePartialMessages = asBool(pm["include_partial_messages"], p.IncludePartialMessages)
			if v, ok := pm["include_directories"]; ok {
				p.IncludeDirectories = asStringList(v)
			}
			p.Proxy = asString(pm["proxy"], p.Proxy)
			p.NoProxy = asString(pm["no_proxy"], p.NoProxy)
			p.OutputSchemaPath = asString(pm["output_schema_path"], p.OutputSchemaPath)
			if cfg.Providers == nil {
				cfg.Providers = map[string]Provider{}
			}
			cfg.Providers[name] = p
		}
	}

	if fb := section(raw, "friends_bar"); fb != nil {
		cfg.FriendsBar.Name = asString(fb["name"], cfg.FriendsBar.Name)
		cfg.FriendsBar.DefaultRounds = asInt(fb["default_rounds"], cfg.FriendsBar.DefaultRounds)
		cfg.FriendsBar.StartAgent = asString(fb["start_agent"], cfg.FriendsBar.StartAgent)
		cfg.FriendsBar.PromptDir = asString(fb["prompt_dir"], cfg.FriendsBar.PromptDir)

		if lg := section(fb, "logging"); lg != nil {
			cfg.FriendsBar.Logging.Enabled = asBool(lg["enabled"], cfg.FriendsBar.Logging.Enabled)
			cfg.FriendsBar.Logging.Dir = asString(lg["dir"], cfg.FriendsBar.Logging.Dir)
			cfg.FriendsBar.Logging.IncludePromptPreview = asBool(lg["include_prompt_preview"], cfg.FriendsBar.Logging.IncludePromptPreview)
			cfg.FriendsBar.Logging.MaxPreviewChars = asInt(lg["max_preview_chars"], cfg.FriendsBar.Logging.MaxPreviewChars)
		}
		if h := section(fb, "history"); h != nil {
			cfg.FriendsBar.History.MaxChars = asInt(h["max_chars"], cfg.FriendsBar.History.MaxChars)
			cfg.FriendsBar.History.FieldMaxChars = asInt(h["field_max_chars"], cfg.FriendsBar.History.FieldMaxChars)
			cfg.FriendsBar.History.EvidenceLimit = asInt(h["evidence_limit"], cfg.FriendsBar.History.EvidenceLimit)
			cfg.FriendsBar.History.IssueLimit = asInt(h["issue_limit"], cfg.FriendsBar.History.IssueLimit)
			cfg.FriendsBar.History.RootCauseLimit = asInt(h["root_cause_limit"], cfg.FriendsBar.History.RootCauseLimit)
			cfg.FriendsBar.History.IncludeKeyChanges = asBool(h["include_key_changes"], cfg.FriendsBar.History.IncludeKeyChanges)
		}
		if sf := section(fb, "safety"); sf != nil {
			cfg.FriendsBar.Safety.ReadOnly = asBool(sf["read_only"], cfg.FriendsBar.Safety.ReadOnly)
			if v, ok := sf["allowed_roots"]; ok {
				cfg.FriendsBar.Safety.AllowedRoots = asStringList(v)
			}
			if v, ok := sf["command_allowlist"]; ok {
				cfg.FriendsBar.Safety.CommandAllowlist = asStringList(v)
			}
			if v, ok := sf["command_denylist"]; ok {
				cfg.FriendsBar.Safety.CommandDenylist = asStringList(v)
			}
			if v, ok := sf["path_denylist"]; ok {
				cfg.FriendsBar.Safety.PathDenylist = asStringList(v)
			}
			cfg.FriendsBar.Safety.CodexSandboxMode = asString(sf["codex_sandbox_mode"], cfg.FriendsBar.Safety.CodexSandboxMode)
			if v, ok := sf["claude_tools_read_only"]; ok {
				cfg.FriendsBar.Safety.ClaudeToolsReadOnly = asStringList(v)
			}
		}
		if agents := section(fb, "agents"); agents != nil {
			for id, v := range agents {
				am, ok := v.(map[string]any)
				if !ok {
					continue
				}
				a := cfg.FriendsBar.Agents[id]
				a.Provider = asString(am["provider"], a.Provider)
				a.ResponseMode = asString(am["response_mode"], a.ResponseMode)
				if a.ResponseMode != "execute" && a.ResponseMode != "text_only" {
					a.ResponseMode = "text_only"
				}
				if po, ok := am["provider_options"].(map[string]any); ok {
					a.ProviderOptions = po
				} else if a.ProviderOptions == nil {
					a.ProviderOptions = map[string]any{}
				}
				if cfg.FriendsBar.Agents == nil {
					cfg.FriendsBar.Agents = map[string]Agent{}
				}
				cfg.FriendsBar.Agents[id] = a
			}
		}
	}
	if cfg.FriendsBar.DefaultRounds < 1 {
		cfg.FriendsBar.DefaultRounds = Default().FriendsBar.DefaultRounds
	}

	if timeouts := section(raw, "timeouts"); timeouts != nil {
		for name, v := range timeouts {
			pm, ok := v.(map[string]any)
			if !ok {
				continue
			}
			p := cfg.Timeouts[name]
			if p == (TimeoutProfile{}) {
				p = cfg.TimeoutFor("standard")
			}
			p.IdleTimeoutS = asFloat(pm["idle_timeout_s"], p.IdleTimeoutS)
			p.MaxTimeoutS = asFloat(pm["max_timeout_s"], p.MaxTimeoutS)
			p.TerminateGraceS = asFloat(pm["terminate_grace_s"], p.TerminateGraceS)
			cfg.Timeouts[name] = p
		}
	}

	return cfg
}
