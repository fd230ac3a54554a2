package provider

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// binaryFromEnv resolves the provider executable: an explicit
// <PROVIDER>_BIN environment variable wins, otherwise PATH lookup of the
// default name.
func binaryFromEnv(envKey, fallback string) string {
	if custom := strings.TrimSpace(os.Getenv(envKey)); custom != "" {
		return custom
	}
	return fallback
}

// mergeEnvWithOverrides returns base with overrides applied; keys absent
// from base are appended in sorted order for determinism.
func mergeEnvWithOverrides(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	used := map[string]bool{}
	for _, entry := range base {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if v, ok := overrides[key]; ok {
			out = append(out, key+"="+v)
			used[key] = true
			continue
		}
		out = append(out, entry)
	}
	remaining := make([]string, 0, len(overrides))
	for k := range overrides {
		if !used[k] {
			remaining = append(remaining, k)
		}
	}
	sort.Strings(remaining)
	for _, k := range remaining {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// proxyEnv builds subprocess environment overrides for proxy routing and
// browser suppression. Returns nil when nothing is configured so the child
// inherits the parent environment untouched.
func proxyEnv(proxy, noProxy string, noBrowser *bool) []string {
	proxy = strings.TrimSpace(proxy)
	noProxy = strings.TrimSpace(noProxy)
	if proxy == "" && noProxy == "" && noBrowser == nil {
		return nil
	}
	overrides := map[string]string{}
	if noBrowser != nil {
		if *noBrowser {
			overrides["NO_BROWSER"] = "true"
		} else {
			overrides["NO_BROWSER"] = "false"
		}
	}
	if proxy != "" {
		for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
			overrides[key] = proxy
		}
		if noProxy == "" {
			fallback := os.Getenv("NO_PROXY")
			if fallback == "" {
				fallback = os.Getenv("no_proxy")
			}
			if fallback == "" {
				fallback = "localhost,127.0.0.1"
			}
			noProxy = fallback
		}
	}
	if noProxy != "" {
		overrides["NO_PROXY"] = noProxy
		overrides["no_proxy"] = noProxy
	}
	return mergeEnvWithOverrides(os.Environ(), overrides)
}

// resolveIncludeDirectories builds a stable, deduplicated directory list
// with the workdir first.
func resolveIncludeDirectories(workdir string, extra []string) []string {
	var ordered []string
	seen := map[string]bool{}
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		key := raw
		if abs, err := filepath.Abs(raw); err == nil {
			key = abs
		}
		key = strings.ToLower(key)
		if seen[key] {
			return
		}
		seen[key] = true
		ordered = append(ordered, raw)
	}
	add(workdir)
	for _, dir := range extra {
		add(dir)
	}
	return ordered
}
