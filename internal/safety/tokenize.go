// Package safety holds the post-validation checks: workdir containment
// for command path tokens, the command allow/deny policy, allowed-roots
// containment, and deliverable filesystem verification.
package safety

import (
	"strings"
)

// tokenizeCommand splits a shell-style command respecting single and
// double quotes. Quotes group; backslash escapes inside double quotes and
// bare text.
func tokenizeCommand(command string) []string {
	var tokens []string
	var current strings.Builder
	inSingle := false
	inDouble := false
	escaped := false
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range command {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}
		switch {
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case (r == ' ' || r == '\t' || r == '\n') && !inSingle && !inDouble:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// splitFlagValue separates --flag=value tokens so the value can be
// inspected as a path.
func splitFlagValue(token string) []string {
	if !strings.HasPrefix(token, "-") {
		return []string{token}
	}
	idx := strings.IndexByte(token, '=')
	if idx < 0 || idx == len(token)-1 {
		return []string{token}
	}
	return []string{token[:idx], token[idx+1:]}
}

// pathTokenTrimSet is the surrounding punctuation stripped off tokens
// before path inspection (quotes the tokenizer kept, separators, braces).
const pathTokenTrimSet = "\"'`()[]{}<>,;:"

// pathCandidates expands a tokenized command into candidate path tokens.
func pathCandidates(command string) []string {
	var out []string
	for _, token := range tokenizeCommand(command) {
		for _, part := range splitFlagValue(token) {
			part = strings.Trim(part, pathTokenTrimSet)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
