package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bayred/friends-bar/internal/protocol"
)

// Safety gate error codes.
const (
	ECodeCommandOutside     = "E_WORKDIR_COMMAND_OUTSIDE"
	ECodeCommandDenied      = "E_SAFETY_COMMAND_DENIED"
	ECodeCommandNotAllowed  = "E_SAFETY_COMMAND_NOT_ALLOWED"
	ECodePathDenied         = "E_SAFETY_PATH_DENIED"
	ECodeWorkdirNotAllowed  = "E_SAFETY_WORKDIR_NOT_ALLOWED"
	ECodeOutsideWorkdir     = "E_DELIVERY_OUTSIDE_WORKDIR"
	ECodeMissingDeliverable = "E_DELIVERY_MISSING_DELIVERABLE"
	ECodeExpectFile         = "E_DELIVERY_EXPECT_FILE"
	ECodeExpectDir          = "E_DELIVERY_EXPECT_DIR"
)

// Policy is the configured safety policy for one run.
type Policy struct {
	Workdir string

	// AllowedRoots constrain where a run's workdir may live. Empty means
	// any location is acceptable.
	AllowedRoots []string

	// CommandDenylist and CommandAllowlist are ordered regex patterns.
	// Deny is applied first; with a non-empty allow list, a command must
	// match at least one allow pattern.
	CommandDenylist  []string
	CommandAllowlist []string

	// PathDenylist is doublestar glob patterns matched against
	// workdir-relative deliverable paths and absolute command path tokens.
	PathDenylist []string
}

// Gate applies the composed checks.
type Gate struct {
	policy Policy
	deny   []*regexp.Regexp
	allow  []*regexp.Regexp
}

// NewGate compiles the policy. Invalid regex patterns are rejected here so
// a misconfigured policy fails the run before any turn.
func NewGate(policy Policy) (*Gate, error) {
	g := &Gate{policy: policy}
	for _, pattern := range policy.CommandDenylist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid denylist pattern %q: %w", pattern, err)
		}
		g.deny = append(g.deny, re)
	}
	for _, pattern := range policy.CommandAllowlist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist pattern %q: %w", pattern, err)
		}
		g.allow = append(g.allow, re)
	}
	for _, pattern := range policy.PathDenylist {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid path denylist pattern %q", pattern)
		}
	}
	return g, nil
}

// CheckWorkdirAllowed verifies the run workdir lies inside one of the
// configured roots.
func (g *Gate) CheckWorkdirAllowed() []protocol.Diag {
	if len(g.policy.AllowedRoots) == 0 {
		return nil
	}
	if insideAnyRoot(g.policy.AllowedRoots, g.policy.Workdir) {
		return nil
	}
	return []protocol.Diag{{
		Code:    ECodeWorkdirNotAllowed,
		Message: fmt.Sprintf("workdir %s is outside all allowed roots", g.policy.Workdir),
	}}
}

func (g *Gate) pathDenied(relOrAbs string) bool {
	for _, pattern := range g.policy.PathDenylist {
		if ok, err := doublestar.Match(pattern, filepath.ToSlash(relOrAbs)); err == nil && ok {
			return true
		}
	}
	return false
}

// CheckCommand applies workdir containment and the command policy to one
// command string.
func (g *Gate) CheckCommand(command string) []protocol.Diag {
	var diags []protocol.Diag
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return nil
	}

	for _, re := range g.deny {
		if re.MatchString(trimmed) {
			diags = append(diags, protocol.Diag{
				Code:    ECodeCommandDenied,
				Message: fmt.Sprintf("command matches deny pattern %q: %s", re.String(), truncateForDiag(trimmed)),
			})
			break
		}
	}
	if len(g.allow) > 0 {
		matched := false
		for _, re := range g.allow {
			if re.MatchString(trimmed) {
				matched = true
				break
			}
		}
		if !matched {
			diags = append(diags, protocol.Diag{
				Code:    ECodeCommandNotAllowed,
				Message: fmt.Sprintf("command matches no allow pattern: %s", truncateForDiag(trimmed)),
			})
		}
	}

	for _, token := range pathCandidates(trimmed) {
		if !isAbsolutePathToken(token) {
			continue
		}
		if !isInside(g.policy.Workdir, token) {
			diags = append(diags, protocol.Diag{
				Code:    ECodeCommandOutside,
				Message: fmt.Sprintf("command references path outside workdir: %s", token),
			})
			continue
		}
		if g.pathDenied(token) {
			diags = append(diags, protocol.Diag{
				Code:    ECodePathDenied,
				Message: fmt.Sprintf("command references denied path: %s", token),
			})
		}
	}
	return diags
}

// CheckEvidence applies CheckCommand over a command/result list.
func (g *Gate) CheckEvidence(items []protocol.EvidenceItem) []protocol.Diag {
	var diags []protocol.Diag
	for _, item := range items {
		diags = append(diags, g.CheckCommand(item.Command)...)
	}
	return diags
}

// CheckDeliverables verifies declared deliverables on disk: contained in
// the workdir, existing, and matching the declared kind. Only execute-mode
// deliveries are checked; text-only agents produce no artifacts.
func (g *Gate) CheckDeliverables(items []protocol.Deliverable) []protocol.Diag {
	var diags []protocol.Diag
	for _, item := range items {
		resolved := item.Path
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(g.policy.Workdir, resolved)
		}
		if !isInside(g.policy.Workdir, resolved) {
			diags = append(diags, protocol.Diag{
				Code:    ECodeOutsideWorkdir,
				Message: fmt.Sprintf("deliverable resolves outside workdir: %s", item.Path),
			})
			continue
		}
		if g.pathDenied(item.Path) {
			diags = append(diags, protocol.Diag{
				Code:    ECodePathDenied,
				Message: fmt.Sprintf("deliverable path is denied by policy: %s", item.Path),
			})
			continue
		}
		info, err := os.Stat(resolved)
		if err != nil {
			diags = append(diags, protocol.Diag{
				Code:    ECodeMissingDeliverable,
				Message: fmt.Sprintf("deliverable does not exist: %s", item.Path),
			})
			continue
		}
		switch item.Kind {
		case "file":
			if info.IsDir() {
				diags = append(diags, protocol.Diag{
					Code:    ECodeExpectFile,
					Message: fmt.Sprintf("deliverable is a directory, expected file: %s", item.Path),
				})
			}
		case "dir":
			if !info.IsDir() {
				diags = append(diags, protocol.Diag{
					Code:    ECodeExpectDir,
					Message: fmt.Sprintf("deliverable is a file, expected dir: %s", item.Path),
				})
			}
		}
	}
	return diags
}

// CheckPayload applies every gate to a validated payload. executeMode
// enables deliverable filesystem verification for deliveries.
func (g *Gate) CheckPayload(content any, executeMode bool) []protocol.Diag {
	var diags []protocol.Diag
	switch payload := content.(type) {
	case *protocol.DeliveryContent:
		diags = append(diags, g.CheckEvidence(payload.Result.ExecutionEvidence)...)
		if executeMode {
			diags = append(diags, g.CheckDeliverables(payload.Result.Deliverables)...)
		}
	case *protocol.ReviewContent:
		diags = append(diags, g.CheckEvidence(payload.Verification)...)
	}
	return diags
}

func truncateForDiag(s string) string {
	const max = 160
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
