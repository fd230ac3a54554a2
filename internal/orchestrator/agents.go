// Package orchestrator drives the round-robin dialogue: prompt assembly,
// the per-turn retry loop with repair prompts, safety gating, and the
// final transcript.
package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bayred/friends-bar/internal/protocol"
)

// AgentID is a canonical agent identifier.
type AgentID string

const (
	AgentDuffy    AgentID = "DUFFY"
	AgentLinaBell AgentID = "LINA_BELL"
	AgentStella   AgentID = "STELLA"
)

// turnOrder is the fixed round-robin: planner, developer, reviewer.
var turnOrder = []AgentID{AgentDuffy, AgentLinaBell, AgentStella}

// Profile is one agent's static identity.
type Profile struct {
	ID       AgentID
	Display  string
	Provider string
	Mission  string
	Role     protocol.Role
}

var profiles = map[AgentID]Profile{
	AgentDuffy: {
		ID:       AgentDuffy,
		Display:  "达菲",
		Provider: "claude-minimax",
		Mission:  "偏重问题澄清与结构化拆解，产出需求分解与验收标准。",
		Role:     protocol.RolePlan,
	},
	AgentLinaBell: {
		ID:       AgentLinaBell,
		Display:  "玲娜贝儿",
		Provider: "codex",
		Mission:  "偏重工程落地与风险校验，执行任务并交付可验证的产物。",
		Role:     protocol.RoleDelivery,
	},
	AgentStella: {
		ID:       AgentStella,
		Display:  "星黛露",
		Provider: "gemini",
		Mission:  "偏重质量核验与回归把关，基于证据给出验收结论。",
		Role:     protocol.RoleReview,
	},
}

// agentAliases maps every accepted spelling to the canonical ID: English
// IDs, display names, provider names, and the legacy mojibake byte forms
// (UTF-8 display names read back as latin-1 by old Windows tooling).
// Mojibake forms remap silently; rejecting them would break configs that
// round-tripped through those tools.
var agentAliases = map[string]AgentID{
	"duffy":     AgentDuffy,
	"lina_bell": AgentLinaBell,
	"linabell":  AgentLinaBell,
	"lina-bell": AgentLinaBell,
	"stella":    AgentStella,
	"stellalou": AgentStella,
	"stella_lou": AgentStella,

	"达菲":   AgentDuffy,
	"玲娜贝儿": AgentLinaBell,
	"星黛露":  AgentStella,

	"claude-minimax": AgentDuffy,
	"claude_minimax": AgentDuffy,
	"codex":          AgentLinaBell,
	"gemini":         AgentStella,
}

// mojibakeForms returns the legacy misencodings of a display name: its
// UTF-8 bytes re-read as latin-1 (one round and two rounds, both occur in
// configs that passed through old Windows tooling).
func mojibakeForms(display string) []string {
	latin1 := func(s string) string {
		runes := make([]rune, len(s))
		for i := 0; i < len(s); i++ {
			runes[i] = rune(s[i])
		}
		return string(runes)
	}
	once := latin1(display)
	return []string{once, latin1(once)}
}

func init() {
	for id, profile := range profiles {
		for _, form := range mojibakeForms(profile.Display) {
			agentAliases[form] = id
		}
	}
}

// NormalizeAgent maps any accepted agent spelling to its canonical ID.
func NormalizeAgent(name string) (AgentID, error) {
	raw := strings.TrimSpace(name)
	if raw == "" {
		return "", fmt.Errorf("agent name is empty")
	}
	if id, ok := agentAliases[raw]; ok {
		return id, nil
	}
	if id, ok := agentAliases[strings.ToLower(raw)]; ok {
		return id, nil
	}
	var supported []string
	for id := range profiles {
		supported = append(supported, string(id))
	}
	sort.Strings(supported)
	return "", fmt.Errorf("unsupported agent name: %s. Supported: %s", name, strings.Join(supported, ", "))
}

// ProfileFor returns the static profile of a canonical agent.
func ProfileFor(id AgentID) Profile {
	return profiles[id]
}

// NextAgent returns the agent after current in the fixed order.
func NextAgent(current AgentID) AgentID {
	for i, id := range turnOrder {
		if id == current {
			return turnOrder[(i+1)%len(turnOrder)]
		}
	}
	return turnOrder[0]
}
