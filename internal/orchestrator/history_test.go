package orchestrator

import (
	"strings"
	"testing"

	"github.com/bayred/friends-bar/internal/config"
	"github.com/bayred/friends-bar/internal/protocol"
)

func sampleTurns() []TurnRecord {
	return []TurnRecord{
		{Turn: 1, Agent: AgentDuffy, Content: &protocol.PlanContent{
			Status: "ok",
			Result: protocol.PlanResult{
				RequirementBreakdown: []string{"step one", "step two"},
				ImplementationScope:  "only the parser",
				AcceptanceCriteria:   []string{"tests pass"},
				HandoffNotes:         "start with the lexer",
			},
			NextQuestion: "范围是否正确？",
		}},
		{Turn: 2, Agent: AgentLinaBell, Content: &protocol.DeliveryContent{
			Status: "ok",
			Result: protocol.DeliveryResult{
				TaskUnderstanding:  "build the parser",
				ImplementationPlan: "single pass",
				ExecutionEvidence: []protocol.EvidenceItem{
					{Command: "go test ./...", Result: "ok"},
					{Command: "go vet ./...", Result: "clean"},
				},
				RisksAndRollback: "git revert",
				Deliverables:     []protocol.Deliverable{{Path: "parser.go", Kind: "file", Summary: "parser"}},
			},
			NextQuestion: "还需要哪些核验？",
		}},
	}
}

func TestSummarize_EmptyTranscript(t *testing.T) {
	h := newHistorySummarizer(config.History{})
	if got := h.Summarize(nil); got != "（暂无协作历史）" {
		t.Fatalf("placeholder: %q", got)
	}
}

func TestSummarize_IncludesLatestSections(t *testing.T) {
	h := newHistorySummarizer(config.History{MaxChars: 6000, FieldMaxChars: 400, IncludeKeyChanges: true})
	out := h.Summarize(sampleTurns())
	for _, want := range []string{
		"[LATEST PLAN]", "[LATEST DELIVERY]", "[KEY_CHANGES]",
		"step one", "go test ./... => ok", "deliverable: parser.go",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "[LATEST REVIEW]") {
		t.Fatal("no review yet")
	}
}

func TestSummarize_UsesLatestInstanceOnly(t *testing.T) {
	turns := sampleTurns()
	turns = append(turns, TurnRecord{Turn: 4, Agent: AgentDuffy, Content: &protocol.PlanContent{
		Status: "ok",
		Result: protocol.PlanResult{
			RequirementBreakdown: []string{"revised step"},
			AcceptanceCriteria:   []string{"revised criterion"},
		},
		NextQuestion: "新计划可行吗？",
	}})
	h := newHistorySummarizer(config.History{MaxChars: 6000, FieldMaxChars: 400})
	out := h.Summarize(turns)
	if !strings.Contains(out, "revised step") {
		t.Fatalf("latest plan missing:\n%s", out)
	}
	if strings.Contains(out, "step one") {
		t.Fatalf("stale plan leaked:\n%s", out)
	}
}

func TestSummarize_FieldTruncationAndListCaps(t *testing.T) {
	long := strings.Repeat("长", 500)
	turns := []TurnRecord{{Turn: 1, Content: &protocol.DeliveryContent{
		Status: "ok",
		Result: protocol.DeliveryResult{
			TaskUnderstanding: long,
			ExecutionEvidence: []protocol.EvidenceItem{
				{Command: "c1", Result: "r1"},
				{Command: "c2", Result: "r2"},
				{Command: "c3", Result: "r3"},
			},
		},
	}}}
	h := newHistorySummarizer(config.History{MaxChars: 6000, FieldMaxChars: 20, EvidenceLimit: 2})
	out := h.Summarize(turns)
	if strings.Contains(out, long) {
		t.Fatal("field not truncated")
	}
	if !strings.Contains(out, strings.Repeat("长", 20)+"…") {
		t.Fatalf("rune truncation marker missing:\n%s", out)
	}
	if strings.Contains(out, "c1") {
		t.Fatal("evidence list not capped to latest entries")
	}
	if !strings.Contains(out, "c2") || !strings.Contains(out, "c3") {
		t.Fatal("latest evidence entries missing")
	}
}

func TestSummarize_OverallCap(t *testing.T) {
	turns := sampleTurns()
	h := newHistorySummarizer(config.History{MaxChars: 50, FieldMaxChars: 400})
	out := h.Summarize(turns)
	if len([]rune(out)) > 51 {
		t.Fatalf("overall cap exceeded: %d runes", len([]rune(out)))
	}
}

func TestSummarize_Deterministic(t *testing.T) {
	h := newHistorySummarizer(config.History{MaxChars: 6000, FieldMaxChars: 400, IncludeKeyChanges: true})
	turns := sampleTurns()
	if h.Summarize(turns) != h.Summarize(turns) {
		t.Fatal("summaries must be deterministic")
	}
}

func TestPeerQuestion_LatestWins(t *testing.T) {
	turns := sampleTurns()
	if got := peerQuestion(turns); got != "还需要哪些核验？" {
		t.Fatalf("peer question: %q", got)
	}
	if got := peerQuestion(nil); got != "" {
		t.Fatalf("empty transcript: %q", got)
	}
}
