package orchestrator

import (
	"fmt"
	"strings"

	"github.com/bayred/friends-bar/internal/config"
	"github.com/bayred/friends-bar/internal/protocol"
)

// historySummarizer compresses the transcript to a deterministic, bounded
// block: the latest plan, delivery, and review, with per-field truncation
// and list caps, plus an optional KEY_CHANGES digest.
type historySummarizer struct {
	cfg config.History
}

func newHistorySummarizer(cfg config.History) *historySummarizer {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 6000
	}
	if cfg.FieldMaxChars <= 0 {
		cfg.FieldMaxChars = 400
	}
	if cfg.EvidenceLimit <= 0 {
		cfg.EvidenceLimit = 5
	}
	if cfg.IssueLimit <= 0 {
		cfg.IssueLimit = 5
	}
	if cfg.RootCauseLimit <= 0 {
		cfg.RootCauseLimit = 3
	}
	return &historySummarizer{cfg: cfg}
}

// truncateRunes cuts at rune boundaries so CJK text never splits mid-character.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

func (h *historySummarizer) field(s string) string {
	return truncateRunes(strings.TrimSpace(s), h.cfg.FieldMaxChars)
}

func capEvidence(items []protocol.EvidenceItem, limit int) []protocol.EvidenceItem {
	if len(items) <= limit {
		return items
	}
	return items[len(items)-limit:]
}

// latestContents walks the transcript backwards and keeps the most recent
// instance of each role payload.
func latestContents(turns []TurnRecord) (plan *protocol.PlanContent, delivery *protocol.DeliveryContent, review *protocol.ReviewContent) {
	for i := len(turns) - 1; i >= 0; i-- {
		switch content := turns[i].Content.(type) {
		case *protocol.PlanContent:
			if plan == nil {
				plan = content
			}
		case *protocol.DeliveryContent:
			if delivery == nil {
				delivery = content
			}
		case *protocol.ReviewContent:
			if review == nil {
				review = content
			}
		}
	}
	return plan, delivery, review
}

// Summarize renders the bounded history block. An empty transcript yields
// a fixed placeholder so prompts stay stable.
func (h *historySummarizer) Summarize(turns []TurnRecord) string {
	plan, delivery, review := latestContents(turns)
	if plan == nil && delivery == nil && review == nil {
		return "（暂无协作历史）"
	}

	var b strings.Builder
	writeList := func(label string, items []string, limit int) {
		if len(items) == 0 {
			return
		}
		if len(items) > limit {
			items = items[len(items)-limit:]
		}
		fmt.Fprintf(&b, "%s:\n", label)
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", h.field(item))
		}
	}

	if plan != nil {
		b.WriteString("[LATEST PLAN]\n")
		fmt.Fprintf(&b, "status: %s\n", plan.Status)
		writeList("requirement_breakdown", plan.Result.RequirementBreakdown, h.cfg.EvidenceLimit)
		fmt.Fprintf(&b, "implementation_scope: %s\n", h.field(plan.Result.ImplementationScope))
		writeList("acceptance_criteria", plan.Result.AcceptanceCriteria, h.cfg.EvidenceLimit)
		fmt.Fprintf(&b, "handoff_notes: %s\n", h.field(plan.Result.HandoffNotes))
		b.WriteString("\n")
	}
	if delivery != nil {
		b.WriteString("[LATEST DELIVERY]\n")
		fmt.Fprintf(&b, "status: %s\n", delivery.Status)
		fmt.Fprintf(&b, "task_understanding: %s\n", h.field(delivery.Result.TaskUnderstanding))
		fmt.Fprintf(&b, "implementation_plan: %s\n", h.field(delivery.Result.ImplementationPlan))
		evidence := capEvidence(delivery.Result.ExecutionEvidence, h.cfg.EvidenceLimit)
		if len(evidence) > 0 {
			b.WriteString("execution_evidence:\n")
			for _, item := range evidence {
				fmt.Fprintf(&b, "- %s => %s\n", h.field(item.Command), h.field(item.Result))
			}
		}
		if len(delivery.Result.Deliverables) > 0 {
			b.WriteString("deliverables:\n")
			for _, item := range delivery.Result.Deliverables {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", item.Kind, item.Path, h.field(item.Summary))
			}
		}
		fmt.Fprintf(&b, "risks_and_rollback: %s\n", h.field(delivery.Result.RisksAndRollback))
		b.WriteString("\n")
	}
	if review != nil {
		b.WriteString("[LATEST REVIEW]\n")
		fmt.Fprintf(&b, "status: %s\n", review.Status)
		fmt.Fprintf(&b, "acceptance: %s\n", review.Acceptance)
		verification := capEvidence(review.Verification, h.cfg.EvidenceLimit)
		if len(verification) > 0 {
			b.WriteString("verification:\n")
			for _, item := range verification {
				fmt.Fprintf(&b, "- %s => %s\n", h.field(item.Command), h.field(item.Result))
			}
		}
		writeList("root_cause", review.RootCause, h.cfg.RootCauseLimit)
		issues := review.Issues
		if len(issues) > h.cfg.IssueLimit {
			issues = issues[len(issues)-h.cfg.IssueLimit:]
		}
		if len(issues) > 0 {
			b.WriteString("issues:\n")
			for _, issue := range issues {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", issue.Severity, issue.ID, h.field(issue.Summary))
			}
		}
		fmt.Fprintf(&b, "gate: %s\n", review.Gate.Decision)
		b.WriteString("\n")
	}

	if h.cfg.IncludeKeyChanges {
		var changes []string
		if plan != nil {
			for _, criterion := range plan.Result.AcceptanceCriteria {
				changes = append(changes, "criterion: "+h.field(criterion))
			}
		}
		if delivery != nil {
			for _, item := range capEvidence(delivery.Result.ExecutionEvidence, h.cfg.EvidenceLimit) {
				changes = append(changes, fmt.Sprintf("evidence: %s => %s", h.field(item.Command), h.field(item.Result)))
			}
			for _, item := range delivery.Result.Deliverables {
				changes = append(changes, "deliverable: "+item.Path)
			}
		}
		if review != nil {
			issues := review.Issues
			if len(issues) > h.cfg.IssueLimit {
				issues = issues[len(issues)-h.cfg.IssueLimit:]
			}
			for _, issue := range issues {
				changes = append(changes, fmt.Sprintf("issue [%s]: %s", issue.Severity, h.field(issue.Summary)))
			}
		}
		if len(changes) > 0 {
			b.WriteString("[KEY_CHANGES]\n")
			for _, change := range changes {
				fmt.Fprintf(&b, "- %s\n", change)
			}
		}
	}

	return truncateRunes(strings.TrimRight(b.String(), "\n"), h.cfg.MaxChars)
}

// peerQuestion returns the most recent next_question addressed to the
// acting agent, i.e. the previous turn's question.
func peerQuestion(turns []TurnRecord) string {
	for i := len(turns) - 1; i >= 0; i-- {
		switch content := turns[i].Content.(type) {
		case *protocol.PlanContent:
			if q := strings.TrimSpace(content.NextQuestion); q != "" {
				return q
			}
		case *protocol.DeliveryContent:
			if q := strings.TrimSpace(content.NextQuestion); q != "" {
				return q
			}
		case *protocol.ReviewContent:
			if q := strings.TrimSpace(content.NextQuestion); q != "" {
				return q
			}
		}
	}
	return ""
}
