package protocol

import (
	"fmt"
	"sort"
	"strings"
)

func appendDiag(errors []Diag, code, message string) []Diag {
	return append(errors, Diag{Code: code, Message: message})
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// checkExactKeys reports unexpected then missing top-level keys, sorted
// for deterministic diagnostics.
func checkExactKeys(errors []Diag, payload map[string]any, required []string, scope string) []Diag {
	requiredSet := map[string]bool{}
	for _, k := range required {
		requiredSet[k] = true
	}
	var unknown []string
	for k := range payload {
		if !requiredSet[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		errors = appendDiag(errors, ECodeInvalidFormat, fmt.Sprintf("unexpected %sfield: %s", scope, k))
	}
	var missing []string
	for _, k := range required {
		if _, ok := payload[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	for _, k := range missing {
		errors = appendDiag(errors, ECodeMissingField, fmt.Sprintf("missing %sfield: %s", scope, k))
	}
	return errors
}

func checkNextQuestion(errors []Diag, payload map[string]any) ([]Diag, string) {
	raw, _ := payload["next_question"].(string)
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return appendDiag(errors, ECodeMissingField, "missing next_question"), ""
	}
	if !strings.ContainsAny(trimmed, "?？") {
		return appendDiag(errors, ECodeInvalidFormat, "next_question must contain question mark"), trimmed
	}
	return errors, trimmed
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func stringListOrEmpty(v any) []string {
	if out := stringList(v); out != nil {
		return out
	}
	return []string{}
}

// normalizeEvidence validates a list of {command,result} items, appending
// diagnostics for malformed entries. label is "verification" or
// "execution_evidence".
func normalizeEvidence(errors []Diag, v any, label string) ([]Diag, []EvidenceItem) {
	items := []EvidenceItem{}
	list, ok := v.([]any)
	if !ok {
		if label == "verification" {
			return appendDiag(errors, ECodeMissingField, "verification must be list"), items
		}
		return appendDiag(errors, ECodeInvalidFormat, fmt.Sprintf("result.%s must be list", label)), items
	}
	for idx, raw := range list {
		item, ok := raw.(map[string]any)
		if !ok {
			errors = appendDiag(errors, ECodeInvalidFormat, fmt.Sprintf("invalid %s format at index %d", label, idx+1))
			continue
		}
		var unknown []string
		for k := range item {
			if k != "command" && k != "result" {
				unknown = append(unknown, k)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			errors = appendDiag(errors, ECodeInvalidFormat,
				fmt.Sprintf("%s item %d has unexpected field(s): %s", label, idx+1, strings.Join(unknown, ", ")))
		}
		cmd, cmdOK := item["command"].(string)
		res, resOK := item["result"].(string)
		if cmdOK && resOK {
			items = append(items, EvidenceItem{Command: cmd, Result: res})
			continue
		}
		errors = appendDiag(errors, ECodeInvalidFormat,
			fmt.Sprintf("%s item %d must include string command/result", label, idx+1))
	}
	return errors, items
}

// structuralBackstop runs the compiled JSON Schema over the payload. The
// field-level checks above it produce the precise diagnostics; the schema
// pass catches shape violations they coerce over (e.g. non-string members
// inside string arrays).
func structuralBackstop(role Role, payload map[string]any, errors []Diag) []Diag {
	if len(errors) > 0 {
		return errors
	}
	schema, err := CompiledSchemaFor(role)
	if err != nil {
		return errors
	}
	if err := schema.Validate(normalizeForSchema(payload)); err != nil {
		errors = appendDiag(errors, ECodeInvalidFormat, fmt.Sprintf("schema validation failed: %v", err))
	}
	return errors
}

// normalizeForSchema converts the decoded payload into the plain
// map/slice/float shapes the schema validator expects.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeForSchema(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeForSchema(e)
		}
		return out
	default:
		return v
	}
}

// ValidateContent checks one decoded agent payload against its role's
// structural shape and semantic rules. It is purely in-memory; filesystem
// checks belong to the safety gate.
func ValidateContent(role Role, payload map[string]any) *ValidationResult {
	result := &ValidationResult{OK: true, Warnings: []string{}}
	if payload == nil {
		result.AddError(ECodeInvalidFormat, "payload must be a JSON object")
		return result
	}

	var errors []Diag
	errors, nextQuestion := checkNextQuestion(errors, payload)

	switch role {
	case RoleReview:
		errors = checkExactKeys(errors, payload, []string{
			"schema_version", "status", "acceptance", "verification",
			"root_cause", "issues", "gate", "next_question", "warnings", "errors",
		}, "")
		if payload["schema_version"] != ReviewSchemaVersion {
			errors = appendDiag(errors, ECodeInvalidEnum, "invalid review schema_version")
		}
		status, _ := payload["status"].(string)
		if !containsString(AllowedStatus, status) {
			errors = appendDiag(errors, ECodeInvalidEnum, "invalid status enum")
		}
		acceptance, _ := payload["acceptance"].(string)
		if !containsString(AllowedAcceptance, acceptance) {
			errors = appendDiag(errors, ECodeInvalidEnum, "invalid acceptance enum")
		}

		var verification []EvidenceItem
		errors, verification = normalizeEvidence(errors, payload["verification"], "verification")
		if len(verification) < 2 {
			errors = appendDiag(errors, ECodeEvidenceMissing,
				"review requires at least two command/result verification entries")
		}

		issues := []Issue{}
		if rawIssues, ok := payload["issues"].([]any); ok {
			for idx, raw := range rawIssues {
				item, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				severity, _ := item["severity"].(string)
				summary, sumOK := item["summary"].(string)
				if !containsString(AllowedSeverity, severity) || !sumOK {
					errors = appendDiag(errors, ECodeInvalidFormat, fmt.Sprintf("invalid issue format at index %d", idx+1))
					continue
				}
				id, _ := item["id"].(string)
				if strings.TrimSpace(id) == "" {
					id = fmt.Sprintf("ISSUE-%03d", idx+1)
				}
				issues = append(issues, Issue{ID: id, Severity: severity, Summary: summary})
			}
		} else {
			errors = appendDiag(errors, ECodeMissingField, "issues must be list")
		}

		gate := Gate{Decision: "block", Conditions: []string{}}
		if rawGate, ok := payload["gate"].(map[string]any); ok {
			decision, _ := rawGate["decision"].(string)
			if !containsString(AllowedGateDecision, decision) {
				errors = appendDiag(errors, ECodeInvalidEnum, "invalid gate decision enum")
			} else {
				gate.Decision = decision
			}
			if conditions, ok := rawGate["conditions"].([]any); ok {
				gate.Conditions = stringListOrEmpty(conditions)
			} else {
				errors = appendDiag(errors, ECodeInvalidFormat, "gate.conditions must be list")
			}
		} else {
			errors = appendDiag(errors, ECodeMissingField, "gate must be object")
		}

		if acceptance == "pass" {
			for _, issue := range issues {
				if issue.Severity == "P0" || issue.Severity == "P1" {
					errors = appendDiag(errors, ECodeGateInconsistent,
						"acceptance=pass is inconsistent with P0/P1 issues")
					break
				}
			}
		}

		if status == "" {
			status = "failed"
		}
		if acceptance == "" {
			acceptance = "fail"
		}
		errors = structuralBackstop(role, payload, errors)
		result.Errors = errors
		result.OK = len(errors) == 0
		result.ParsedContent = &ReviewContent{
			SchemaVersion: ReviewSchemaVersion,
			Status:        status,
			Acceptance:    acceptance,
			Verification:  verification,
			RootCause:     stringListOrEmpty(payload["root_cause"]),
			Issues:        issues,
			Gate:          gate,
			NextQuestion:  nextQuestion,
			Warnings:      stringListOrEmpty(payload["warnings"]),
			Errors:        stringListOrEmpty(payload["errors"]),
		}
		return result

	case RolePlan:
		errors = checkExactKeys(errors, payload, []string{
			"schema_version", "status", "result", "next_question", "warnings", "errors",
		}, "")
		if payload["schema_version"] != PlanSchemaVersion {
			errors = appendDiag(errors, ECodeInvalidEnum, "invalid plan schema_version")
		}
		status, _ := payload["status"].(string)
		if !containsString(AllowedStatus, status) {
			errors = appendDiag(errors, ECodeInvalidEnum, "invalid status enum")
		}

		planResult := PlanResult{}
		if rawResult, ok := payload["result"].(map[string]any); ok {
			errors = checkExactKeys(errors, rawResult, []string{
				"requirement_breakdown", "implementation_scope", "acceptance_criteria", "handoff_notes",
			}, "result ")
			planResult.RequirementBreakdown = stringListOrEmpty(rawResult["requirement_breakdown"])
			if len(planResult.RequirementBreakdown) == 0 {
				errors = appendDiag(errors, ECodeInvalidFormat, "result.requirement_breakdown must be non-empty list")
			}
			planResult.AcceptanceCriteria = stringListOrEmpty(rawResult["acceptance_criteria"])
			if len(planResult.AcceptanceCriteria) == 0 {
				errors = appendDiag(errors, ECodeInvalidFormat, "result.acceptance_criteria must be non-empty list")
			}
			planResult.ImplementationScope, _ = rawResult["implementation_scope"].(string)
			planResult.HandoffNotes, _ = rawResult["handoff_notes"].(string)
		} else {
			errors = appendDiag(errors, ECodeMissingField, "result must be object")
		}

		if status == "" {
			status = "failed"
		}
		errors = structuralBackstop(role, payload, errors)
		result.Errors = errors
		result.OK = len(errors) == 0
		result.ParsedContent = &PlanContent{
			SchemaVersion: PlanSchemaVersion,
			Status:        status,
			Result:        planResult,
			NextQuestion:  nextQuestion,
			Warnings:      stringListOrEmpty(payload["warnings"]),
			Errors:        stringListOrEmpty(payload["errors"]),
		}
		return result

	default:
		errors = checkExactKeys(errors, payload, []string{
			"schema_version", "status", "result", "next_question", "warnings", "errors",
		}, "")
		if payload["schema_version"] != DeliverySchemaVersion {
			errors = appendDiag(errors, ECodeInvalidEnum, "invalid delivery schema_version")
		}
		status, _ := payload["status"].(string)
		if !containsString(AllowedStatus, status) {
			errors = appendDiag(errors, ECodeInvalidEnum, "invalid status enum")
		}

		deliveryResult := DeliveryResult{ExecutionEvidence: []EvidenceItem{}, Deliverables: []Deliverable{}}
		if rawResult, ok := payload["result"].(map[string]any); ok {
			errors = checkExactKeys(errors, rawResult, []string{
				"task_understanding", "implementation_plan", "execution_evidence",
				"risks_and_rollback", "deliverables",
			}, "result ")
			deliveryResult.TaskUnderstanding, _ = rawResult["task_understanding"].(string)
			deliveryResult.ImplementationPlan, _ = rawResult["implementation_plan"].(string)
			deliveryResult.RisksAndRollback, _ = rawResult["risks_and_rollback"].(string)
			errors, deliveryResult.ExecutionEvidence = normalizeEvidence(errors, rawResult["execution_evidence"], "execution_evidence")

			if rawDeliverables, ok := rawResult["deliverables"].([]any); ok {
				for idx, raw := range rawDeliverables {
					item, ok := raw.(map[string]any)
					if !ok {
						errors = appendDiag(errors, ECodeInvalidFormat, fmt.Sprintf("invalid deliverable format at index %d", idx+1))
						continue
					}
					path, pathOK := item["path"].(string)
					kind, _ := item["kind"].(string)
					summary, _ := item["summary"].(string)
					if !pathOK || strings.TrimSpace(path) == "" {
						errors = appendDiag(errors, ECodeInvalidFormat, fmt.Sprintf("deliverable %d must include path", idx+1))
						continue
					}
					if kind != "file" && kind != "dir" {
						errors = appendDiag(errors, ECodeInvalidEnum, fmt.Sprintf("deliverable %d kind must be file or dir", idx+1))
						continue
					}
					deliveryResult.Deliverables = append(deliveryResult.Deliverables, Deliverable{Path: path, Kind: kind, Summary: summary})
				}
			} else if _, present := rawResult["deliverables"]; present {
				errors = appendDiag(errors, ECodeInvalidFormat, "result.deliverables must be list")
			}
		} else {
			errors = appendDiag(errors, ECodeMissingField, "result must be object")
		}

		if status == "" {
			if len(deliveryResult.ExecutionEvidence) > 0 {
				status = "ok"
			} else {
				status = "partial"
			}
		}
		errors = structuralBackstop(role, payload, errors)
		result.Errors = errors
		result.OK = len(errors) == 0
		result.ParsedContent = &DeliveryContent{
			SchemaVersion: DeliverySchemaVersion,
			Status:        status,
			Result:        deliveryResult,
			NextQuestion:  nextQuestion,
			Warnings:      stringListOrEmpty(payload["warnings"]),
			Errors:        stringListOrEmpty(payload["errors"]),
		}
		return result
	}
}
