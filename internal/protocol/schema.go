package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// questionPattern requires at least one half- or full-width question mark.
const questionPattern = ".*[？?].*"

func evidenceItemSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"command", "result"},
		"properties": map[string]any{
			"command": map[string]any{"type": "string"},
			"result":  map[string]any{"type": "string"},
		},
	}
}

func stringArraySchema() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}

func enumSchema(values []string) map[string]any {
	items := make([]any, len(values))
	for i, v := range values {
		items[i] = v
	}
	return map[string]any{"type": "string", "enum": items}
}

// SchemaFor returns the JSON Schema document for one role's output
// payload. The same document is compiled for validation and rendered into
// the agent prompt as the output contract.
func SchemaFor(role Role) map[string]any {
	nextQuestion := map[string]any{
		"type":      "string",
		"minLength": 1,
		"pattern":   questionPattern,
	}

	switch role {
	case RoleReview:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required": []any{
				"schema_version", "status", "acceptance", "verification",
				"root_cause", "issues", "gate", "next_question", "warnings", "errors",
			},
			"properties": map[string]any{
				"schema_version": enumSchema([]string{ReviewSchemaVersion}),
				"status":         enumSchema(AllowedStatus),
				"acceptance":     enumSchema(AllowedAcceptance),
				"verification": map[string]any{
					"type":     "array",
					"minItems": 2,
					"items":    evidenceItemSchema(),
				},
				"root_cause": stringArraySchema(),
				"issues": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"required":             []any{"severity", "summary"},
						"properties": map[string]any{
							"id":       map[string]any{"type": "string"},
							"severity": enumSchema(AllowedSeverity),
							"summary":  map[string]any{"type": "string"},
						},
					},
				},
				"gate": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []any{"decision", "conditions"},
					"properties": map[string]any{
						"decision":   enumSchema(AllowedGateDecision),
						"conditions": stringArraySchema(),
					},
				},
				"next_question": nextQuestion,
				"warnings":      stringArraySchema(),
				"errors":        map[string]any{"type": "array"},
			},
		}
	case RolePlan:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required": []any{
				"schema_version", "status", "result", "next_question", "warnings", "errors",
			},
			"properties": map[string]any{
				"schema_version": enumSchema([]string{PlanSchemaVersion}),
				"status":         enumSchema(AllowedStatus),
				"result": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required": []any{
						"requirement_breakdown", "implementation_scope",
						"acceptance_criteria", "handoff_notes",
					},
					"properties": map[string]any{
						"requirement_breakdown": map[string]any{
							"type":     "array",
							"minItems": 1,
							"items":    map[string]any{"type": "string"},
						},
						"implementation_scope": map[string]any{"type": "string"},
						"acceptance_criteria": map[string]any{
							"type":     "array",
							"minItems": 1,
							"items":    map[string]any{"type": "string"},
						},
						"handoff_notes": map[string]any{"type": "string"},
					},
				},
				"next_question": nextQuestion,
				"warnings":      stringArraySchema(),
				"errors":        map[string]any{"type": "array"},
			},
		}
	default:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required": []any{
				"schema_version", "status", "result", "next_question", "warnings", "errors",
			},
			"properties": map[string]any{
				"schema_version": enumSchema([]string{DeliverySchemaVersion}),
				"status":         enumSchema(AllowedStatus),
				"result": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required": []any{
						"task_understanding", "implementation_plan",
						"execution_evidence", "risks_and_rollback", "deliverables",
					},
					"properties": map[string]any{
						"task_understanding":  map[string]any{"type": "string"},
						"implementation_plan": map[string]any{"type": "string"},
						"execution_evidence": map[string]any{
							"type":  "array",
							"items": evidenceItemSchema(),
						},
						"risks_and_rollback": map[string]any{"type": "string"},
						"deliverables": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type":                 "object",
								"additionalProperties": false,
								"required":             []any{"path", "kind", "summary"},
								"properties": map[string]any{
									"path":    map[string]any{"type": "string"},
									"kind":    enumSchema([]string{"dir", "file"}),
									"summary": map[string]any{"type": "string"},
								},
							},
						},
					},
				},
				"next_question": nextQuestion,
				"warnings":      stringArraySchema(),
				"errors":        map[string]any{"type": "array"},
			},
		}
	}
}

// RenderSchema returns the role schema as indented JSON for embedding in
// agent prompts.
func RenderSchema(role Role) string {
	b, err := json.MarshalIndent(SchemaFor(role), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

var (
	compiledMu sync.Mutex
	compiled   = map[Role]*jsonschema.Schema{}
)

// CompiledSchemaFor compiles (and caches) the role schema.
func CompiledSchemaFor(role Role) (*jsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if s, ok := compiled[role]; ok {
		return s, nil
	}
	doc, err := json.Marshal(SchemaFor(role))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	name := fmt.Sprintf("%s.schema.json", role)
	if err := c.AddResource(name, strings.NewReader(string(doc))); err != nil {
		return nil, err
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, err
	}
	compiled[role] = s
	return s, nil
}
