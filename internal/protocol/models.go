// Package protocol defines the role payload shapes exchanged between the
// orchestrator and its agents, the JSON Schemas describing them, and the
// structural + semantic validators.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Immutable schema version tags.
const (
	EnvelopeSchemaVersion = "friendsbar.envelope.v1"
	TaskSchemaVersion     = "friendsbar.task.v1"
	PlanSchemaVersion     = "friendsbar.plan.v1"
	DeliverySchemaVersion = "friendsbar.delivery.v1"
	ReviewSchemaVersion   = "friendsbar.review.v1"
)

// Role names the three payload shapes.
type Role string

const (
	RolePlan     Role = "plan"
	RoleDelivery Role = "delivery"
	RoleReview   Role = "review"
)

// SchemaVersionFor returns the version tag expected from a role.
func SchemaVersionFor(role Role) string {
	switch role {
	case RolePlan:
		return PlanSchemaVersion
	case RoleReview:
		return ReviewSchemaVersion
	default:
		return DeliverySchemaVersion
	}
}

// Enum domains.
var (
	AllowedEnvelopeRoles = []string{"task", "review", "final", "error", "observation"}
	AllowedStatus        = []string{"failed", "ok", "partial"}
	AllowedAcceptance    = []string{"conditional", "fail", "pass"}
	AllowedGateDecision  = []string{"allow", "block", "conditional"}
	AllowedSeverity      = []string{"P0", "P1", "P2"}
)

// EvidenceItem is one command/result pair in execution evidence or review
// verification.
type EvidenceItem struct {
	Command string `json:"command"`
	Result  string `json:"result"`
}

// Deliverable declares one produced artifact relative to the run workdir.
type Deliverable struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Summary string `json:"summary"`
}

// Issue is one review finding.
type Issue struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Summary  string `json:"summary"`
}

// Gate is the review regression gate.
type Gate struct {
	Decision   string   `json:"decision"`
	Conditions []string `json:"conditions"`
}

// PlanContent is the normalized plan payload.
type PlanContent struct {
	SchemaVersion string     `json:"schema_version"`
	Status        string     `json:"status"`
	Result        PlanResult `json:"result"`
	NextQuestion  string     `json:"next_question"`
	Warnings      []string   `json:"warnings"`
	Errors        []string   `json:"errors"`
}

type PlanResult struct {
	RequirementBreakdown []string `json:"requirement_breakdown"`
	ImplementationScope  string   `json:"implementation_scope"`
	AcceptanceCriteria   []string `json:"acceptance_criteria"`
	HandoffNotes         string   `json:"handoff_notes"`
}

// DeliveryContent is the normalized delivery payload.
type DeliveryContent struct {
	SchemaVersion string         `json:"schema_version"`
	Status        string         `json:"status"`
	Result        DeliveryResult `json:"result"`
	NextQuestion  string         `json:"next_question"`
	Warnings      []string       `json:"warnings"`
	Errors        []string       `json:"errors"`
}

type DeliveryResult struct {
	TaskUnderstanding  string         `json:"task_understanding"`
	ImplementationPlan string         `json:"implementation_plan"`
	ExecutionEvidence  []EvidenceItem `json:"execution_evidence"`
	RisksAndRollback   string         `json:"risks_and_rollback"`
	Deliverables       []Deliverable  `json:"deliverables"`
}

// ReviewContent is the normalized review payload.
type ReviewContent struct {
	SchemaVersion string         `json:"schema_version"`
	Status        string         `json:"status"`
	Acceptance    string         `json:"acceptance"`
	Verification  []EvidenceItem `json:"verification"`
	RootCause     []string       `json:"root_cause"`
	Issues        []Issue        `json:"issues"`
	Gate          Gate           `json:"gate"`
	NextQuestion  string         `json:"next_question"`
	Warnings      []string       `json:"warnings"`
	Errors        []string       `json:"errors"`
}

// Envelope is the orchestrator -> agent hand-off record. It is constructed
// once per run and audited, never sent on the agent wire.
type Envelope struct {
	MessageID     string         `json:"message_id"`
	TraceID       string         `json:"trace_id"`
	SchemaVersion string         `json:"schema_version"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Role          string         `json:"role"`
	Timestamp     string         `json:"timestamp"`
	Content       map[string]any `json:"content"`
	Attachments   []any          `json:"attachments"`
	Meta          map[string]any `json:"meta"`
}

// TaskEnvelopeParams feed BuildTaskEnvelope.
type TaskEnvelopeParams struct {
	TraceID               string
	Sender                string
	Recipient             string
	Intent                string
	UserRequest           string
	Workdir               string
	TimeoutLevel          string
	ExpectedSchemaVersion string
}

// BuildTaskEnvelope creates one task envelope.
func BuildTaskEnvelope(p TaskEnvelopeParams) Envelope {
	return Envelope{
		MessageID:     uuid.New().String(),
		TraceID:       p.TraceID,
		SchemaVersion: EnvelopeSchemaVersion,
		Sender:        p.Sender,
		Recipient:     p.Recipient,
		Role:          "task",
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Content: map[string]any{
			"schema_version": TaskSchemaVersion,
			"intent":         p.Intent,
			"inputs": map[string]any{
				"user_request": p.UserRequest,
				"workdir":      p.Workdir,
			},
			"constraints": map[string]any{
				"timeout_level": p.TimeoutLevel,
			},
			"expected_outputs": map[string]any{
				"schema_version": p.ExpectedSchemaVersion,
			},
		},
		Attachments: []any{},
		Meta:        map[string]any{},
	}
}
