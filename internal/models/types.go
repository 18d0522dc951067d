package models

import (
	"errors"
	"time"
)

var (
	// ErrUnknownRequest is returned when a human response references a
	// request id that is not the session's current outstanding request.
	ErrUnknownRequest = errors.New("unknown or stale request id")

	// ErrRequestResolved is returned when a response arrives for a request
	// that has already been resolved or voided.
	ErrRequestResolved = errors.New("request already resolved")
)

// Decision is the final verdict of a compliance workflow.
type Decision string

const (
	DecisionCompliant            Decision = "compliant"
	DecisionNonCompliant         Decision = "non_compliant"
	DecisionInsufficientEvidence Decision = "insufficient_evidence"
)

// InterruptionKind categorizes what the workflow needs from the human.
type InterruptionKind string

const (
	InterruptionClarification InterruptionKind = "clarification"
	InterruptionApproval      InterruptionKind = "approval"
	InterruptionUpload        InterruptionKind = "upload_request"
)

// InteractionStatus records how a human interaction concluded.
type InteractionStatus string

const (
	InteractionProvided InteractionStatus = "provided"
	InteractionTimedOut InteractionStatus = "timed_out"
)

// Citation points at a chunk of collected evidence backing the rationale.
type Citation struct {
	DocID   string `json:"doc_id" validate:"required"`
	ChunkID string `json:"chunk_id" validate:"required"`
	Snippet string `json:"snippet"`
}

// HumanInteraction is one resolved entry in a session's interaction log.
type HumanInteraction struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      InterruptionKind  `json:"type"`
	Prompt    string            `json:"prompt"`
	Response  string            `json:"response"`
	Status    InteractionStatus `json:"status"`
}

// InterruptionRequest is the outward message asking a human for input.
// Immutable once created; resolved exactly once.
type InterruptionRequest struct {
	SessionID        string           `json:"session_id"`
	RequestID        string           `json:"request_id"`
	Kind             InterruptionKind `json:"kind"`
	Prompt           string           `json:"prompt"`
	RequiredArtifact string           `json:"required_artifact,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// HumanResponse is the inbound answer to an InterruptionRequest.
type HumanResponse struct {
	SessionID    string         `json:"session_id"`
	RequestID    string         `json:"request_id"`
	ResponseKind string         `json:"response_kind"` // "text", "approval", "upload"
	Payload      map[string]any `json:"payload"`
}

// Text extracts the human's answer as a plain string regardless of kind.
func (r HumanResponse) Text() string {
	if r.Payload == nil {
		return ""
	}
	if s, ok := r.Payload["text"].(string); ok {
		return s
	}
	if s, ok := r.Payload["response"].(string); ok {
		return s
	}
	if b, ok := r.Payload["approved"].(bool); ok {
		if b {
			return "approved"
		}
		return "denied"
	}
	return ""
}

// Approved reports whether an approval-kind response granted approval.
func (r HumanResponse) Approved() bool {
	if r.Payload == nil {
		return false
	}
	b, _ := r.Payload["approved"].(bool)
	return b
}

// ComplianceDecision is the final, schema-validated output of one session.
// Built once at finalization, immutable thereafter.
type ComplianceDecision struct {
	Decision          Decision           `json:"decision" validate:"required,oneof=compliant non_compliant insufficient_evidence"`
	Confidence        float64            `json:"confidence" validate:"gte=0,lte=1"`
	RiskScore         float64            `json:"risk_score" validate:"gte=0,lte=1"`
	Rationale         string             `json:"rationale" validate:"required"`
	Citations         []Citation         `json:"citations" validate:"dive"`
	OpenQuestions     []string           `json:"open_questions"`
	HumanInteractions []HumanInteraction `json:"human_interactions"`
}
