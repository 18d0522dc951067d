package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/agents"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/models"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/session"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

func healthySession() *session.Session {
	s := session.New("Does our login system meet MFA requirements?", nil, nil, time.Hour)
	s.RecordResult(&task.Result{Task: agents.CapPolicyRetriever, Status: task.StatusSuccess, Payload: map[string]any{
		"policies": []any{
			map[string]any{"doc_id": "POLICY-001", "chunk_id": "MFA-SEC-001", "snippet": "MFA required"},
			map[string]any{"doc_id": "POLICY-002", "chunk_id": "AUTH-REQ-003", "snippet": "Session timeout"},
		},
	}})
	s.RecordResult(&task.Result{Task: agents.CapEvidenceCollector, Status: task.StatusSuccess, Payload: map[string]any{
		"evidence": []any{
			map[string]any{"doc_id": "SPEC-001", "chunk_id": "LOGIN-FLOW-001", "snippet": "OTP flow", "confidence": 0.92},
		},
	}})
	s.RecordResult(&task.Result{Task: agents.CapVisionOCR, Status: task.StatusSuccess, Payload: map[string]any{
		"vision_evidence": []any{},
	}})
	s.RecordResult(&task.Result{Task: agents.CapCodeScanner, Status: task.StatusSuccess, Payload: map[string]any{
		"findings":         []any{map[string]any{"description": "MFA check"}},
		"compliance_items": 2,
	}})
	s.RecordResult(&task.Result{Task: agents.CapRiskScorer, Status: task.StatusSuccess, Payload: map[string]any{
		"risk_score": 0.1, "confidence": 0.87,
	}})
	s.RecordResult(&task.Result{Task: agents.CapRedTeamCritic, Status: task.StatusSuccess, Payload: map[string]any{
		"gaps_identified":     []any{"minor gap"},
		"follow_up_questions": []any{"Which policy version applies?"},
	}})
	return s
}

func TestBuildCompliantDecision(t *testing.T) {
	a := New(zaptest.NewLogger(t))
	d, err := a.Build(healthySession())
	require.NoError(t, err)

	assert.Equal(t, models.DecisionCompliant, d.Decision)
	assert.InDelta(t, 0.87, d.Confidence, 1e-9)
	assert.InDelta(t, 0.1, d.RiskScore, 1e-9)
	assert.Len(t, d.Citations, 3)
	assert.Equal(t, "POLICY-001", d.Citations[0].DocID)
	assert.Contains(t, d.OpenQuestions, "Which policy version applies?")
	assert.Empty(t, d.HumanInteractions)
	assert.NotEmpty(t, d.Rationale)
}

func TestBuildDropsUnresolvableCitations(t *testing.T) {
	s := healthySession()
	s.Context[agents.CapPolicyRetriever].Payload["policies"] = []any{
		map[string]any{"doc_id": "POLICY-001", "chunk_id": "MFA-SEC-001", "snippet": "good"},
		map[string]any{"snippet": "orphan with no source document"},
	}

	a := New(zaptest.NewLogger(t))
	d, err := a.Build(s)
	require.NoError(t, err)

	assert.Len(t, d.Citations, 2) // one policy + one evidence
	found := false
	for _, q := range d.OpenQuestions {
		if q == "a policy reference could not be resolved to collected evidence" {
			found = true
		}
	}
	assert.True(t, found, "dropped citation should surface as an open question")
}

func TestBuildForcesInsufficientOnStarvedCollection(t *testing.T) {
	s := session.New("Review legacy mainframe compliance", nil, nil, time.Hour)
	for _, cap := range []string{agents.CapPolicyRetriever, agents.CapEvidenceCollector, agents.CapCodeScanner} {
		s.RecordResult(&task.Result{Task: cap, Status: task.StatusDegraded, Payload: map[string]any{}})
	}
	s.RecordResult(&task.Result{Task: agents.CapVisionOCR, Status: task.StatusSuccess, Payload: map[string]any{
		"vision_evidence": []any{},
	}})
	// The scorer ran and even claims confidence; the override wins anyway.
	s.RecordResult(&task.Result{Task: agents.CapRiskScorer, Status: task.StatusSuccess, Payload: map[string]any{
		"risk_score": 0.2, "confidence": 0.9,
	}})

	a := New(zaptest.NewLogger(t))
	d, err := a.Build(s)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionInsufficientEvidence, d.Decision)
	assert.Zero(t, d.Confidence)
}

func TestBuildForcesInsufficientOnScoringFailure(t *testing.T) {
	s := healthySession()
	s.RecordResult(&task.Result{Task: agents.CapRiskScorer, Status: task.StatusFailed, Error: "scorer down"})

	a := New(zaptest.NewLogger(t))
	d, err := a.Build(s)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionInsufficientEvidence, d.Decision)
	assert.Zero(t, d.Confidence)
}

func TestBuildForcesInsufficientOnTimedOutInteraction(t *testing.T) {
	s := healthySession()
	s.RecordInteraction(models.InterruptionApproval, "proceed?", "", models.InteractionTimedOut)

	a := New(zaptest.NewLogger(t))
	d, err := a.Build(s)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionInsufficientEvidence, d.Decision)
	assert.Zero(t, d.Confidence)
	require.Len(t, d.HumanInteractions, 1)
	assert.Equal(t, models.InteractionTimedOut, d.HumanInteractions[0].Status)
}

func TestBuildNormalizesScores(t *testing.T) {
	s := healthySession()
	s.Context[agents.CapRiskScorer].Payload["risk_score"] = 1.7
	s.Context[agents.CapRiskScorer].Payload["confidence"] = -0.4

	a := New(zaptest.NewLogger(t))
	d, err := a.Build(s)
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.RiskScore)
	assert.Equal(t, 0.0, d.Confidence)
}

func TestBuildFailsWithoutAnyResults(t *testing.T) {
	s := session.New("q", nil, nil, time.Hour)
	a := New(zaptest.NewLogger(t))
	_, err := a.Build(s)
	assert.ErrorIs(t, err, ErrNoDecisionBearingResult)
}

func TestDecideThresholds(t *testing.T) {
	tests := []struct {
		risk, confidence float64
		want             models.Decision
	}{
		{0.1, 0.9, models.DecisionCompliant},
		{0.29, 0.81, models.DecisionCompliant},
		{0.45, 0.87, models.DecisionNonCompliant},
		{0.75, 0.9, models.DecisionInsufficientEvidence},
		{0.4, 0.5, models.DecisionInsufficientEvidence},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, decide(tt.risk, tt.confidence), "risk=%v conf=%v", tt.risk, tt.confidence)
	}
}
