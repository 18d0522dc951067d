package agents

import (
	"context"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

// RiskScorer consumes the merged collection evidence and produces a risk
// score with supporting factors.
type RiskScorer struct{}

func NewRiskScorer() *RiskScorer { return &RiskScorer{} }

func (r *RiskScorer) Name() string { return CapRiskScorer }

func (r *RiskScorer) Execute(ctx context.Context, query string, tc task.Context) (*task.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var riskFactors []string
	score := 0.5

	if policies := payloadList(tc.Payload(CapPolicyRetriever), "policies"); len(policies) >= 2 {
		riskFactors = append(riskFactors, "multiple relevant policies identified")
		score -= 0.15
	} else {
		riskFactors = append(riskFactors, "limited policy coverage")
		score += 0.15
	}

	if evidence := payloadList(tc.Payload(CapEvidenceCollector), "evidence"); len(evidence) > 0 {
		if avgConfidence(evidence) > 0.8 {
			riskFactors = append(riskFactors, "high-confidence evidence found")
			score -= 0.15
		} else {
			riskFactors = append(riskFactors, "low-confidence evidence")
			score += 0.2
		}
	} else {
		riskFactors = append(riskFactors, "no supporting evidence collected")
		score += 0.2
	}

	if items := payloadInt(tc.Payload(CapCodeScanner), "compliance_items"); items >= 2 {
		riskFactors = append(riskFactors, "multiple compliance controls detected in code")
		score -= 0.1
	} else {
		riskFactors = append(riskFactors, "limited compliance controls in code")
		score += 0.15
	}

	// Degraded collection inputs are themselves a risk signal.
	for _, name := range []string{CapPolicyRetriever, CapEvidenceCollector, CapVisionOCR, CapCodeScanner} {
		if res, ok := tc.Result(name); ok && res.Status != task.StatusSuccess {
			riskFactors = append(riskFactors, "collection input "+name+" was "+string(res.Status))
			score += 0.1
		}
	}

	score = clamp01(score)

	confidence := 0.55
	for _, name := range []string{CapPolicyRetriever, CapEvidenceCollector, CapVisionOCR, CapCodeScanner} {
		if res, ok := tc.Result(name); ok && res.Status == task.StatusSuccess {
			confidence += 0.08
		}
	}
	confidence = clamp01(confidence)

	recommendation := "acceptable"
	if score > 0.6 {
		recommendation = "needs_review"
	}

	return &task.Result{
		Task:   CapRiskScorer,
		Status: task.StatusSuccess,
		Payload: map[string]any{
			"risk_score":     score,
			"confidence":     confidence,
			"risk_factors":   riskFactors,
			"recommendation": recommendation,
		},
	}, nil
}

// RedTeamCritic challenges the scored assessment. When the residual risk is
// high it raises suspension signals: first a clarification, then, once
// clarified, an approval gate. Each signal pauses the workflow for a human.
type RedTeamCritic struct{}

const criticRiskThreshold = 0.45

// maxQuestionsPerRound bounds how many suspension signals one critique can
// raise; extras queue and re-raise in order.
const maxQuestionsPerRound = 2

func NewRedTeamCritic() *RedTeamCritic { return &RedTeamCritic{} }

func (c *RedTeamCritic) Name() string { return CapRedTeamCritic }

func (c *RedTeamCritic) Execute(ctx context.Context, query string, tc task.Context) (*task.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	risk := payloadFloat(tc.Payload(CapRiskScorer), "risk_score", 0.5)

	var gaps, questions, challenges []string
	var requests []task.Suspension

	if risk >= criticRiskThreshold {
		gaps = append(gaps,
			"insufficient evidence for backup authentication methods",
			"no verification of policy enforcement in production",
		)
		challenges = append(challenges,
			"evidence suggests controls are implemented but lacks depth verification",
			"need human verification of actual system behavior",
		)

		hasClarification, hasApprovalAnswer, approved := summarizeAnswers(tc.HumanAnswers)
		switch {
		case !hasClarification:
			requests = append(requests, task.Suspension{
				Kind:   "clarification",
				Prompt: "What MFA channel is actually deployed, and is there a backup method if SMS is unavailable?",
			})
		case !hasApprovalAnswer:
			requests = append(requests, task.Suspension{
				Kind:   "approval",
				Prompt: "Residual risk remains elevated after clarification. Approve proceeding to a decision with the provided answers?",
			})
		case !approved:
			questions = append(questions, "approval to proceed was denied; scope of assessment unresolved")
		}
		if len(requests) > maxQuestionsPerRound {
			requests = requests[:maxQuestionsPerRound]
		}
	} else {
		gaps = append(gaps, "minor: could benefit from explicit policy version references")
		questions = append(questions, "Which specific version of the MFA policy applies?")
		challenges = append(challenges, "overall implementation appears compliant but needs final verification")
	}

	criticality := "low"
	switch {
	case risk > 0.7:
		criticality = "high"
	case risk > 0.4:
		criticality = "medium"
	}

	payload := map[string]any{
		"gaps_identified":     gaps,
		"follow_up_questions": questions,
		"challenges":          challenges,
		"criticality":         criticality,
		"needs_human":         len(requests) > 0,
		"answers_considered":  len(tc.HumanAnswers),
	}
	if len(requests) > 0 {
		payload["hitl_requests"] = suspensionsToAny(requests)
	}

	return &task.Result{
		Task:    CapRedTeamCritic,
		Status:  task.StatusSuccess,
		Payload: payload,
	}, nil
}

func summarizeAnswers(answers []task.HumanAnswer) (hasClarification, hasApprovalAnswer, approved bool) {
	for _, a := range answers {
		switch a.Kind {
		case "clarification", "upload_request":
			// A timed-out entry still counts as asked; re-asking the same
			// question would loop forever.
			hasClarification = true
		case "approval":
			hasApprovalAnswer = true
			if a.Approved {
				approved = true
			}
		}
	}
	return hasClarification, hasApprovalAnswer, approved
}

func suspensionsToAny(in []task.Suspension) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, map[string]any{
			"kind":              s.Kind,
			"prompt":            s.Prompt,
			"required_artifact": s.RequiredArtifact,
		})
	}
	return out
}

// Payload helpers shared by the analysis capabilities. Payloads may have
// round-tripped through JSON, so numeric types are not stable.

func payloadList(p map[string]any, key string) []any {
	if p == nil {
		return nil
	}
	list, _ := p[key].([]any)
	return list
}

func payloadInt(p map[string]any, key string) int {
	if p == nil {
		return 0
	}
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func payloadFloat(p map[string]any, key string, def float64) float64 {
	if p == nil {
		return def
	}
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func avgConfidence(items []any) float64 {
	if len(items) == 0 {
		return 0
	}
	total := 0.0
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			total += payloadFloat(m, "confidence", 0)
		}
	}
	return total / float64(len(items))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
