package aggregator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/agents"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/models"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/session"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

// ErrNoDecisionBearingResult indicates the merged context cannot satisfy
// the output schema at all. This is a program-invariant violation that
// abandons the session, not a business outcome.
var ErrNoDecisionBearingResult = errors.New("no decision-bearing task result in session context")

var collectionCapabilities = []string{
	agents.CapPolicyRetriever,
	agents.CapEvidenceCollector,
	agents.CapVisionOCR,
	agents.CapCodeScanner,
}

// Aggregator merges final task outputs into one schema-checked decision
// record with full provenance.
type Aggregator struct {
	validate *validator.Validate
	logger   *zap.Logger
}

// New creates an aggregator.
func New(logger *zap.Logger) *Aggregator {
	return &Aggregator{validate: validator.New(), logger: logger}
}

// Build constructs the ComplianceDecision from the session context. The
// business-rule override takes precedence over upstream output: if the
// collection or scoring stages produced nothing usable, or a human window
// timed out, the decision is forced to insufficient_evidence.
func (a *Aggregator) Build(s *session.Session) (*models.ComplianceDecision, error) {
	if len(s.Context) == 0 {
		return nil, ErrNoDecisionBearingResult
	}

	citations, dropped := a.collectCitations(s)

	riskPayload := payload(s, agents.CapRiskScorer)
	risk := clamp01(floatField(riskPayload, "risk_score", 0.5))
	confidence := clamp01(floatField(riskPayload, "confidence", 0.5))

	decision := decide(risk, confidence)

	var rationale []string
	rationale = append(rationale,
		fmt.Sprintf("Risk assessment score: %.2f", risk),
		fmt.Sprintf("Analysis confidence: %.2f", confidence),
	)

	if n := len(listField(payload(s, agents.CapPolicyRetriever), "policies")); n > 0 {
		rationale = append(rationale, fmt.Sprintf("Found %d relevant policy references", n))
	}
	if n := len(listField(payload(s, agents.CapEvidenceCollector), "evidence")); n > 0 {
		rationale = append(rationale, fmt.Sprintf("Identified %d pieces of supporting evidence", n))
	}
	if n := len(listField(payload(s, agents.CapVisionOCR), "vision_evidence")); n > 0 {
		rationale = append(rationale, fmt.Sprintf("Processed %d visual/OCR evidence items", n))
	}
	if n := intField(payload(s, agents.CapCodeScanner), "compliance_items"); n > 0 {
		rationale = append(rationale, fmt.Sprintf("Code analysis found %d compliance-relevant implementations", n))
	}

	var openQuestions []string
	criticPayload := payload(s, agents.CapRedTeamCritic)
	if gaps := stringsField(criticPayload, "gaps_identified"); len(gaps) > 0 {
		rationale = append(rationale, fmt.Sprintf("Critic identified %d potential gaps", len(gaps)))
	}
	openQuestions = append(openQuestions, stringsField(criticPayload, "follow_up_questions")...)
	openQuestions = append(openQuestions, dropped...)

	// Signals still queued at finalization were never raised (round cap);
	// they surface as open questions instead of silently disappearing.
	for _, sig := range s.PendingSignals {
		openQuestions = append(openQuestions, "unresolved human input request: "+sig.Prompt)
	}

	if n := len(s.HumanAnswers); n > 0 {
		rationale = append(rationale, fmt.Sprintf("Incorporated %d human-provided answers", n))
	}

	// Business-rule overrides.
	switch {
	case a.collectionStarved(s):
		decision = models.DecisionInsufficientEvidence
		confidence = 0
		rationale = append(rationale, "Evidence collection produced no usable material; decision forced to insufficient_evidence")
	case a.scoringDead(s):
		decision = models.DecisionInsufficientEvidence
		confidence = 0
		rationale = append(rationale, "Risk scoring did not complete; decision forced to insufficient_evidence")
	case timedOut(s.Interactions):
		decision = models.DecisionInsufficientEvidence
		confidence = 0
		rationale = append(rationale, "A required human response window expired; decision forced to insufficient_evidence")
	}

	out := &models.ComplianceDecision{
		Decision:          decision,
		Confidence:        clamp01(confidence),
		RiskScore:         risk,
		Rationale:         strings.Join(rationale, ". ") + ".",
		Citations:         citations,
		OpenQuestions:     openQuestions,
		HumanInteractions: append([]models.HumanInteraction(nil), s.Interactions...),
	}

	if err := a.validate.Struct(out); err != nil {
		return nil, fmt.Errorf("decision failed schema validation: %w", err)
	}
	return out, nil
}

// collectCitations pulls citation-shaped entries from the collection
// payloads. Unresolvable references are dropped and reported as open
// questions rather than emitted half-formed.
func (a *Aggregator) collectCitations(s *session.Session) ([]models.Citation, []string) {
	var citations []models.Citation
	var dropped []string

	add := func(source string, items []any, snippetKey string) {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			c := models.Citation{}
			c.DocID, _ = m["doc_id"].(string)
			c.ChunkID, _ = m["chunk_id"].(string)
			c.Snippet, _ = m[snippetKey].(string)
			if c.DocID == "" || c.ChunkID == "" {
				dropped = append(dropped, fmt.Sprintf("a %s reference could not be resolved to collected evidence", source))
				continue
			}
			citations = append(citations, c)
		}
	}

	add("policy", listField(payload(s, agents.CapPolicyRetriever), "policies"), "snippet")
	add("evidence", listField(payload(s, agents.CapEvidenceCollector), "evidence"), "snippet")
	add("visual evidence", listField(payload(s, agents.CapVisionOCR), "vision_evidence"), "content")
	return citations, dropped
}

// collectionStarved reports whether no collection-stage task produced a
// successful result carrying any evidence items.
func (a *Aggregator) collectionStarved(s *session.Session) bool {
	for _, cap := range collectionCapabilities {
		res, ok := s.Context[cap]
		if !ok || res.Status != task.StatusSuccess {
			continue
		}
		switch cap {
		case agents.CapPolicyRetriever:
			if len(listField(res.Payload, "policies")) > 0 {
				return false
			}
		case agents.CapEvidenceCollector:
			if len(listField(res.Payload, "evidence")) > 0 {
				return false
			}
		case agents.CapVisionOCR:
			if len(listField(res.Payload, "vision_evidence")) > 0 {
				return false
			}
		case agents.CapCodeScanner:
			if len(listField(res.Payload, "findings")) > 0 {
				return false
			}
		}
	}
	return true
}

func (a *Aggregator) scoringDead(s *session.Session) bool {
	res, ok := s.Context[agents.CapRiskScorer]
	return !ok || res.Status != task.StatusSuccess
}

func timedOut(interactions []models.HumanInteraction) bool {
	for _, i := range interactions {
		if i.Status == models.InteractionTimedOut {
			return true
		}
	}
	return false
}

// decide applies the decision thresholds to the normalized scores.
func decide(risk, confidence float64) models.Decision {
	switch {
	case risk < 0.3 && confidence > 0.8:
		return models.DecisionCompliant
	case risk > 0.7 || confidence < 0.6:
		return models.DecisionInsufficientEvidence
	default:
		return models.DecisionNonCompliant
	}
}

func payload(s *session.Session, name string) map[string]any {
	if r, ok := s.Context[name]; ok {
		return r.Payload
	}
	return nil
}

func listField(p map[string]any, key string) []any {
	if p == nil {
		return nil
	}
	l, _ := p[key].([]any)
	return l
}

func stringsField(p map[string]any, key string) []string {
	if p == nil {
		return nil
	}
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intField(p map[string]any, key string) int {
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

func floatField(p map[string]any, key string, def float64) float64 {
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

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
