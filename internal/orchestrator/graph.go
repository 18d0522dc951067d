package orchestrator

import (
	"time"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/agents"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

// DefaultSpecs builds the standard compliance assessment graph: four
// collection tasks fan out in parallel, risk scoring joins them, and the
// red-team critique gates the result.
func DefaultSpecs(timeout time.Duration, maxRetries int) []task.Spec {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	collection := []string{
		agents.CapPolicyRetriever,
		agents.CapEvidenceCollector,
		agents.CapVisionOCR,
		agents.CapCodeScanner,
	}

	specs := make([]task.Spec, 0, len(collection)+2)
	for _, name := range collection {
		specs = append(specs, task.Spec{
			Name:       name,
			Capability: name,
			Timeout:    timeout,
			MaxRetries: maxRetries,
		})
	}
	specs = append(specs,
		task.Spec{
			Name:       agents.CapRiskScorer,
			Capability: agents.CapRiskScorer,
			DependsOn:  collection,
			Timeout:    timeout,
			MaxRetries: maxRetries,
		},
		task.Spec{
			Name:       agents.CapRedTeamCritic,
			Capability: agents.CapRedTeamCritic,
			DependsOn:  []string{agents.CapRiskScorer},
			Timeout:    timeout,
			MaxRetries: maxRetries,
		},
	)
	return specs
}
