package task

import (
	"time"
)

// Status is the outcome classification of a task execution.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusDegraded Status = "degraded"
)

// Spec describes one unit of work in a session's task graph.
// Immutable once the graph is built.
type Spec struct {
	Name       string        `json:"name"`
	DependsOn  []string      `json:"depends_on,omitempty"`
	Capability string        `json:"capability"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
}

// Result is the outcome of one task execution attempt. Superseded results
// after a resume replace the previous entry in the session context.
type Result struct {
	Task     string         `json:"task"`
	Status   Status         `json:"status"`
	Payload  map[string]any `json:"payload,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Suspension is a request for human input carried inside a task payload.
// The core interprets it as a pause signal, never as a failure.
type Suspension struct {
	Kind             string `json:"kind"`
	Prompt           string `json:"prompt"`
	RequiredArtifact string `json:"required_artifact,omitempty"`
}

// Suspensions extracts suspension signals from the result payload, in the
// order the capability produced them. Only successful results may suspend.
func (r *Result) Suspensions() []Suspension {
	if r == nil || r.Status != StatusSuccess || r.Payload == nil {
		return nil
	}
	needs, _ := r.Payload["needs_human"].(bool)
	if !needs {
		return nil
	}
	raw, ok := r.Payload["hitl_requests"]
	if !ok {
		return nil
	}
	var out []Suspension
	switch reqs := raw.(type) {
	case []Suspension:
		out = append(out, reqs...)
	case []any:
		// Payloads round-tripped through JSON arrive as generic maps.
		for _, item := range reqs {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			s := Suspension{}
			s.Kind, _ = m["kind"].(string)
			s.Prompt, _ = m["prompt"].(string)
			s.RequiredArtifact, _ = m["required_artifact"].(string)
			if s.Prompt != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// HumanAnswer is a resolved human response made visible to capabilities.
type HumanAnswer struct {
	Kind     string `json:"kind"`
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
	Approved bool   `json:"approved,omitempty"`
}

// Context is the read-only view a capability receives: the query, any
// attachments, every upstream result, and all resolved human answers.
type Context struct {
	Query        string
	Attachments  []string
	Results      map[string]*Result
	HumanAnswers []HumanAnswer
}

// Result returns the latest result for the named task, if any.
func (c Context) Result(name string) (*Result, bool) {
	r, ok := c.Results[name]
	return r, ok
}

// Payload returns the payload of the named task's result, or nil.
func (c Context) Payload(name string) map[string]any {
	if r, ok := c.Results[name]; ok {
		return r.Payload
	}
	return nil
}
