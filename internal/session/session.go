package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/models"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned for a state change the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrTerminal is returned when mutating a finalized or abandoned session.
	ErrTerminal = errors.New("session is in a terminal state")
)

// State is the authoritative lifecycle position of one session's workflow.
type State string

const (
	StateInitiated     State = "INITIATED"
	StateCollecting    State = "COLLECTING"
	StateScoring       State = "SCORING"
	StateCritiquing    State = "CRITIQUING"
	StateAwaitingHuman State = "AWAITING_HUMAN"
	StateFinalizing    State = "FINALIZING"
	StateFinalized     State = "FINALIZED"
	StateAbandoned     State = "ABANDONED"
)

// transitions lists the permitted next states. ABANDONED is reachable from
// any non-terminal state and is handled separately.
var transitions = map[State][]State{
	StateInitiated:     {StateCollecting},
	StateCollecting:    {StateScoring, StateAwaitingHuman, StateFinalizing},
	StateScoring:       {StateCritiquing, StateAwaitingHuman, StateFinalizing},
	StateCritiquing:    {StateAwaitingHuman, StateFinalizing},
	StateAwaitingHuman: {StateCollecting, StateScoring, StateCritiquing, StateFinalizing},
	StateFinalizing:    {StateFinalized},
}

// Session is the unit of workflow state for one query, spanning any number
// of suspend/resume cycles. The orchestrator is its sole writer.
type Session struct {
	ID          string    `json:"id"`
	Query       string    `json:"query"`
	Attachments []string  `json:"attachments,omitempty"`
	State       State     `json:"state"`

	// ResumeState is the state that preceded a suspension; execution
	// returns there once the outstanding request resolves.
	ResumeState State `json:"resume_state,omitempty"`

	// TaskSpecs carries the graph definition so a reloaded session can
	// rebuild its graph and resume from the last checkpoint.
	TaskSpecs []task.Spec `json:"task_specs"`

	// Context maps task name to its latest result; superseded results are
	// replaced, not appended.
	Context map[string]*task.Result `json:"context"`

	// HumanAnswers accumulates resolved answers in resolution order for
	// capabilities to consume on re-execution.
	HumanAnswers []task.HumanAnswer `json:"human_answers,omitempty"`

	// Interactions is the ordered log of every human interaction.
	Interactions []models.HumanInteraction `json:"interactions"`

	// Outstanding is the single in-flight interruption request, if any.
	Outstanding *models.InterruptionRequest `json:"outstanding,omitempty"`

	// ResolvedRequests lists request ids already answered or expired, so a
	// duplicate response is rejected as resolved rather than unknown.
	ResolvedRequests []string `json:"resolved_requests,omitempty"`

	// PendingSignals queues suspension signals produced while another
	// request was outstanding; re-raised FIFO.
	PendingSignals []task.Suspension `json:"pending_signals,omitempty"`

	// SuspendedBy names the task whose result raised the current
	// suspension; its result is replaced on resume so it re-executes.
	SuspendedBy string `json:"suspended_by,omitempty"`

	HITLRounds int `json:"hitl_rounds"`

	Decision *models.ComplianceDecision `json:"decision,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deadline  time.Time `json:"deadline"`
}

// New creates a session in INITIATED with the given graph and deadline.
func New(query string, attachments []string, specs []task.Spec, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:          uuid.New().String(),
		Query:       query,
		Attachments: attachments,
		State:       StateInitiated,
		TaskSpecs:   specs,
		Context:     make(map[string]*task.Result),
		CreatedAt:   now,
		UpdatedAt:   now,
		Deadline:    now.Add(ttl),
	}
}

// Transition moves the session to the next state, enforcing the lifecycle.
func (s *Session) Transition(to State) error {
	if s.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, s.State)
	}
	if to == StateAbandoned {
		s.State = StateAbandoned
		s.UpdatedAt = time.Now()
		return nil
	}
	for _, allowed := range transitions[s.State] {
		if allowed == to {
			s.State = to
			s.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
}

// IsTerminal reports whether the session reached FINALIZED or ABANDONED.
func (s *Session) IsTerminal() bool {
	return s.State == StateFinalized || s.State == StateAbandoned
}

// Expired reports whether the global deadline has elapsed.
func (s *Session) Expired() bool {
	return time.Now().After(s.Deadline)
}

// TaskContext builds the capability-facing view of this session.
func (s *Session) TaskContext() task.Context {
	return task.Context{
		Query:        s.Query,
		Attachments:  s.Attachments,
		Results:      s.Context,
		HumanAnswers: s.HumanAnswers,
	}
}

// RecordResult merges a completed result into the session context,
// replacing any superseded entry.
func (s *Session) RecordResult(r *task.Result) {
	if s.Context == nil {
		s.Context = make(map[string]*task.Result)
	}
	s.Context[r.Task] = r
	s.UpdatedAt = time.Now()
}

// RecordInteraction appends to the ordered interaction log.
func (s *Session) RecordInteraction(kind models.InterruptionKind, prompt, response string, status models.InteractionStatus) {
	s.Interactions = append(s.Interactions, models.HumanInteraction{
		Timestamp: time.Now().UTC(),
		Type:      kind,
		Prompt:    prompt,
		Response:  response,
		Status:    status,
	})
	s.UpdatedAt = time.Now()
}
