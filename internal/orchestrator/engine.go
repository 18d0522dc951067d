package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/aggregator"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/agents"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/db"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/executor"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/hitl"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/metrics"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/models"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/session"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/store"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/streaming"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

var (
	// ErrSessionTerminal is returned when acting on a finalized or
	// abandoned session.
	ErrSessionTerminal = errors.New("session already reached a terminal state")

	// ErrSessionExpired is returned when the session's global deadline has
	// passed; the session is abandoned as a side effect.
	ErrSessionExpired = errors.New("session deadline expired")
)

// Auditor receives durable audit records. *db.Writer is the production
// implementation; nil disables auditing.
type Auditor interface {
	QueueSessionArchive(*db.SessionArchive)
	QueueInteraction(*db.InteractionRecord)
	QueueDecision(*db.DecisionRecord)
}

// Options wires an Engine.
type Options struct {
	Store    store.Repository
	Invoker  executor.Invoker
	Stream   *streaming.Manager
	Audit    Auditor // optional
	Logger   *zap.Logger
	Workflow WorkflowOptions
}

// WorkflowOptions tunes run behavior.
type WorkflowOptions struct {
	// MaxHITLRounds caps interruption requests per session; further
	// suspension signals become open questions in the final decision.
	MaxHITLRounds int

	// HumanResponseDeadline bounds how long one outstanding request may
	// wait before it times out.
	HumanResponseDeadline time.Duration

	// SessionTTL is the global per-session deadline.
	SessionTTL time.Duration

	// TaskTimeout and TaskRetries feed the default graph specs.
	TaskTimeout time.Duration
	TaskRetries int
}

func (w *WorkflowOptions) applyDefaults() {
	if w.MaxHITLRounds <= 0 {
		w.MaxHITLRounds = 3
	}
	if w.HumanResponseDeadline <= 0 {
		w.HumanResponseDeadline = 30 * time.Minute
	}
	if w.SessionTTL <= 0 {
		w.SessionTTL = 24 * time.Hour
	}
	if w.TaskTimeout <= 0 {
		w.TaskTimeout = 30 * time.Second
	}
}

// Engine drives compliance sessions from intake to a final decision. It is
// the sole writer of session state: every mutation happens under the
// per-session lock and is checkpointed to the store, so a response arriving
// after a process restart finds the same suspension it left.
type Engine struct {
	store   store.Repository
	invoker executor.Invoker
	stream  *streaming.Manager
	audit   Auditor
	hitl    *hitl.Manager
	agg     *aggregator.Aggregator
	logger  *zap.Logger
	wf      WorkflowOptions

	locks  sync.Map // session id -> *sync.Mutex
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates an engine.
func New(opts Options) *Engine {
	opts.Workflow.applyDefaults()
	e := &Engine{
		store:   opts.Store,
		invoker: opts.Invoker,
		stream:  opts.Stream,
		audit:   opts.Audit,
		agg:     aggregator.New(opts.Logger),
		logger:  opts.Logger,
		wf:      opts.Workflow,
		timers:  make(map[string]*time.Timer),
	}
	e.hitl = hitl.NewManager(opts.Logger, e.wf.MaxHITLRounds, e.emitInterruption)
	return e
}

// StartQuery creates a session for the query and drives it until it either
// finalizes or suspends for human input. The returned session is a
// snapshot: AWAITING_HUMAN with the outstanding request, or terminal with
// the decision.
func (e *Engine) StartQuery(ctx context.Context, query string, attachments []string) (*session.Session, error) {
	specs := DefaultSpecs(e.wf.TaskTimeout, e.wf.TaskRetries)
	s := session.New(query, attachments, specs, e.wf.SessionTTL)

	lock := e.lock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	e.logger.Info("Session started",
		zap.String("session_id", s.ID),
		zap.String("query", query),
		zap.Int("attachments", len(attachments)),
	)

	if err := s.Transition(session.StateCollecting); err != nil {
		return nil, err
	}
	e.publishProgress(s, "collection", "started", nil)

	if err := e.drive(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// Get loads a session snapshot.
func (e *Engine) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	return e.store.Load(ctx, sessionID)
}

// HandleResponse applies a human response to its session. Responses that
// do not match the single outstanding request are rejected without any
// state change; a valid response resumes execution from the checkpoint.
func (e *Engine) HandleResponse(ctx context.Context, resp models.HumanResponse) (*session.Session, error) {
	lock := e.lock(resp.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.store.Load(ctx, resp.SessionID)
	if err != nil {
		return nil, err
	}
	if s.IsTerminal() {
		return s, fmt.Errorf("%w: %s", ErrSessionTerminal, s.State)
	}
	if s.Expired() {
		e.abandonLocked(ctx, s, "session deadline expired")
		return s, ErrSessionExpired
	}

	answer, err := e.hitl.Resolve(s, resp)
	if err != nil {
		// Rejected response: persist nothing, the outstanding request and
		// its timer stay live.
		return s, err
	}
	e.stopTimer(s.ID)
	e.auditInteraction(s, resp.RequestID, answer)

	if err := e.resume(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// Abandon terminates a session, voiding any outstanding request so late
// responses are rejected.
func (e *Engine) Abandon(ctx context.Context, sessionID string) (*session.Session, error) {
	lock := e.lock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.IsTerminal() {
		return s, fmt.Errorf("%w: %s", ErrSessionTerminal, s.State)
	}
	e.abandonLocked(ctx, s, "abandoned by operator")
	return s, nil
}

// resume continues a suspended session after the outstanding request
// resolved or timed out. Queued signals raise first, one at a time; only
// when the queue drains does the suspended task re-execute with the
// accumulated answers.
func (e *Engine) resume(ctx context.Context, s *session.Session) error {
	if next := e.hitl.RaiseNext(s); next != nil {
		e.armTimer(s.ID, next.RequestID)
		return e.save(ctx, s)
	}

	// The suspended task's result is superseded: it re-executes and its
	// fresh result replaces the old entry.
	if s.SuspendedBy != "" {
		delete(s.Context, s.SuspendedBy)
		s.SuspendedBy = ""
	}
	if s.ResumeState != "" {
		if err := s.Transition(s.ResumeState); err != nil {
			return err
		}
		s.ResumeState = ""
	}
	return e.drive(ctx, s)
}

// drive runs the session's graph to the next stop point: suspension,
// finalization, or abandonment on an invariant failure. Caller holds the
// session lock.
func (e *Engine) drive(ctx context.Context, s *session.Session) error {
	graph, err := task.NewGraph(s.TaskSpecs)
	if err != nil {
		e.abandonLocked(ctx, s, "invalid task graph: "+err.Error())
		return err
	}

	exec := executor.New(graph, e.invoker, e.logger, func(r *task.Result) {
		e.observeResult(ctx, s, r)
	})
	outcome := exec.Run(ctx, s.TaskContext())

	if outcome.Suspended {
		return e.suspend(ctx, s, outcome)
	}
	return e.finalize(ctx, s)
}

// observeResult runs serially at the executor's collection point: it
// advances the stage machine, checkpoints, and publishes progress.
func (e *Engine) observeResult(ctx context.Context, s *session.Session, r *task.Result) {
	s.UpdatedAt = time.Now()

	switch r.Task {
	case agents.CapRiskScorer:
		if s.State == session.StateCollecting {
			if err := s.Transition(session.StateScoring); err == nil {
				e.publishProgress(s, "scoring", "started", nil)
			}
		}
	case agents.CapRedTeamCritic:
		if s.State == session.StateScoring || s.State == session.StateCollecting {
			// Collecting is possible when the whole chain settled degraded.
			if err := s.Transition(session.StateScoring); err == nil {
				e.publishProgress(s, "scoring", "started", nil)
			}
		}
		if s.State == session.StateScoring {
			if err := s.Transition(session.StateCritiquing); err == nil {
				e.publishProgress(s, "critique", "started", nil)
			}
		}
	}

	e.stream.Publish(s.ID, streaming.Event{
		SessionID: s.ID,
		Type:      streaming.TypeTaskResult,
		Task:      r.Task,
		Status:    string(r.Status),
		Timestamp: time.Now().UTC(),
	})

	// Best-effort checkpoint; the in-memory session stays authoritative
	// until the next successful save.
	if err := e.store.Save(ctx, s); err != nil {
		e.logger.Warn("Checkpoint save failed",
			zap.String("session_id", s.ID),
			zap.String("task", r.Task),
			zap.Error(err),
		)
	}
}

// suspend parks the session behind exactly one outstanding request. Past
// the round cap no further request is raised; remaining signals surface as
// open questions at finalization.
func (e *Engine) suspend(ctx context.Context, s *session.Session, outcome executor.Outcome) error {
	if s.HITLRounds >= e.wf.MaxHITLRounds {
		e.logger.Warn("Interruption round cap reached, finalizing with open questions",
			zap.String("session_id", s.ID),
			zap.Int("rounds", s.HITLRounds),
		)
		e.hitl.Queue(s, "", outcome.Signals)
		s.SuspendedBy = ""
		return e.finalize(ctx, s)
	}

	s.ResumeState = s.State
	if err := s.Transition(session.StateAwaitingHuman); err != nil {
		return err
	}
	e.hitl.Queue(s, outcome.SuspendedBy, outcome.Signals)
	req := e.hitl.RaiseNext(s)
	if req != nil {
		e.armTimer(s.ID, req.RequestID)
	}
	e.publishProgress(s, "awaiting_human", "suspended", map[string]any{
		"suspended_by": outcome.SuspendedBy,
	})
	return e.save(ctx, s)
}

// finalize aggregates the merged context into the decision record. An
// aggregation invariant failure abandons the session rather than emitting
// a half-formed decision.
func (e *Engine) finalize(ctx context.Context, s *session.Session) error {
	if err := s.Transition(session.StateFinalizing); err != nil {
		return err
	}
	e.publishProgress(s, "finalizing", "started", nil)

	decision, err := e.agg.Build(s)
	if err != nil {
		e.logger.Error("Aggregation failed, abandoning session",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		e.abandonLocked(ctx, s, "aggregation failed: "+err.Error())
		return err
	}

	s.Decision = decision
	if err := s.Transition(session.StateFinalized); err != nil {
		return err
	}

	metrics.SessionsActive.Dec()
	metrics.SessionsFinalized.WithLabelValues(string(decision.Decision)).Inc()
	metrics.SessionDuration.Observe(time.Since(s.CreatedAt).Seconds())

	e.logger.Info("Session finalized",
		zap.String("session_id", s.ID),
		zap.String("decision", string(decision.Decision)),
		zap.Float64("risk_score", decision.RiskScore),
		zap.Float64("confidence", decision.Confidence),
		zap.Int("hitl_rounds", s.HITLRounds),
	)

	e.stream.Publish(s.ID, streaming.Event{
		SessionID: s.ID,
		Type:      streaming.TypeDecision,
		Status:    string(decision.Decision),
		Meta: map[string]any{
			"risk_score": decision.RiskScore,
			"confidence": decision.Confidence,
		},
		Timestamp: time.Now().UTC(),
	})
	e.auditFinal(s)
	return e.save(ctx, s)
}

// expireRequest fires when the response window for one request elapses.
// The request resolves as timed out with a neutral answer and the session
// resumes; downstream falls back to insufficient-evidence handling.
func (e *Engine) expireRequest(sessionID, requestID string) {
	lock := e.lock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := e.store.Load(ctx, sessionID)
	if err != nil {
		e.logger.Warn("Timeout fired for unloadable session",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}
	if s.IsTerminal() || s.Outstanding == nil || s.Outstanding.RequestID != requestID {
		return
	}

	if !e.hitl.Timeout(s) {
		return
	}
	if err := e.resume(ctx, s); err != nil {
		e.logger.Error("Resume after timeout failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (e *Engine) abandonLocked(ctx context.Context, s *session.Session, reason string) {
	e.hitl.Void(s)
	e.stopTimer(s.ID)
	_ = s.Transition(session.StateAbandoned)

	metrics.SessionsActive.Dec()
	metrics.SessionsAbandoned.Inc()
	e.logger.Warn("Session abandoned",
		zap.String("session_id", s.ID),
		zap.String("reason", reason),
	)

	e.publishProgress(s, "abandoned", "terminal", map[string]any{"reason": reason})
	if e.audit != nil {
		e.audit.QueueSessionArchive(e.archiveOf(s))
	}
	if err := e.save(ctx, s); err != nil {
		e.logger.Error("Failed to persist abandonment",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
}

// Shutdown stops all outstanding deadline timers.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) lock(sessionID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Engine) armTimer(sessionID, requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[sessionID]; ok {
		t.Stop()
	}
	e.timers[sessionID] = time.AfterFunc(e.wf.HumanResponseDeadline, func() {
		e.expireRequest(sessionID, requestID)
	})
}

func (e *Engine) stopTimer(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[sessionID]; ok {
		t.Stop()
		delete(e.timers, sessionID)
	}
}

func (e *Engine) save(ctx context.Context, s *session.Session) error {
	if err := e.store.Save(ctx, s); err != nil {
		e.logger.Error("Session save failed",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (e *Engine) publishProgress(s *session.Session, stage, status string, meta map[string]any) {
	e.stream.Publish(s.ID, streaming.Event{
		SessionID: s.ID,
		Type:      streaming.TypeProgress,
		Stage:     stage,
		Status:    status,
		Meta:      meta,
		Timestamp: time.Now().UTC(),
	})
}

// emitInterruption is the hitl manager's outward hook: the request goes to
// stream subscribers and, when auditing is on, to the audit trail.
func (e *Engine) emitInterruption(req models.InterruptionRequest) {
	e.stream.Publish(req.SessionID, streaming.Event{
		SessionID: req.SessionID,
		Type:      streaming.TypeInterruption,
		Status:    string(req.Kind),
		Meta: map[string]any{
			"request_id":        req.RequestID,
			"prompt":            req.Prompt,
			"required_artifact": req.RequiredArtifact,
		},
		Timestamp: time.Now().UTC(),
	})
	if e.audit != nil {
		e.audit.QueueInteraction(&db.InteractionRecord{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Kind:      string(req.Kind),
			Prompt:    req.Prompt,
			Status:    "issued",
			IssuedAt:  req.CreatedAt,
		})
	}
}

func (e *Engine) auditInteraction(s *session.Session, requestID string, answer task.HumanAnswer) {
	if e.audit == nil {
		return
	}
	e.audit.QueueInteraction(&db.InteractionRecord{
		RequestID:  requestID,
		SessionID:  s.ID,
		Kind:       answer.Kind,
		Prompt:     answer.Prompt,
		Response:   sql.NullString{String: answer.Response, Valid: answer.Response != ""},
		Status:     string(models.InteractionProvided),
		IssuedAt:   time.Now().UTC(),
		ResolvedAt: sql.NullTime{Time: time.Now().UTC(), Valid: true},
	})
}

func (e *Engine) auditFinal(s *session.Session) {
	if e.audit == nil || s.Decision == nil {
		return
	}
	citations, _ := json.Marshal(s.Decision.Citations)
	questions, _ := json.Marshal(s.Decision.OpenQuestions)
	e.audit.QueueDecision(&db.DecisionRecord{
		SessionID:     s.ID,
		Decision:      string(s.Decision.Decision),
		RiskScore:     s.Decision.RiskScore,
		Confidence:    s.Decision.Confidence,
		Rationale:     s.Decision.Rationale,
		Citations:     citations,
		OpenQuestions: questions,
		CreatedAt:     time.Now().UTC(),
	})
	e.audit.QueueSessionArchive(e.archiveOf(s))
}

func (e *Engine) archiveOf(s *session.Session) *db.SessionArchive {
	rec := &db.SessionArchive{
		ID:          s.ID,
		Query:       s.Query,
		State:       string(s.State),
		HITLRounds:  s.HITLRounds,
		CreatedAt:   s.CreatedAt,
		FinalizedAt: time.Now().UTC(),
	}
	if ctx, err := json.Marshal(s.Context); err == nil {
		rec.Context = ctx
	}
	if s.Decision != nil {
		rec.Decision = sql.NullString{String: string(s.Decision.Decision), Valid: true}
		rec.RiskScore = sql.NullFloat64{Float64: s.Decision.RiskScore, Valid: true}
		rec.Confidence = sql.NullFloat64{Float64: s.Decision.Confidence, Valid: true}
	}
	return rec
}
