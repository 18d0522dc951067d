package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/agents"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/circuitbreaker"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/invoker"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/models"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/session"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/store"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/streaming"
)

const (
	queryHealthy  = "Does our login system meet MFA requirements?"
	queryElevated = "Assess mobile authentication compliance"
	queryUnknown  = "Review legacy mainframe compliance posture"
)

func newTestEngine(t *testing.T, repo store.Repository, wf WorkflowOptions) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Cooldown:         time.Minute,
		FailureThreshold: 5,
		SuccessThreshold: 1,
	}, nil, logger)
	inv := invoker.New(agents.DefaultRegistry(), breakers, invoker.DefaultConfig(), logger)

	e := New(Options{
		Store:    repo,
		Invoker:  inv,
		Stream:   streaming.NewManager(64),
		Logger:   logger,
		Workflow: wf,
	})
	t.Cleanup(e.Shutdown)
	return e
}

func answer(sessionID, requestID, text string) models.HumanResponse {
	return models.HumanResponse{
		SessionID:    sessionID,
		RequestID:    requestID,
		ResponseKind: "text",
		Payload:      map[string]any{"text": text},
	}
}

func approval(sessionID, requestID string, approved bool) models.HumanResponse {
	return models.HumanResponse{
		SessionID:    sessionID,
		RequestID:    requestID,
		ResponseKind: "approval",
		Payload:      map[string]any{"approved": approved},
	}
}

func TestHealthyQueryFinalizesCompliant(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{})

	s, err := e.StartQuery(context.Background(), queryHealthy, nil)
	require.NoError(t, err)

	assert.Equal(t, session.StateFinalized, s.State)
	require.NotNil(t, s.Decision)
	assert.Equal(t, models.DecisionCompliant, s.Decision.Decision)
	assert.InDelta(t, 0.10, s.Decision.RiskScore, 0.001)
	assert.InDelta(t, 0.87, s.Decision.Confidence, 0.001)
	assert.Equal(t, 0, s.HITLRounds)
	assert.NotEmpty(t, s.Decision.Citations)
}

func TestRepeatedRunsAreDeterministic(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{})

	first, err := e.StartQuery(context.Background(), queryHealthy, nil)
	require.NoError(t, err)
	second, err := e.StartQuery(context.Background(), queryHealthy, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Decision.Decision, second.Decision.Decision)
	assert.Equal(t, first.Decision.RiskScore, second.Decision.RiskScore)
	assert.Equal(t, first.Decision.Confidence, second.Decision.Confidence)
}

func TestElevatedRiskSuspendsForClarification(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{})

	s, err := e.StartQuery(context.Background(), queryElevated, nil)
	require.NoError(t, err)

	assert.Equal(t, session.StateAwaitingHuman, s.State)
	require.NotNil(t, s.Outstanding)
	assert.Equal(t, models.InterruptionClarification, s.Outstanding.Kind)
	assert.Equal(t, 1, s.HITLRounds)
	assert.Nil(t, s.Decision)
}

func TestClarificationThenApprovalFinalizes(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{})
	ctx := context.Background()

	s, err := e.StartQuery(ctx, queryElevated, nil)
	require.NoError(t, err)
	require.NotNil(t, s.Outstanding)

	// Round 1: clarify.
	s, err = e.HandleResponse(ctx, answer(s.ID, s.Outstanding.RequestID, "TOTP app with hardware token backup"))
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingHuman, s.State)
	require.NotNil(t, s.Outstanding)
	assert.Equal(t, models.InterruptionApproval, s.Outstanding.Kind)
	assert.Equal(t, 2, s.HITLRounds)

	// Round 2: approve.
	s, err = e.HandleResponse(ctx, approval(s.ID, s.Outstanding.RequestID, true))
	require.NoError(t, err)

	assert.Equal(t, session.StateFinalized, s.State)
	require.NotNil(t, s.Decision)
	assert.Equal(t, models.DecisionNonCompliant, s.Decision.Decision)
	assert.Len(t, s.HumanAnswers, 2)
	require.Len(t, s.Interactions, 2)
	for _, it := range s.Interactions {
		assert.Equal(t, models.InteractionProvided, it.Status)
	}

	// Events include every boundary crossing.
	types := map[string]bool{}
	for _, ev := range e.stream.ReplaySince(s.ID, 0) {
		types[ev.Type] = true
	}
	assert.True(t, types[streaming.TypeInterruption])
	assert.True(t, types[streaming.TypeDecision])
}

func TestStaleResponseRejectedWithoutStateChange(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{})
	ctx := context.Background()

	s, err := e.StartQuery(ctx, queryElevated, nil)
	require.NoError(t, err)
	outstanding := s.Outstanding.RequestID

	got, err := e.HandleResponse(ctx, answer(s.ID, "bogus-request-id", "ignored"))
	assert.ErrorIs(t, err, models.ErrUnknownRequest)
	require.NotNil(t, got.Outstanding)
	assert.Equal(t, outstanding, got.Outstanding.RequestID)
	assert.Empty(t, got.HumanAnswers)
	assert.Equal(t, session.StateAwaitingHuman, got.State)
}

func TestDuplicateResponseRejected(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{})
	ctx := context.Background()

	s, err := e.StartQuery(ctx, queryElevated, nil)
	require.NoError(t, err)
	reqID := s.Outstanding.RequestID

	s, err = e.HandleResponse(ctx, answer(s.ID, reqID, "TOTP app"))
	require.NoError(t, err)

	// Same request id again: the first resolution already consumed it.
	_, err = e.HandleResponse(ctx, answer(s.ID, reqID, "TOTP app"))
	assert.ErrorIs(t, err, models.ErrRequestResolved)
	got, gerr := e.Get(ctx, s.ID)
	require.NoError(t, gerr)
	assert.Len(t, got.HumanAnswers, 1)
}

func TestSuspensionSurvivesEngineRestart(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()

	e1 := newTestEngine(t, repo, WorkflowOptions{})
	s, err := e1.StartQuery(ctx, queryElevated, nil)
	require.NoError(t, err)
	require.NotNil(t, s.Outstanding)
	reqID := s.Outstanding.RequestID

	// A fresh engine over the same store picks up the checkpoint.
	e2 := newTestEngine(t, repo, WorkflowOptions{})
	resumed, err := e2.HandleResponse(ctx, answer(s.ID, reqID, "TOTP app with backup codes"))
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingHuman, resumed.State)
	assert.Equal(t, models.InterruptionApproval, resumed.Outstanding.Kind)
}

func TestUnknownDomainForcesInsufficientEvidence(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{
		HumanResponseDeadline: 50 * time.Millisecond,
	})
	ctx := context.Background()

	s, err := e.StartQuery(ctx, queryUnknown, nil)
	require.NoError(t, err)
	// Degraded collection still raises elevated risk, so the critic asks.
	require.Equal(t, session.StateAwaitingHuman, s.State)

	// Nobody answers; both windows expire and the run completes on its own.
	require.Eventually(t, func() bool {
		got, err := e.Get(ctx, s.ID)
		return err == nil && got.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	got, err := e.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateFinalized, got.State)
	require.NotNil(t, got.Decision)
	assert.Equal(t, models.DecisionInsufficientEvidence, got.Decision.Decision)
	assert.Equal(t, 0.0, got.Decision.Confidence)
	assert.NotEmpty(t, got.Decision.HumanInteractions)
}

func TestRoundCapConvertsSignalsToOpenQuestions(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{MaxHITLRounds: 1})
	ctx := context.Background()

	s, err := e.StartQuery(ctx, queryElevated, nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.HITLRounds)

	// Answering the only permitted round finalizes instead of raising the
	// approval gate; the unasked question surfaces in the decision.
	s, err = e.HandleResponse(ctx, answer(s.ID, s.Outstanding.RequestID, "TOTP app"))
	require.NoError(t, err)

	assert.Equal(t, session.StateFinalized, s.State)
	require.NotNil(t, s.Decision)
	found := false
	for _, q := range s.Decision.OpenQuestions {
		if len(q) > 0 && q[:10] == "unresolved" {
			found = true
		}
	}
	assert.True(t, found, "capped signal should surface as an open question, got %v", s.Decision.OpenQuestions)
}

func TestAbandonVoidsOutstandingRequest(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{})
	ctx := context.Background()

	s, err := e.StartQuery(ctx, queryElevated, nil)
	require.NoError(t, err)
	reqID := s.Outstanding.RequestID

	s, err = e.Abandon(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateAbandoned, s.State)
	assert.Nil(t, s.Outstanding)

	// A late response finds nothing to resolve.
	_, err = e.HandleResponse(ctx, answer(s.ID, reqID, "too late"))
	assert.ErrorIs(t, err, ErrSessionTerminal)
}

func TestResponseForUnknownSession(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{})
	_, err := e.HandleResponse(context.Background(), answer("no-such-session", "req", "hello"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestDeniedApprovalBecomesOpenQuestion(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), WorkflowOptions{})
	ctx := context.Background()

	s, err := e.StartQuery(ctx, queryElevated, nil)
	require.NoError(t, err)

	s, err = e.HandleResponse(ctx, answer(s.ID, s.Outstanding.RequestID, "SMS only, no backup"))
	require.NoError(t, err)
	require.Equal(t, models.InterruptionApproval, s.Outstanding.Kind)

	s, err = e.HandleResponse(ctx, approval(s.ID, s.Outstanding.RequestID, false))
	require.NoError(t, err)

	assert.Equal(t, session.StateFinalized, s.State)
	require.NotNil(t, s.Decision)
	found := false
	for _, q := range s.Decision.OpenQuestions {
		if q == "approval to proceed was denied; scope of assessment unresolved" {
			found = true
		}
	}
	assert.True(t, found, "denied approval should leave an open question, got %v", s.Decision.OpenQuestions)

	// The denial still logs as a provided answer; the verdict lives in
	// the response text.
	last := s.Interactions[len(s.Interactions)-1]
	assert.Equal(t, models.InteractionProvided, last.Status)
	assert.Equal(t, "denied", last.Response)
}
