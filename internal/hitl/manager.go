package hitl

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/metrics"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/models"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/session"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

// Manager converts task suspension signals into outward interruption
// requests and injects human answers back into the session. All methods
// expect the caller to hold the session's lock; the manager itself keeps
// no per-session state, so the session record stays the single source of
// truth across restarts.
type Manager struct {
	logger    *zap.Logger
	emit      func(models.InterruptionRequest)
	maxRounds int
}

// NewManager creates a suspension manager. emit delivers requests to the
// transport boundary and may be nil in tests. maxRounds caps how many
// requests a session may raise; zero or negative means no cap.
func NewManager(logger *zap.Logger, maxRounds int, emit func(models.InterruptionRequest)) *Manager {
	return &Manager{logger: logger, emit: emit, maxRounds: maxRounds}
}

// Queue appends suspension signals to the session's FIFO. A task that
// suspends while a request is outstanding waits its turn here.
func (m *Manager) Queue(s *session.Session, suspendedBy string, signals []task.Suspension) {
	if len(signals) == 0 {
		return
	}
	s.SuspendedBy = suspendedBy
	s.PendingSignals = append(s.PendingSignals, signals...)
}

// RaiseNext pops the oldest queued signal and opens exactly one
// InterruptionRequest for it. It is a no-op while a request is already
// outstanding, the queue is empty, or the session has exhausted its round
// cap; past-cap signals stay queued and surface as open questions at
// finalization.
func (m *Manager) RaiseNext(s *session.Session) *models.InterruptionRequest {
	if s.Outstanding != nil || len(s.PendingSignals) == 0 {
		return nil
	}
	if m.maxRounds > 0 && s.HITLRounds >= m.maxRounds {
		m.logger.Warn("Interruption round cap reached, leaving signals queued",
			zap.String("session_id", s.ID),
			zap.Int("rounds", s.HITLRounds),
			zap.Int("queued", len(s.PendingSignals)),
		)
		return nil
	}

	signal := s.PendingSignals[0]
	s.PendingSignals = s.PendingSignals[1:]

	req := &models.InterruptionRequest{
		SessionID:        s.ID,
		RequestID:        uuid.New().String(),
		Kind:             kindOf(signal.Kind),
		Prompt:           signal.Prompt,
		RequiredArtifact: signal.RequiredArtifact,
		CreatedAt:        time.Now().UTC(),
	}
	s.Outstanding = req
	s.HITLRounds++

	metrics.InterruptionsIssued.WithLabelValues(string(req.Kind)).Inc()
	m.logger.Info("Interruption request issued",
		zap.String("session_id", s.ID),
		zap.String("request_id", req.RequestID),
		zap.String("kind", string(req.Kind)),
	)
	if m.emit != nil {
		m.emit(*req)
	}
	return req
}

// Resolve validates a human response against the single outstanding
// request and applies it: the interaction is logged, the answer becomes
// visible to capabilities, and the outstanding marker clears. A response
// to an unknown, stale, or voided request mutates nothing.
func (m *Manager) Resolve(s *session.Session, resp models.HumanResponse) (task.HumanAnswer, error) {
	if s.Outstanding == nil || s.Outstanding.RequestID != resp.RequestID {
		metrics.StaleResponsesRejected.Inc()
		for _, id := range s.ResolvedRequests {
			if id == resp.RequestID {
				return task.HumanAnswer{}, fmt.Errorf("%w: %s", models.ErrRequestResolved, resp.RequestID)
			}
		}
		return task.HumanAnswer{}, fmt.Errorf("%w: %s", models.ErrUnknownRequest, resp.RequestID)
	}

	req := s.Outstanding
	// Every answered request logs as provided; approval verdicts live in
	// the response text and the answer's Approved flag.
	status := models.InteractionProvided
	answer := task.HumanAnswer{
		Kind:     string(req.Kind),
		Prompt:   req.Prompt,
		Response: resp.Text(),
	}
	if req.Kind == models.InterruptionApproval {
		answer.Approved = resp.Approved()
	}

	s.RecordInteraction(req.Kind, req.Prompt, answer.Response, status)
	s.ResolvedRequests = append(s.ResolvedRequests, req.RequestID)
	s.HumanAnswers = append(s.HumanAnswers, answer)
	s.Outstanding = nil

	metrics.InterruptionsResolved.WithLabelValues(string(status)).Inc()
	metrics.InterruptionWaitSeconds.Observe(time.Since(req.CreatedAt).Seconds())
	m.logger.Info("Interruption resolved",
		zap.String("session_id", s.ID),
		zap.String("request_id", req.RequestID),
		zap.String("status", string(status)),
	)
	return answer, nil
}

// Timeout expires the outstanding request: the interaction is logged as
// timed_out and a neutral empty answer is injected so downstream reasoning
// can fall back to insufficient-evidence handling instead of hanging.
func (m *Manager) Timeout(s *session.Session) bool {
	if s.Outstanding == nil {
		return false
	}
	req := s.Outstanding

	s.RecordInteraction(req.Kind, req.Prompt, "", models.InteractionTimedOut)
	s.ResolvedRequests = append(s.ResolvedRequests, req.RequestID)
	s.HumanAnswers = append(s.HumanAnswers, task.HumanAnswer{
		Kind:   string(req.Kind),
		Prompt: req.Prompt,
	})
	s.Outstanding = nil

	metrics.InterruptionsResolved.WithLabelValues(string(models.InteractionTimedOut)).Inc()
	m.logger.Warn("Interruption timed out",
		zap.String("session_id", s.ID),
		zap.String("request_id", req.RequestID),
	)
	return true
}

// Void discards the outstanding request and any queued signals on
// abandonment, so a late response is rejected as unknown.
func (m *Manager) Void(s *session.Session) {
	s.Outstanding = nil
	s.PendingSignals = nil
	s.SuspendedBy = ""
}

func kindOf(kind string) models.InterruptionKind {
	switch kind {
	case string(models.InterruptionApproval):
		return models.InterruptionApproval
	case string(models.InterruptionUpload):
		return models.InterruptionUpload
	default:
		return models.InterruptionClarification
	}
}
