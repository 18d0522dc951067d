package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/guardrails"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/metrics"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/models"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/orchestrator"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/session"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/streaming"
)

// Server exposes the orchestrator over HTTP: query intake, session
// inspection, human responses, and event streaming.
type Server struct {
	engine  *orchestrator.Engine
	stream  *streaming.Manager
	screen  *guardrails.Screen
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Config tunes the HTTP surface.
type Config struct {
	RateRPS   float64
	RateBurst int
}

// NewServer creates the HTTP handler set.
func NewServer(engine *orchestrator.Engine, stream *streaming.Manager, cfg Config, logger *zap.Logger) *Server {
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	return &Server{
		engine:  engine,
		stream:  stream,
		screen:  guardrails.NewScreen(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
		logger:  logger,
	}
}

// RegisterRoutes registers all endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/queries", s.handleSubmitQuery)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/abandon", s.handleAbandon)
	mux.HandleFunc("POST /api/v1/hitl/response", s.handleHumanResponse)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stream/sse", s.handleSSE)
	mux.HandleFunc("GET /stream/ws", s.handleWS)
}

type submitQueryRequest struct {
	Query       string   `json:"query"`
	Attachments []string `json:"attachments,omitempty"`
}

// sessionView is the outward session shape; internal checkpoint fields
// never leave the process.
type sessionView struct {
	SessionID    string                      `json:"session_id"`
	Query        string                      `json:"query"`
	State        string                      `json:"state"`
	HITLRounds   int                         `json:"hitl_rounds"`
	Outstanding  *models.InterruptionRequest `json:"outstanding_request,omitempty"`
	Decision     *models.ComplianceDecision  `json:"decision,omitempty"`
	Interactions []models.HumanInteraction   `json:"human_interactions,omitempty"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		SessionID:    sess.ID,
		Query:        sess.Query,
		State:        string(sess.State),
		HITLRounds:   sess.HITLRounds,
		Outstanding:  sess.Outstanding,
		Decision:     sess.Decision,
		Interactions: sess.Interactions,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	}
}

// handleSubmitQuery screens and admits a compliance query. The response
// carries the full session snapshot: either a final decision or the
// outstanding human request.
func (s *Server) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		metrics.QueriesRejected.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req submitQueryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.screen.ValidateQuery(req.Query); err != nil {
		metrics.QueriesRejected.WithLabelValues(rejectReason(err)).Inc()
		s.logger.Warn("Query rejected at intake",
			zap.String("reason", rejectReason(err)),
		)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.engine.StartQuery(r.Context(), req.Query, req.Attachments)
	if err != nil {
		// The snapshot still reports what happened (e.g. ABANDONED).
		if sess != nil {
			writeJSON(w, http.StatusUnprocessableEntity, viewOf(sess))
			return
		}
		writeError(w, http.StatusInternalServerError, "query execution failed")
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Abandon(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, viewOf(sess))
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, orchestrator.ErrSessionTerminal):
		writeError(w, http.StatusGone, "session already terminal")
	default:
		writeError(w, http.StatusInternalServerError, "abandon failed")
	}
}

// handleHumanResponse applies a human answer to its session. Protocol
// violations (unknown session, stale or duplicate request id, terminal
// session) map to 4xx and change nothing.
func (s *Server) handleHumanResponse(w http.ResponseWriter, r *http.Request) {
	var resp models.HumanResponse
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if resp.SessionID == "" || resp.RequestID == "" {
		writeError(w, http.StatusBadRequest, "session_id and request_id are required")
		return
	}

	sess, err := s.engine.HandleResponse(r.Context(), resp)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, viewOf(sess))
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, models.ErrRequestResolved):
		writeError(w, http.StatusConflict, "request already resolved")
	case errors.Is(err, models.ErrUnknownRequest):
		writeError(w, http.StatusConflict, "unknown or stale request id")
	case errors.Is(err, orchestrator.ErrSessionTerminal):
		writeError(w, http.StatusGone, "session already terminal")
	case errors.Is(err, orchestrator.ErrSessionExpired):
		writeError(w, http.StatusGone, "session deadline expired")
	default:
		s.logger.Error("Human response handling failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "response handling failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, guardrails.ErrEmptyQuery):
		return "empty"
	case errors.Is(err, guardrails.ErrQueryTooLong):
		return "too_long"
	case errors.Is(err, guardrails.ErrUnsafeQuery):
		return "unsafe"
	case errors.Is(err, guardrails.ErrOffTopicQuery):
		return "off_topic"
	default:
		return "invalid"
	}
}
