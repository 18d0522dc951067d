package db

import (
	"database/sql"
	"encoding/json"
	"time"
)

// SessionArchive is the durable record of a finished session.
type SessionArchive struct {
	ID          string          `db:"id"`
	Query       string          `db:"query"`
	State       string          `db:"state"`
	Decision    sql.NullString  `db:"decision"`
	RiskScore   sql.NullFloat64 `db:"risk_score"`
	Confidence  sql.NullFloat64 `db:"confidence"`
	HITLRounds  int             `db:"hitl_rounds"`
	Context     json.RawMessage `db:"context"`
	CreatedAt   time.Time       `db:"created_at"`
	FinalizedAt time.Time       `db:"finalized_at"`
}

// InteractionRecord is one audited human-in-the-loop exchange.
type InteractionRecord struct {
	RequestID  string         `db:"request_id"`
	SessionID  string         `db:"session_id"`
	Kind       string         `db:"kind"`
	Prompt     string         `db:"prompt"`
	Response   sql.NullString `db:"response"`
	Status     string         `db:"status"`
	IssuedAt   time.Time      `db:"issued_at"`
	ResolvedAt sql.NullTime   `db:"resolved_at"`
}

// DecisionRecord is the audited final verdict for a session.
type DecisionRecord struct {
	SessionID     string          `db:"session_id"`
	Decision      string          `db:"decision"`
	RiskScore     float64         `db:"risk_score"`
	Confidence    float64         `db:"confidence"`
	Rationale     string          `db:"rationale"`
	Citations     json.RawMessage `db:"citations"`
	OpenQuestions json.RawMessage `db:"open_questions"`
	CreatedAt     time.Time       `db:"created_at"`
}
