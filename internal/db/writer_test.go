package db

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

func newMockWriter(t *testing.T) (*Writer, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	db := sqlx.NewDb(raw, "sqlmock")
	w := NewWriterWithDB(db, &Config{QueueSize: 16, Workers: 1}, zaptest.NewLogger(t))
	return w, mock
}

func waitForExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expectations not met: %v", mock.ExpectationsWereMet())
}

func TestQueueSessionArchive(t *testing.T) {
	w, mock := newMockWriter(t)

	mock.ExpectExec("INSERT INTO compliance_sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, _ := json.Marshal(map[string]string{"risk_scorer": "done"})
	w.QueueSessionArchive(&SessionArchive{
		ID:          "sess-1",
		Query:       "Does our login system meet MFA requirements?",
		State:       "FINALIZED",
		Decision:    sql.NullString{String: "compliant", Valid: true},
		RiskScore:   sql.NullFloat64{Float64: 0.10, Valid: true},
		Confidence:  sql.NullFloat64{Float64: 0.87, Valid: true},
		Context:     ctx,
		CreatedAt:   time.Now(),
		FinalizedAt: time.Now(),
	})

	waitForExpectations(t, mock)
}

func TestQueueInteraction(t *testing.T) {
	w, mock := newMockWriter(t)

	mock.ExpectExec("INSERT INTO human_interactions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.QueueInteraction(&InteractionRecord{
		RequestID: "req-1",
		SessionID: "sess-1",
		Kind:      "clarification",
		Prompt:    "Which authentication flows are in scope?",
		Response:  sql.NullString{String: "All SSO flows", Valid: true},
		Status:    "provided",
		IssuedAt:  time.Now(),
	})

	waitForExpectations(t, mock)
}

func TestQueueDecision(t *testing.T) {
	w, mock := newMockWriter(t)

	mock.ExpectExec("INSERT INTO compliance_decisions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	citations, _ := json.Marshal([]map[string]string{{"source_id": "POLICY-001"}})
	w.QueueDecision(&DecisionRecord{
		SessionID:  "sess-1",
		Decision:   "compliant",
		RiskScore:  0.10,
		Confidence: 0.87,
		Rationale:  "2 policies retrieved; risk 0.10",
		Citations:  citations,
		CreatedAt:  time.Now(),
	})

	waitForExpectations(t, mock)
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	db := sqlx.NewDb(raw, "sqlmock")
	// Zero workers never drain the queue.
	w := &Writer{
		db:     db,
		logger: zaptest.NewLogger(t),
		queue:  make(chan writeRequest, 1),
		stopCh: make(chan struct{}),
	}
	_ = mock

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			w.QueueDecision(&DecisionRecord{SessionID: "sess-1", Decision: "compliant"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on full queue")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	w, mock := newMockWriter(t)

	mock.ExpectExec("INSERT INTO compliance_decisions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	w.QueueDecision(&DecisionRecord{
		SessionID: "sess-2",
		Decision:  "non_compliant",
		CreatedAt: time.Now(),
	})

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
