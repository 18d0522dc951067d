package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/metrics"
)

// Config holds audit database settings.
type Config struct {
	DSN             string
	QueueSize       int
	Workers         int
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// writeType discriminates queued audit rows.
type writeType int

const (
	writeSessionArchive writeType = iota
	writeInteraction
	writeDecision
)

func (wt writeType) String() string {
	switch wt {
	case writeSessionArchive:
		return "session_archive"
	case writeInteraction:
		return "interaction"
	case writeDecision:
		return "decision"
	default:
		return "unknown"
	}
}

type writeRequest struct {
	kind writeType
	data interface{}
}

// Writer persists audit records to Postgres through an async write queue.
// Queueing never blocks the run loop; a full queue drops the record and
// counts the failure.
type Writer struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue    chan writeRequest
	stopCh   chan struct{}
	workerWg sync.WaitGroup
	stopOnce sync.Once
}

// NewWriter opens a connection pool and starts the worker goroutines.
func NewWriter(cfg *Config, logger *zap.Logger) (*Writer, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn cannot be empty")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := newWriterWithDB(db, cfg, logger)
	logger.Info("Audit writer started",
		zap.Int("queue_size", cap(w.queue)),
		zap.Int("workers", cfg.Workers),
	)
	return w, nil
}

// NewWriterWithDB wraps an existing connection, used by tests.
func NewWriterWithDB(db *sqlx.DB, cfg *Config, logger *zap.Logger) *Writer {
	return newWriterWithDB(db, cfg, logger)
}

func newWriterWithDB(db *sqlx.DB, cfg *Config, logger *zap.Logger) *Writer {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	w := &Writer{
		db:     db,
		logger: logger,
		queue:  make(chan writeRequest, queueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		w.workerWg.Add(1)
		go w.worker(i)
	}
	return w
}

// QueueSessionArchive enqueues a finished session for archival.
func (w *Writer) QueueSessionArchive(rec *SessionArchive) {
	w.enqueue(writeRequest{kind: writeSessionArchive, data: rec})
}

// QueueInteraction enqueues a human interaction audit row.
func (w *Writer) QueueInteraction(rec *InteractionRecord) {
	w.enqueue(writeRequest{kind: writeInteraction, data: rec})
}

// QueueDecision enqueues a final decision audit row.
func (w *Writer) QueueDecision(rec *DecisionRecord) {
	w.enqueue(writeRequest{kind: writeDecision, data: rec})
}

func (w *Writer) enqueue(req writeRequest) {
	select {
	case w.queue <- req:
		metrics.AuditWritesQueued.WithLabelValues(req.kind.String()).Inc()
	default:
		metrics.AuditWriteFailures.WithLabelValues(req.kind.String()).Inc()
		w.logger.Warn("Audit write queue full, dropping record",
			zap.String("type", req.kind.String()),
		)
	}
}

func (w *Writer) worker(id int) {
	defer w.workerWg.Done()
	for {
		select {
		case <-w.stopCh:
			w.drain()
			return
		case req := <-w.queue:
			w.process(req)
		}
	}
}

// drain flushes queued writes during shutdown, bounded to 10 seconds.
func (w *Writer) drain() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-w.queue:
			w.process(req)
		case <-timeout:
			w.logger.Warn("Timeout draining audit write queue")
			return
		default:
			return
		}
	}
}

func (w *Writer) process(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch req.kind {
	case writeSessionArchive:
		if rec, ok := req.data.(*SessionArchive); ok {
			err = w.saveSessionArchive(ctx, rec)
		}
	case writeInteraction:
		if rec, ok := req.data.(*InteractionRecord); ok {
			err = w.saveInteraction(ctx, rec)
		}
	case writeDecision:
		if rec, ok := req.data.(*DecisionRecord); ok {
			err = w.saveDecision(ctx, rec)
		}
	}

	if err != nil {
		metrics.AuditWriteFailures.WithLabelValues(req.kind.String()).Inc()
		w.logger.Error("Audit write failed",
			zap.String("type", req.kind.String()),
			zap.Error(err),
		)
	}
}

func (w *Writer) saveSessionArchive(ctx context.Context, rec *SessionArchive) error {
	_, err := w.db.NamedExecContext(ctx, `
		INSERT INTO compliance_sessions (
			id, query, state, decision, risk_score, confidence,
			hitl_rounds, context, created_at, finalized_at
		) VALUES (
			:id, :query, :state, :decision, :risk_score, :confidence,
			:hitl_rounds, :context, :created_at, :finalized_at
		)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			decision = EXCLUDED.decision,
			risk_score = EXCLUDED.risk_score,
			confidence = EXCLUDED.confidence,
			hitl_rounds = EXCLUDED.hitl_rounds,
			context = EXCLUDED.context,
			finalized_at = EXCLUDED.finalized_at`,
		rec,
	)
	return err
}

func (w *Writer) saveInteraction(ctx context.Context, rec *InteractionRecord) error {
	_, err := w.db.NamedExecContext(ctx, `
		INSERT INTO human_interactions (
			request_id, session_id, kind, prompt, response, status,
			issued_at, resolved_at
		) VALUES (
			:request_id, :session_id, :kind, :prompt, :response, :status,
			:issued_at, :resolved_at
		)
		ON CONFLICT (request_id) DO UPDATE SET
			response = EXCLUDED.response,
			status = EXCLUDED.status,
			resolved_at = EXCLUDED.resolved_at`,
		rec,
	)
	return err
}

func (w *Writer) saveDecision(ctx context.Context, rec *DecisionRecord) error {
	_, err := w.db.NamedExecContext(ctx, `
		INSERT INTO compliance_decisions (
			session_id, decision, risk_score, confidence, rationale,
			citations, open_questions, created_at
		) VALUES (
			:session_id, :decision, :risk_score, :confidence, :rationale,
			:citations, :open_questions, :created_at
		)
		ON CONFLICT (session_id) DO UPDATE SET
			decision = EXCLUDED.decision,
			risk_score = EXCLUDED.risk_score,
			confidence = EXCLUDED.confidence,
			rationale = EXCLUDED.rationale,
			citations = EXCLUDED.citations,
			open_questions = EXCLUDED.open_questions`,
		rec,
	)
	return err
}

// Close stops the workers, drains the queue, and closes the pool.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.workerWg.Wait()
	return w.db.Close()
}
