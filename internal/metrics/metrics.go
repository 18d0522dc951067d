package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compliance_sessions_created_total",
			Help: "Total number of compliance sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "compliance_sessions_active",
			Help: "Number of sessions currently in a non-terminal state",
		},
	)

	SessionsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_sessions_finalized_total",
			Help: "Total number of sessions finalized, by decision",
		},
		[]string{"decision"},
	)

	SessionsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compliance_sessions_abandoned_total",
			Help: "Total number of sessions abandoned",
		},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "compliance_session_duration_seconds",
			Help:    "End-to-end session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Task metrics
	TaskExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_task_executions_total",
			Help: "Total number of task executions, by capability and status",
		},
		[]string{"capability", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compliance_task_duration_ms",
			Help:    "Task execution duration in milliseconds",
			Buckets: []float64{50, 100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"capability"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_task_retries_total",
			Help: "Total number of task retry attempts",
		},
		[]string{"capability"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compliance_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"capability"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"capability", "from", "to"},
	)

	// HITL metrics
	InterruptionsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_interruptions_issued_total",
			Help: "Total number of human interruption requests issued, by kind",
		},
		[]string{"kind"},
	)

	InterruptionsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_interruptions_resolved_total",
			Help: "Total number of human interruptions resolved, by status",
		},
		[]string{"status"},
	)

	InterruptionWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "compliance_interruption_wait_seconds",
			Help:    "Wall-clock wait for a human response in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	StaleResponsesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compliance_stale_responses_rejected_total",
			Help: "Human responses rejected for unknown or stale request ids",
		},
	)

	// Store metrics
	SessionSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_session_saves_total",
			Help: "Session checkpoint writes, by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "compliance_session_cache_size",
			Help: "Number of sessions held in the local cache",
		},
	)

	// Audit writer metrics
	AuditWritesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_audit_writes_queued_total",
			Help: "Audit rows queued for asynchronous persistence",
		},
		[]string{"type"},
	)

	AuditWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_audit_write_failures_total",
			Help: "Audit rows dropped or failed to persist",
		},
		[]string{"type"},
	)

	// Intake metrics
	QueriesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_queries_rejected_total",
			Help: "Queries rejected at intake, by reason",
		},
		[]string{"reason"},
	)
)
