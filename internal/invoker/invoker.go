package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/agents"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/circuitbreaker"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/metrics"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

// ErrAttemptTimeout marks an attempt that exceeded the task's deadline.
// Timeouts count as failures for both retry and circuit accounting.
var ErrAttemptTimeout = errors.New("capability attempt timed out")

// Config tunes the retry backoff.
type Config struct {
	BackoffBase time.Duration // first retry delay; doubles each attempt
	BackoffCap  time.Duration // upper bound on a single delay
}

// DefaultConfig returns the stock backoff settings.
func DefaultConfig() Config {
	return Config{
		BackoffBase: 200 * time.Millisecond,
		BackoffCap:  5 * time.Second,
	}
}

// Supervised wraps one capability invocation with a deadline, bounded
// retries with exponential backoff, and a per-capability circuit breaker.
// Every outcome is a task.Result; no error crosses this boundary.
type Supervised struct {
	registry *agents.Registry
	breakers *circuitbreaker.Registry
	logger   *zap.Logger
	cfg      Config
}

// New creates a supervised invoker.
func New(registry *agents.Registry, breakers *circuitbreaker.Registry, cfg Config, logger *zap.Logger) *Supervised {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}
	return &Supervised{registry: registry, breakers: breakers, logger: logger, cfg: cfg}
}

// Invoke runs the spec's capability to a terminal result. An open circuit
// skips invocation entirely and yields a degraded fallback result.
func (s *Supervised) Invoke(ctx context.Context, spec task.Spec, query string, tc task.Context) *task.Result {
	started := time.Now()

	capability, err := s.registry.Get(spec.Capability)
	if err != nil {
		return s.failed(spec, started, err)
	}
	breaker := s.breakers.Get(spec.Capability)

	var result *task.Result
	var lastErr error

	for attempt := 0; attempt <= spec.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		execErr := breaker.Execute(ctx, func() error {
			r, err := s.attempt(ctx, capability, spec, query, tc)
			if err != nil {
				return err
			}
			result = r
			return nil
		})

		if execErr == nil {
			result.Task = spec.Name
			result.Duration = time.Since(started)
			metrics.TaskExecutions.WithLabelValues(spec.Capability, string(result.Status)).Inc()
			metrics.TaskDuration.WithLabelValues(spec.Capability).Observe(float64(result.Duration.Milliseconds()))
			return result
		}

		if errors.Is(execErr, circuitbreaker.ErrCircuitOpen) || errors.Is(execErr, circuitbreaker.ErrTooManyRequests) {
			return s.degradedFallback(spec, started, "circuit open for capability")
		}

		lastErr = execErr
		s.logger.Warn("Capability attempt failed",
			zap.String("task", spec.Name),
			zap.String("capability", spec.Capability),
			zap.Int("attempt", attempt+1),
			zap.Error(execErr),
		)

		if attempt < spec.MaxRetries {
			metrics.TaskRetries.WithLabelValues(spec.Capability).Inc()
			if !s.backoff(ctx, attempt) {
				lastErr = ctx.Err()
				break
			}
		}
	}

	return s.failed(spec, started, lastErr)
}

// attempt runs one bounded invocation. The capability executes on its own
// goroutine so a stalled implementation cannot hold the caller past the
// deadline; the abandoned goroutine drains on its own and is discarded.
func (s *Supervised) attempt(ctx context.Context, capability agents.Capability, spec task.Spec, query string, tc task.Context) (*task.Result, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	type outcome struct {
		result *task.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := capability.Execute(attemptCtx, query, tc)
		done <- outcome{result: r, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil {
			return nil, fmt.Errorf("capability %q returned no result", spec.Capability)
		}
		return out.result, nil
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, spec.Timeout)
		}
		return nil, attemptCtx.Err()
	}
}

// backoff sleeps for the attempt's delay; returns false if ctx expired.
func (s *Supervised) backoff(ctx context.Context, attempt int) bool {
	delay := s.cfg.BackoffBase << uint(attempt)
	if delay > s.cfg.BackoffCap {
		delay = s.cfg.BackoffCap
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervised) degradedFallback(spec task.Spec, started time.Time, reason string) *task.Result {
	metrics.TaskExecutions.WithLabelValues(spec.Capability, string(task.StatusDegraded)).Inc()
	return &task.Result{
		Task:   spec.Name,
		Status: task.StatusDegraded,
		Payload: map[string]any{
			"fallback":   true,
			"reason":     reason,
			"capability": spec.Capability,
		},
		Duration: time.Since(started),
	}
}

func (s *Supervised) failed(spec task.Spec, started time.Time, err error) *task.Result {
	msg := "capability failed"
	if err != nil {
		msg = err.Error()
	}
	metrics.TaskExecutions.WithLabelValues(spec.Capability, string(task.StatusFailed)).Inc()
	return &task.Result{
		Task:     spec.Name,
		Status:   task.StatusFailed,
		Error:    msg,
		Duration: time.Since(started),
	}
}
