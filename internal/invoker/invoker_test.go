package invoker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/agents"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/circuitbreaker"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

type stubCapability struct {
	name string
	fn   func(ctx context.Context) (*task.Result, error)
}

func (s *stubCapability) Name() string { return s.name }

func (s *stubCapability) Execute(ctx context.Context, query string, tc task.Context) (*task.Result, error) {
	return s.fn(ctx)
}

func newInvoker(t *testing.T, caps ...agents.Capability) *Supervised {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := agents.NewRegistry()
	for _, c := range caps {
		require.NoError(t, registry.Register(c))
	}
	cfg := Config{BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = 100 // keep circuits closed unless a test trips them
	return New(registry, circuitbreaker.NewRegistry(breakerCfg, nil, logger), cfg, logger)
}

func spec(name string, retries int, timeout time.Duration) task.Spec {
	return task.Spec{Name: name, Capability: name, Timeout: timeout, MaxRetries: retries}
}

func TestInvokeSuccess(t *testing.T) {
	inv := newInvoker(t, &stubCapability{name: "ok", fn: func(ctx context.Context) (*task.Result, error) {
		return &task.Result{Status: task.StatusSuccess, Payload: map[string]any{"v": 1}}, nil
	}})

	res := inv.Invoke(context.Background(), spec("ok", 2, time.Second), "q", task.Context{})
	assert.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "ok", res.Task)
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
}

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	inv := newInvoker(t, &stubCapability{name: "flaky", fn: func(ctx context.Context) (*task.Result, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return &task.Result{Status: task.StatusSuccess}, nil
	}})

	res := inv.Invoke(context.Background(), spec("flaky", 3, time.Second), "q", task.Context{})
	assert.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvokeExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	inv := newInvoker(t, &stubCapability{name: "down", fn: func(ctx context.Context) (*task.Result, error) {
		calls.Add(1)
		return nil, errors.New("permanently broken")
	}})

	res := inv.Invoke(context.Background(), spec("down", 2, time.Second), "q", task.Context{})
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "permanently broken")
	// Never exceeds configured retry count: initial attempt + 2 retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvokeTimeoutCountsAsFailure(t *testing.T) {
	inv := newInvoker(t, &stubCapability{name: "slow", fn: func(ctx context.Context) (*task.Result, error) {
		select {
		case <-time.After(2 * time.Second):
			return &task.Result{Status: task.StatusSuccess}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})

	start := time.Now()
	res := inv.Invoke(context.Background(), spec("slow", 1, 20*time.Millisecond), "q", task.Context{})
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "timed out")
	// Bounded by timeout*(retries+1) plus backoff, with slack for scheduling.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestInvokeOpenCircuitReturnsDegradedFallback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	registry := agents.NewRegistry()
	var calls atomic.Int32
	require.NoError(t, registry.Register(&stubCapability{name: "tripped", fn: func(ctx context.Context) (*task.Result, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}}))

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = 2
	breakerCfg.Cooldown = time.Hour
	breakers := circuitbreaker.NewRegistry(breakerCfg, nil, logger)
	inv := New(registry, breakers, Config{BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}, logger)

	// Trip the circuit.
	res := inv.Invoke(context.Background(), spec("tripped", 1, time.Second), "q", task.Context{})
	assert.Equal(t, task.StatusFailed, res.Status)
	require.Equal(t, circuitbreaker.StateOpen, breakers.Get("tripped").State())

	// Next invocation is short-circuited without touching the capability.
	before := calls.Load()
	res = inv.Invoke(context.Background(), spec("tripped", 3, time.Second), "q", task.Context{})
	assert.Equal(t, task.StatusDegraded, res.Status)
	assert.Equal(t, true, res.Payload["fallback"])
	assert.Equal(t, before, calls.Load())
}

func TestInvokeUnknownCapabilityFails(t *testing.T) {
	inv := newInvoker(t)
	res := inv.Invoke(context.Background(), spec("ghost", 0, time.Second), "q", task.Context{})
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "unknown capability")
}

func TestInvokeNilResultIsFailure(t *testing.T) {
	inv := newInvoker(t, &stubCapability{name: "empty", fn: func(ctx context.Context) (*task.Result, error) {
		return nil, nil
	}})
	res := inv.Invoke(context.Background(), spec("empty", 0, time.Second), "q", task.Context{})
	assert.Equal(t, task.StatusFailed, res.Status)
}
