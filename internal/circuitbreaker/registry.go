package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/metrics"
)

// Registry hands out one breaker per capability, shared process-wide so
// failures observed in one session protect every other session.
type Registry struct {
	mu        sync.Mutex
	logger    *zap.Logger
	defaults  Config
	overrides map[string]Config
	breakers  map[string]*Breaker
}

// NewRegistry creates a registry. Per-capability overrides take precedence
// over the default config.
func NewRegistry(defaults Config, overrides map[string]Config, logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		defaults:  defaults,
		overrides: overrides,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for a capability, creating it on first use.
func (r *Registry) Get(capability string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[capability]; ok {
		return b
	}

	cfg := r.defaults
	if override, ok := r.overrides[capability]; ok {
		cfg = override
	}
	userChange := cfg.OnStateChange
	cfg.OnStateChange = func(capability string, from, to State) {
		metrics.CircuitBreakerState.WithLabelValues(capability).Set(float64(to))
		metrics.CircuitBreakerTransitions.WithLabelValues(capability, from.String(), to.String()).Inc()
		if userChange != nil {
			userChange(capability, from, to)
		}
	}

	b := New(capability, cfg, r.logger)
	r.breakers[capability] = b
	return b
}
