package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

// ErrUnknownCapability is returned when no capability is registered under
// the requested name.
var ErrUnknownCapability = errors.New("unknown capability")

// Capability is the port every pluggable analysis unit implements. An
// implementation must honor the context deadline and must not mutate
// caller-owned state; a payload may declare that human input is needed,
// which the core treats as a suspension signal, never as a failure.
type Capability interface {
	Name() string
	Execute(ctx context.Context, query string, tc task.Context) (*task.Result, error)
}

// Registry resolves capability names to implementations. Dispatch is
// resolved through the registry rather than any dynamic typing.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register adds a capability. Registering a duplicate name is a
// programming error and fails loudly.
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[c.Name()]; exists {
		return fmt.Errorf("capability %q already registered", c.Name())
	}
	r.capabilities[c.Name()] = c
	return nil
}

// Get returns the named capability.
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return c, nil
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry wires up the built-in analysis capabilities.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, c := range []Capability{
		NewPolicyRetriever(),
		NewEvidenceCollector(),
		NewVisionOCR(),
		NewCodeScanner(),
		NewRiskScorer(),
		NewRedTeamCritic(),
	} {
		// Built-in names are unique by construction.
		_ = r.Register(c)
	}
	return r
}
