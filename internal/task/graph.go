package task

import (
	"errors"
	"fmt"
)

var (
	// ErrCycle is returned when the dependency graph contains a cycle.
	ErrCycle = errors.New("task graph contains a cycle")

	// ErrUnknownDependency is returned when a spec depends on a task that
	// is not declared in the graph.
	ErrUnknownDependency = errors.New("dependency on undeclared task")

	// ErrDuplicateTask is returned when two specs share a name.
	ErrDuplicateTask = errors.New("duplicate task name")
)

// Graph is a validated, acyclic set of task specs. Scheduling tie-breaks
// follow declaration order, so iteration over Specs() is deterministic.
type Graph struct {
	specs  []Spec
	byName map[string]int
}

// NewGraph validates the specs and builds a graph. It fails fast on
// duplicate names, undeclared dependencies, and cycles.
func NewGraph(specs []Spec) (*Graph, error) {
	g := &Graph{
		specs:  make([]Spec, len(specs)),
		byName: make(map[string]int, len(specs)),
	}
	copy(g.specs, specs)

	for i, s := range g.specs {
		if s.Name == "" {
			return nil, fmt.Errorf("task at index %d has empty name", i)
		}
		if _, exists := g.byName[s.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, s.Name)
		}
		g.byName[s.Name] = i
	}
	for _, s := range g.specs {
		for _, dep := range s.DependsOn {
			if _, ok := g.byName[dep]; !ok {
				return nil, fmt.Errorf("%w: %q depends on %q", ErrUnknownDependency, s.Name, dep)
			}
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully explored
)

func (g *Graph) checkAcyclic() error {
	colors := make([]int, len(g.specs))
	var visit func(i int) error
	visit = func(i int) error {
		colors[i] = colorGray
		for _, dep := range g.specs[i].DependsOn {
			j := g.byName[dep]
			switch colors[j] {
			case colorGray:
				return fmt.Errorf("%w: via %q -> %q", ErrCycle, g.specs[i].Name, dep)
			case colorWhite:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		colors[i] = colorBlack
		return nil
	}
	for i := range g.specs {
		if colors[i] == colorWhite {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Specs returns the specs in declaration order.
func (g *Graph) Specs() []Spec {
	return g.specs
}

// Spec returns the named spec.
func (g *Graph) Spec(name string) (Spec, bool) {
	i, ok := g.byName[name]
	if !ok {
		return Spec{}, false
	}
	return g.specs[i], true
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.specs)
}

// Depth returns the longest dependency chain in the graph. Dispatch rounds
// are bounded by this value.
func (g *Graph) Depth() int {
	memo := make([]int, len(g.specs))
	for i := range memo {
		memo[i] = -1
	}
	var depth func(i int) int
	depth = func(i int) int {
		if memo[i] >= 0 {
			return memo[i]
		}
		d := 1
		for _, dep := range g.specs[i].DependsOn {
			if dd := depth(g.byName[dep]) + 1; dd > d {
				d = dd
			}
		}
		memo[i] = d
		return d
	}
	max := 0
	for i := range g.specs {
		if d := depth(i); d > max {
			max = d
		}
	}
	return max
}
