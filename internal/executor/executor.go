package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/task"
)

// Invoker runs one task spec to a terminal result. The supervised invoker
// is the production implementation.
type Invoker interface {
	Invoke(ctx context.Context, spec task.Spec, query string, tc task.Context) *task.Result
}

// Outcome reports how a Run ended: either the graph settled (no runnable
// task remains) or a task signaled suspension and new dispatch froze.
type Outcome struct {
	Suspended   bool
	SuspendedBy string
	Signals     []task.Suspension
}

// Executor owns the task dependency graph for one session. It dispatches
// runnable tasks concurrently and merges results at a single collection
// point, so session context writes need no further locking.
type Executor struct {
	graph    *task.Graph
	invoker  Invoker
	logger   *zap.Logger
	onResult func(*task.Result)
}

// New creates an executor. onResult, if non-nil, is called serially at the
// collection point for every completed result (checkpointing, progress).
func New(graph *task.Graph, invoker Invoker, logger *zap.Logger, onResult func(*task.Result)) *Executor {
	return &Executor{graph: graph, invoker: invoker, logger: logger, onResult: onResult}
}

// Run drives the graph until no task is runnable or a suspension signal is
// observed. tc.Results is the session context: tasks that already carry a
// result are skipped, which is also how resume after a human answer works.
// On suspension, already-dispatched tasks drain and their results are
// recorded; no new task is dispatched.
func (e *Executor) Run(ctx context.Context, tc task.Context) Outcome {
	inflight := 0
	results := make(chan *task.Result)
	dispatched := make(map[string]bool, e.graph.Len())

	var out Outcome

	record := func(r *task.Result) {
		tc.Results[r.Task] = r
		if e.onResult != nil {
			e.onResult(r)
		}
		if signals := r.Suspensions(); len(signals) > 0 {
			if !out.Suspended {
				out.Suspended = true
				out.SuspendedBy = r.Task
			}
			out.Signals = append(out.Signals, signals...)
			e.logger.Info("Task signaled suspension",
				zap.String("task", r.Task),
				zap.Int("signals", len(signals)),
			)
		}
	}

	// dispatch scans specs in declaration order and starts every runnable
	// task. Inline auto-degradation can unlock further tasks, so it loops
	// to a fixpoint. Declaration order makes scheduling deterministic.
	dispatch := func() {
		for progressed := true; progressed && !out.Suspended; {
			progressed = false
			for _, spec := range e.graph.Specs() {
				if _, done := tc.Results[spec.Name]; done || dispatched[spec.Name] {
					continue
				}
				ready, upstreamFailed := e.upstreamState(tc, spec)
				if !ready {
					continue
				}
				if upstreamFailed {
					// A hard-failed upstream degrades this task without
					// invocation; failure never propagates as a stop.
					record(&task.Result{
						Task:   spec.Name,
						Status: task.StatusDegraded,
						Payload: map[string]any{
							"fallback": true,
							"reason":   "upstream dependency failed",
						},
					})
					progressed = true
					continue
				}

				dispatched[spec.Name] = true
				inflight++
				snapshot := snapshotContext(tc)
				go func(spec task.Spec) {
					results <- e.invoker.Invoke(ctx, spec, tc.Query, snapshot)
				}(spec)
			}
		}
	}

	dispatch()
	for inflight > 0 {
		r := <-results
		inflight--
		record(r)
		if !out.Suspended {
			dispatch()
		}
	}

	return out
}

// upstreamState reports whether every dependency has settled and whether
// any settled hard-failed.
func (e *Executor) upstreamState(tc task.Context, spec task.Spec) (ready, failed bool) {
	for _, dep := range spec.DependsOn {
		res, ok := tc.Results[dep]
		if !ok {
			return false, false
		}
		if res.Status == task.StatusFailed {
			failed = true
		}
	}
	return true, failed
}

// snapshotContext copies the result map so a concurrently-running task
// never observes the collection point mid-merge.
func snapshotContext(tc task.Context) task.Context {
	results := make(map[string]*task.Result, len(tc.Results))
	for k, v := range tc.Results {
		results[k] = v
	}
	return task.Context{
		Query:        tc.Query,
		Attachments:  tc.Attachments,
		Results:      results,
		HumanAnswers: tc.HumanAnswers,
	}
}
