// Package engine schedules a validated node graph to completion.
//
// The scheduler walks the graph in a deterministic topological order,
// skips nodes whose fingerprints are current, dispatches the rest to a
// bounded worker pool under a resource-cost budget, and propagates failure
// to dependents without stopping unrelated branches.
package engine

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/fingerprint"
	"github.com/vk/taskgrid/internal/graph"
	"github.com/vk/taskgrid/internal/node"
)

// FingerprintStore is the engine's view of fingerprint persistence. The
// fingerprint package provides the real store; tests may substitute fakes.
type FingerprintStore interface {
	IsUpToDate(ctx context.Context, n node.Node) bool
	Snapshot(ctx context.Context, n node.Node) (fingerprint.Signature, error)
	Commit(ctx context.Context, n node.Node, sig fingerprint.Signature) error
}

// Options configures one engine run.
type Options struct {
	// Budget is the concurrency budget in cost units. The summed cost of
	// concurrently running nodes never exceeds it. Values below 1 are
	// raised to 1.
	Budget int
	// FailFast stops admitting new work once any node fails; in-flight
	// runs always drain.
	FailFast bool
}

// Engine executes one validated graph. Create it with New and use it for a
// single Execute or DryRun call.
type Engine struct {
	graph  *graph.Graph
	store  FingerprintStore
	runner node.RunContext
	opts   Options
}

// New assembles an engine over an already-validated graph.
func New(g *graph.Graph, store FingerprintStore, runner node.RunContext, opts Options) *Engine {
	if opts.Budget < 1 {
		opts.Budget = 1
	}
	return &Engine{graph: g, store: store, runner: runner, opts: opts}
}

// Run builds a graph from the node collection and executes it. Validation
// failures surface as a FatalSetupError result before any node runs.
func Run(ctx context.Context, nodes []node.Node, store FingerprintStore, runner node.RunContext, opts Options) *Result {
	g, err := graph.Build(nodes)
	if err != nil {
		return &Result{Outcome: FatalSetupError, SetupErr: err}
	}
	return New(g, store, runner, opts).Execute(ctx)
}

// Execute schedules the whole graph to completion and reports the outcome.
//
// The loop alternates between admitting work under the scheduling lock and
// waiting for the next worker completion. Fingerprint commits happen before
// a node is published as Done, which in turn happens before any dependent
// is admitted, so a dependent can never start against a not-yet-durable
// upstream result.
func (e *Engine) Execute(ctx context.Context) *Result {
	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	logger.Info("Starting pipeline execution.",
		"nodes", e.graph.Len(), "budget", e.opts.Budget, "fail_fast", e.opts.FailFast)

	t := newTable(e.graph, e.opts.Budget)
	workers := pool.New().WithMaxGoroutines(e.opts.Budget)

	for {
		e.dispatch(ctx, t, workers)

		t.mu.Lock()
		if t.finished() {
			t.mu.Unlock()
			break
		}
		if t.running == 0 {
			// Nothing is running and nothing could be admitted:
			// the remainder is unreachable in this run.
			t.blockRemaining()
			t.mu.Unlock()
			break
		}
		t.mu.Unlock()

		c := <-t.completions
		e.complete(ctx, t, c)
	}

	workers.Wait()

	res := t.result()
	logger.Info("Pipeline execution finished.",
		"outcome", res.Outcome.String(),
		"ran", len(res.Ran), "skipped", len(res.Skipped),
		"failed", len(res.Failed), "blocked", len(res.Blocked),
		"duration", time.Since(start))
	return res
}

// dispatch admits ready nodes until no further progress is possible: it
// promotes Pending nodes to Ready, skips up-to-date nodes without consuming
// a slot, and starts the rest while their summed cost fits the budget.
// Admission follows the topological order, so repeated runs over an
// unchanged graph produce the same dispatch sequence.
func (e *Engine) dispatch(ctx context.Context, t *table, workers *pool.Pool) {
	logger := ctxlog.FromContext(ctx)

	type launch struct {
		n    node.Node
		cost int
	}
	var launches []launch

	t.mu.Lock()
	if ctx.Err() != nil {
		t.admitting = false
	}
	for progress := true; progress; {
		progress = t.markReady()

		if !t.admitting {
			break
		}
		for _, id := range t.order {
			if t.status[id] != node.Ready {
				continue
			}
			n := e.graph.Node(id)

			if e.store.IsUpToDate(ctx, n) {
				logger.Info("Node is up to date, skipping.", "node", id)
				t.setStatus(id, node.Skipped)
				t.satisfy(id)
				progress = true
				continue
			}

			cost := n.Cost()
			if cost > t.budget {
				logger.Warn("Node cost exceeds the budget, clamping; it will run alone.",
					"node", id, "cost", cost, "budget", t.budget)
				cost = t.budget
			}
			if t.inFlight+cost > t.budget {
				continue
			}

			t.setStatus(id, node.Running)
			t.inFlight += cost
			t.running++
			launches = append(launches, launch{n: n, cost: cost})
			progress = true
		}
	}
	t.mu.Unlock()

	// Workers start outside the critical section; pool.Go never blocks
	// here because admission caps concurrent runs at Budget goroutines.
	for _, l := range launches {
		workers.Go(func() {
			e.runNode(ctx, t, l.n, l.cost)
		})
	}
}

// runNode executes one node in a worker and reports the completion. The
// final signature is computed here, after a successful run, so the
// scheduling lock is never held during filesystem work.
func (e *Engine) runNode(ctx context.Context, t *table, n node.Node, cost int) {
	logger := ctxlog.FromContext(ctx)
	logger.Info("Running node.", "node", n.ID(), "cost", cost)

	started := time.Now()
	res, err := n.Run(ctx, e.runner)

	c := completion{
		id:       n.ID(),
		res:      res,
		runErr:   err,
		cost:     cost,
		duration: time.Since(started),
	}
	if err == nil && res != nil && res.Outcome == node.Success {
		c.sig, c.sigErr = e.store.Snapshot(ctx, n)
	}
	t.completions <- c
}

// complete folds one worker completion back into the table: commit and Done
// on success, Failed plus blocked dependents on failure.
func (e *Engine) complete(ctx context.Context, t *table, c completion) {
	logger := ctxlog.FromContext(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.inFlight -= c.cost
	t.running--

	rep := t.reports[c.id]
	rep.Duration = c.duration

	succeeded := c.runErr == nil && c.res != nil && c.res.Outcome == node.Success
	if succeeded {
		if c.sigErr != nil {
			// Losing the record only costs a re-run next invocation.
			logger.Warn("Could not compute fingerprint after successful run.",
				"node", c.id, "error", c.sigErr)
		} else if err := e.store.Commit(ctx, e.graph.Node(c.id), c.sig); err != nil {
			logger.Warn("Could not persist fingerprint after successful run.",
				"node", c.id, "error", err)
		}
		logger.Info("Node finished.", "node", c.id, "duration", c.duration)
		t.setStatus(c.id, node.Done)
		t.satisfy(c.id)
		return
	}

	if c.res != nil {
		rep.FailedCommand = c.res.FailedCommand
		rep.ExitCode = c.res.ExitCode
		rep.TimedOut = c.res.TimedOut
		rep.Stdout = c.res.Stdout
		rep.Stderr = c.res.Stderr
	}
	rep.Err = c.runErr

	logger.Error("Node failed.",
		"node", c.id, "command", rep.FailedCommand,
		"exit_code", rep.ExitCode, "timed_out", rep.TimedOut, "error", c.runErr)
	t.setStatus(c.id, node.Failed)
	t.blockDownstream(ctx, c.id)

	if e.opts.FailFast && t.admitting {
		logger.Warn("Fail-fast: no new nodes will be admitted.", "failed", c.id)
		t.admitting = false
	}
}

// DryRun reports the planned ordering and skip/run decisions without side
// effects: nothing is executed and nothing is written to the store.
//
// A node is planned as a skip only if its fingerprint is current and every
// upstream node is also skipped; once an upstream re-runs, its outputs are
// assumed to change, so everything downstream is planned to run.
func (e *Engine) DryRun(ctx context.Context) *Plan {
	willRun := make(map[string]bool)
	plan := &Plan{}

	for _, id := range e.graph.TopoOrder() {
		n := e.graph.Node(id)

		action := ActionSkip
		for _, dep := range e.graph.Dependencies(id) {
			if willRun[dep] {
				action = ActionRun
				break
			}
		}
		if action == ActionSkip && !e.store.IsUpToDate(ctx, n) {
			action = ActionRun
		}

		willRun[id] = action == ActionRun
		plan.Decisions = append(plan.Decisions, Decision{ID: id, Action: action})
	}
	return plan
}
