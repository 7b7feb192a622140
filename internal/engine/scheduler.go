package engine

import (
	"context"
	"sync"
	"time"

	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/fingerprint"
	"github.com/vk/taskgrid/internal/graph"
	"github.com/vk/taskgrid/internal/node"
)

// completion is the message a worker sends back when one node run ends.
type completion struct {
	id       string
	res      *node.RunResult
	runErr   error
	sig      fingerprint.Signature
	sigErr   error
	cost     int
	duration time.Duration
}

// table is the scheduler's shared state: node statuses, unmet-dependency
// counters and in-flight cost accounting. Every access happens under mu;
// only the run bodies themselves execute outside the critical section.
type table struct {
	mu sync.Mutex

	graph  *graph.Graph
	order  []string
	budget int

	status   map[string]node.Status
	waiting  map[string]int
	reports  map[string]*NodeReport
	inFlight int
	running  int

	// admitting turns false once fail-fast trips or the context is
	// canceled; in-flight work always drains.
	admitting bool

	completions chan completion
}

func newTable(g *graph.Graph, budget int) *table {
	order := g.TopoOrder()
	t := &table{
		graph:       g,
		order:       order,
		budget:      budget,
		status:      make(map[string]node.Status, len(order)),
		waiting:     make(map[string]int, len(order)),
		reports:     make(map[string]*NodeReport, len(order)),
		admitting:   true,
		completions: make(chan completion, len(order)),
	}
	for _, id := range order {
		t.status[id] = node.Pending
		t.waiting[id] = len(g.Dependencies(id))
		t.reports[id] = &NodeReport{ID: id, Status: node.Pending}
	}
	return t
}

func (t *table) setStatus(id string, s node.Status) {
	t.status[id] = s
	t.reports[id].Status = s
}

// satisfy decrements the unmet-dependency counter of every dependent of id.
// Callers hold mu.
func (t *table) satisfy(id string) {
	for _, dep := range t.graph.Dependents(id) {
		t.waiting[dep]--
	}
}

// markReady promotes Pending nodes whose dependencies are all satisfied.
// Callers hold mu. Returns true if any node changed state.
func (t *table) markReady() bool {
	changed := false
	for _, id := range t.order {
		if t.status[id] == node.Pending && t.waiting[id] == 0 {
			t.setStatus(id, node.Ready)
			changed = true
		}
	}
	return changed
}

// blockDownstream marks every not-yet-started transitive dependent of the
// failed node as Blocked. Callers hold mu.
func (t *table) blockDownstream(ctx context.Context, failed string) {
	logger := ctxlog.FromContext(ctx)
	for _, id := range t.graph.TransitiveDependents(failed) {
		switch t.status[id] {
		case node.Pending, node.Ready:
			logger.Warn("Blocking node, upstream dependency failed.",
				"node", id, "failed", failed)
			t.setStatus(id, node.Blocked)
			t.reports[id].BlockedBy = failed
		}
	}
}

// blockRemaining marks every node that never started as Blocked. Used when
// admission has stopped (cancellation or fail-fast) and nothing is running
// anymore.
func (t *table) blockRemaining() {
	for _, id := range t.order {
		switch t.status[id] {
		case node.Pending, node.Ready:
			t.setStatus(id, node.Blocked)
			t.reports[id].Err = errCanceled
		}
	}
}

// finished reports whether every node reached a terminal status. Callers
// hold mu.
func (t *table) finished() bool {
	for _, id := range t.order {
		if !t.status[id].IsTerminal() {
			return false
		}
	}
	return true
}

// result assembles the final Result from the table. Identifier slices come
// out in topological order.
func (t *table) result() *Result {
	r := &Result{Outcome: AllSucceeded, Reports: t.reports}
	for _, id := range t.order {
		switch t.status[id] {
		case node.Done:
			r.Ran = append(r.Ran, id)
		case node.Skipped:
			r.Skipped = append(r.Skipped, id)
		case node.Failed:
			r.Failed = append(r.Failed, id)
		case node.Blocked:
			r.Blocked = append(r.Blocked, id)
		}
	}
	if len(r.Failed) > 0 || len(r.Blocked) > 0 {
		r.Outcome = CompletedWithFailures
	}
	return r
}
