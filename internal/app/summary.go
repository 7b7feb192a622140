package app

import (
	"fmt"
	"strings"

	"github.com/vk/taskgrid/internal/engine"
)

// stderrTailLines bounds how much captured stderr the summary repeats for
// each failed node; the full capture stays available in the logs.
const stderrTailLines = 10

// printPlan renders a dry-run plan: the deterministic execution order with
// the skip/run decision per node.
func (a *App) printPlan(plan *engine.Plan) {
	fmt.Fprintf(a.outW, "Planned execution (%d to run, %d up to date):\n",
		plan.Runs(), len(plan.Decisions)-plan.Runs())
	for _, d := range plan.Decisions {
		fmt.Fprintf(a.outW, "  %-5s %s\n", d.Action, d.ID)
	}
}

// printSummary renders the outcome of an execution, including the full
// blast radius of any failure: failed nodes with their diagnostics, and
// every node blocked because of them.
func (a *App) printSummary(res *engine.Result) {
	fmt.Fprintf(a.outW, "Pipeline finished: %d ran, %d skipped, %d failed, %d blocked\n",
		len(res.Ran), len(res.Skipped), len(res.Failed), len(res.Blocked))

	for _, id := range res.Failed {
		rep := res.Reports[id]
		switch {
		case rep.TimedOut:
			fmt.Fprintf(a.outW, "failed: %s: timed out running %s\n", id, rep.FailedCommand)
		case rep.Err != nil:
			fmt.Fprintf(a.outW, "failed: %s: %v\n", id, rep.Err)
		default:
			fmt.Fprintf(a.outW, "failed: %s: %s exited with %d\n", id, rep.FailedCommand, rep.ExitCode)
		}
		for _, line := range tailLines(rep.Stderr, stderrTailLines) {
			fmt.Fprintf(a.outW, "    %s\n", line)
		}
	}

	for _, id := range res.Blocked {
		rep := res.Reports[id]
		if rep.BlockedBy != "" {
			fmt.Fprintf(a.outW, "blocked: %s (upstream %s failed)\n", id, rep.BlockedBy)
		} else {
			fmt.Fprintf(a.outW, "blocked: %s (never started)\n", id)
		}
	}
}

// tailLines returns up to n trailing non-empty lines of a capture.
func tailLines(data []byte, n int) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
