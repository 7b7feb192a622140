package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/vk/taskgrid/internal/node"
)

// Outcome classifies one whole engine run.
type Outcome int

const (
	// AllSucceeded means every node ended Done or Skipped.
	AllSucceeded Outcome = iota
	// CompletedWithFailures means scheduling ran to the end but at least
	// one node failed or was blocked.
	CompletedWithFailures
	// FatalSetupError means graph validation failed before any node ran.
	FatalSetupError
)

// String returns the canonical name of the outcome.
func (o Outcome) String() string {
	switch o {
	case AllSucceeded:
		return "all succeeded"
	case CompletedWithFailures:
		return "completed with failures"
	case FatalSetupError:
		return "fatal setup error"
	default:
		return "unknown"
	}
}

// NodeReport is the final record of one node: where it ended and, for
// failures, the diagnostics an operator needs verbatim.
type NodeReport struct {
	ID     string
	Status node.Status

	// BlockedBy names the failed upstream node for Blocked status, or is
	// empty when the node was blocked by cancellation.
	BlockedBy string

	// Failure diagnostics, populated only for Failed nodes.
	FailedCommand string
	ExitCode      int
	TimedOut      bool
	Stdout        []byte
	Stderr        []byte
	// Err is set when the run could not even be performed (execution
	// context setup failure), as opposed to the command failing.
	Err error

	Duration time.Duration
}

// Result is the overall outcome of Execute. Node identifier slices are in
// topological order so reports are reproducible run to run.
type Result struct {
	Outcome Outcome
	// SetupErr holds the graph validation error for FatalSetupError.
	SetupErr error

	// Reports maps node identifier to its final report. Empty for
	// FatalSetupError.
	Reports map[string]*NodeReport

	Ran     []string
	Skipped []string
	Failed  []string
	Blocked []string
}

// Err returns nil for a fully successful run and a descriptive error
// otherwise, so callers can treat the result as an ordinary error value.
func (r *Result) Err() error {
	switch r.Outcome {
	case AllSucceeded:
		return nil
	case FatalSetupError:
		return r.SetupErr
	default:
		return fmt.Errorf("pipeline completed with %d failed and %d blocked node(s)",
			len(r.Failed), len(r.Blocked))
	}
}

// PlanAction is the dry-run decision for one node.
type PlanAction int

const (
	// ActionRun means the node would be dispatched.
	ActionRun PlanAction = iota
	// ActionSkip means the node's outputs are already up to date.
	ActionSkip
)

// String returns "run" or "skip".
func (a PlanAction) String() string {
	if a == ActionSkip {
		return "skip"
	}
	return "run"
}

// Decision pairs a node with its dry-run action.
type Decision struct {
	ID     string
	Action PlanAction
}

// Plan is the output of DryRun: the planned execution order with a
// skip/run decision per node and no side effects performed.
type Plan struct {
	Decisions []Decision
}

// Runs returns how many nodes the plan would execute.
func (p *Plan) Runs() int {
	count := 0
	for _, d := range p.Decisions {
		if d.Action == ActionRun {
			count++
		}
	}
	return count
}

var errCanceled = errors.New("run canceled before dispatch")
