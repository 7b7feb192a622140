// Package node defines the unit-of-work abstraction the engine schedules.
//
// A Node declares what it depends on, which artifacts it produces, and how to
// produce them. Everything except Run is a pure query; Run is the only place
// side effects happen, and it is safe to invoke concurrently across distinct
// nodes because nodes share no mutable state.
package node

import (
	"context"
	"time"
)

// Status is the scheduling state of a node.
type Status int

const (
	// Pending indicates the node is waiting for its dependencies.
	Pending Status = iota
	// Ready indicates every dependency is Done or Skipped.
	Ready
	// Running indicates a worker is currently executing the node.
	Running
	// Done indicates the node ran and succeeded.
	Done
	// Skipped indicates the node's outputs were already up to date.
	Skipped
	// Failed indicates the node ran and failed.
	Failed
	// Blocked indicates the node was never run because an upstream
	// dependency failed.
	Blocked
)

// String returns the canonical lower-case name of the status.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Done:
		return "done"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status is final for one engine run.
func (s Status) IsTerminal() bool {
	switch s {
	case Done, Skipped, Failed, Blocked:
		return true
	default:
		return false
	}
}

// Satisfies reports whether the status satisfies a dependent's edge.
func (s Status) Satisfies() bool {
	return s == Done || s == Skipped
}

// Command is a single external invocation: a program and its argument list.
type Command struct {
	Program string
	Args    []string
}

// Work describes everything an execution context needs to run one node.
type Work struct {
	// Dir is the working directory for every command, empty for inherited.
	Dir string
	// Env is the environment in KEY=VALUE form, nil for inherited.
	Env []string
	// Commands run in order; the first failure aborts the rest.
	Commands []Command
	// Outputs are the final artifact paths the node is responsible for.
	Outputs []string
	// Timeout bounds the whole run; zero means no limit.
	Timeout time.Duration
}

// Outcome is the result classification of one node run.
type Outcome int

const (
	// Success means every command exited zero and all outputs exist.
	Success Outcome = iota
	// Failure means a command failed, timed out, or an output is missing.
	Failure
)

// RunResult is what one node run hands back to the scheduler.
type RunResult struct {
	Outcome Outcome
	// Stdout and Stderr hold the captured streams of the executed
	// commands, concatenated in execution order.
	Stdout []byte
	Stderr []byte
	// ExitCode is the exit status of the failed command, 0 on success.
	ExitCode int
	// FailedCommand names the command that caused a Failure outcome.
	FailedCommand string
	// TimedOut is set when the run was aborted by its wall-clock limit.
	TimedOut bool
}

// RunContext performs the side-effecting part of a node run: spawning
// processes, redirecting outputs to temporary paths, and committing them
// atomically. It is implemented by the exec package; tests substitute fakes.
type RunContext interface {
	RunCommands(ctx context.Context, work Work) (*RunResult, error)
}

// Node is the contract between the engine and a unit of work.
//
// Dependencies, Inputs, Outputs and Parameters must be deterministic for
// identical configuration and must not change once the node is constructed.
type Node interface {
	// ID is the stable identifier, derived from configuration.
	ID() string
	// Dependencies lists the IDs of nodes that must complete first.
	Dependencies() []string
	// Inputs lists the filesystem paths the node reads. Paths produced by
	// another node imply a dependency on that node.
	Inputs() []string
	// Outputs lists the paths the node is responsible for producing. No
	// two nodes in one graph may claim the same output path.
	Outputs() []string
	// Parameters is an opaque deterministic blob describing the node's
	// command configuration, hashed into its fingerprint.
	Parameters() []byte
	// Cost is the resource weight charged against the scheduler budget
	// while the node runs. Always at least 1.
	Cost() int
	// Timeout bounds one run of the node; zero means no limit.
	Timeout() time.Duration
	// Run performs the node's work through the given context.
	Run(ctx context.Context, rc RunContext) (*RunResult, error)
}
