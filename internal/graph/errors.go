package graph

import (
	"fmt"
	"strings"
)

// ErrorKind classifies the construction-time failures of a graph. All of
// them are fatal to the whole run and are surfaced before any node executes.
type ErrorKind int

const (
	// UnresolvedDependency means a node names a dependency that is not in
	// the node collection.
	UnresolvedDependency ErrorKind = iota
	// OutputConflict means two nodes claim the same output path.
	OutputConflict
	// CycleDetected means the dependency relation contains a cycle.
	CycleDetected
	// DuplicateID means two nodes share the same identifier.
	DuplicateID
)

// String returns the canonical name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case UnresolvedDependency:
		return "unresolved dependency"
	case OutputConflict:
		return "output conflict"
	case CycleDetected:
		return "cycle detected"
	case DuplicateID:
		return "duplicate node id"
	default:
		return "unknown"
	}
}

// ValidationError reports why a node collection could not be assembled into
// a valid graph.
type ValidationError struct {
	Kind ErrorKind
	// Node is the identifier of the offending node, where one exists.
	Node string
	// Reference is the missing dependency identifier, the conflicting
	// output path, or the duplicated identifier, depending on Kind.
	Reference string
	// Other is the second claimant of a conflicting output path.
	Other string
	// Cycle holds the identifiers forming the cycle, in dependency order,
	// with the first identifier repeated at the end.
	Cycle []string
}

// Error implements the error interface with enough detail for an operator
// to locate the problem in the pipeline definition.
func (e *ValidationError) Error() string {
	switch e.Kind {
	case UnresolvedDependency:
		return fmt.Sprintf("node %q depends on unknown node %q", e.Node, e.Reference)
	case OutputConflict:
		return fmt.Sprintf("output %q is claimed by both %q and %q", e.Reference, e.Node, e.Other)
	case CycleDetected:
		return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
	case DuplicateID:
		return fmt.Sprintf("node id %q is defined more than once", e.Reference)
	default:
		return "invalid graph"
	}
}
