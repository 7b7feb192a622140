package node

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"time"
)

// CommandConfig is the raw configuration a CommandNode is built from. The
// config package produces these from pipeline files; tests build them
// directly.
type CommandConfig struct {
	// Name becomes the node ID and must be unique within a pipeline.
	Name string
	// Commands are executed in order; at least one is required.
	Commands []Command
	// Env is merged over the inherited environment.
	Env map[string]string
	// Dir is the working directory for the commands.
	Dir string

	// Inputs and Outputs are declared relative to Dir; absolute paths are
	// taken as-is.
	Inputs    []string
	Outputs   []string
	DependsOn []string

	// Cost is the resource weight; values below 1 are raised to 1.
	Cost int
	// Timeout bounds one run; zero disables the limit.
	Timeout time.Duration
}

// CommandNode wraps one or more external command invocations that transform
// input files into output files. It implements Node.
type CommandNode struct {
	id       string
	commands []Command
	env      []string
	dir      string
	inputs   []string
	outputs  []string
	deps     []string
	cost     int
	timeout  time.Duration
	params   []byte
}

// NewCommand validates the configuration and constructs a CommandNode. The
// parameter blob is computed once here so repeated fingerprinting is cheap
// and deterministic.
func NewCommand(cfg CommandConfig) (*CommandNode, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("command node: name is required")
	}
	if len(cfg.Commands) == 0 {
		return nil, fmt.Errorf("command node %q: at least one command is required", cfg.Name)
	}
	for i, c := range cfg.Commands {
		if c.Program == "" {
			return nil, fmt.Errorf("command node %q: command %d has no program", cfg.Name, i)
		}
	}

	cost := cfg.Cost
	if cost < 1 {
		cost = 1
	}

	n := &CommandNode{
		id:       cfg.Name,
		commands: slices.Clone(cfg.Commands),
		env:      flattenEnv(cfg.Env),
		dir:      cfg.Dir,
		inputs:   resolvePaths(cfg.Dir, cfg.Inputs),
		outputs:  resolvePaths(cfg.Dir, cfg.Outputs),
		deps:     dedupeSorted(cfg.DependsOn),
		cost:     cost,
		timeout:  cfg.Timeout,
	}

	params, err := n.encodeParams()
	if err != nil {
		return nil, fmt.Errorf("command node %q: encoding parameters: %w", cfg.Name, err)
	}
	n.params = params

	return n, nil
}

// ID implements Node.
func (n *CommandNode) ID() string { return n.id }

// Dependencies implements Node.
func (n *CommandNode) Dependencies() []string { return slices.Clone(n.deps) }

// Inputs implements Node.
func (n *CommandNode) Inputs() []string { return slices.Clone(n.inputs) }

// Outputs implements Node.
func (n *CommandNode) Outputs() []string { return slices.Clone(n.outputs) }

// Parameters implements Node.
func (n *CommandNode) Parameters() []byte { return slices.Clone(n.params) }

// Cost implements Node.
func (n *CommandNode) Cost() int { return n.cost }

// Timeout implements Node.
func (n *CommandNode) Timeout() time.Duration { return n.timeout }

// Run implements Node by delegating the side-effecting work to the given
// execution context.
func (n *CommandNode) Run(ctx context.Context, rc RunContext) (*RunResult, error) {
	return rc.RunCommands(ctx, Work{
		Dir:      n.dir,
		Env:      slices.Clone(n.env),
		Commands: slices.Clone(n.commands),
		Outputs:  slices.Clone(n.outputs),
		Timeout:  n.timeout,
	})
}

// encodeParams serializes the command configuration into a stable blob. The
// field order is fixed by the struct, and env is pre-sorted, so identical
// configuration always yields identical bytes.
func (n *CommandNode) encodeParams() ([]byte, error) {
	return json.Marshal(struct {
		Dir      string    `json:"dir,omitempty"`
		Env      []string  `json:"env,omitempty"`
		Commands []Command `json:"commands"`
		Outputs  []string  `json:"outputs,omitempty"`
	}{
		Dir:      n.dir,
		Env:      n.env,
		Commands: n.commands,
		Outputs:  n.outputs,
	})
}

// flattenEnv converts an environment map into sorted KEY=VALUE form.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// resolvePaths cleans, deduplicates and sorts a path set, resolving
// relative paths against the node's working directory. Every engine-side
// filesystem operation and every cross-node path comparison then sees one
// canonical form.
func resolvePaths(dir string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		if dir != "" && !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		resolved = append(resolved, filepath.Clean(p))
	}
	return dedupeSorted(resolved)
}

func dedupeSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	sort.Strings(out)
	return slices.Compact(out)
}
