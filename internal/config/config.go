// Package config loads declarative pipeline definitions and turns them into
// engine nodes. The model is format-agnostic; HCL is the primary front-end
// and YAML is accepted as an alternative, both decoding into the same
// structures.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vk/taskgrid/internal/node"
)

// Pipeline is the format-agnostic model of one pipeline file.
type Pipeline struct {
	Name    string
	Workdir string
	Steps   []Step
}

// Step is one processing step: one or more command invocations plus the
// declared inputs, outputs and dependencies the engine schedules on.
type Step struct {
	Name      string
	Commands  []Invocation
	Env       map[string]string
	Inputs    []string
	Outputs   []string
	DependsOn []string
	Cost      int
	Timeout   time.Duration
}

// Invocation is a single program call within a step.
type Invocation struct {
	Command string
	Args    []string
}

// Validate checks the model for problems a loader cannot express as a parse
// error. Graph-level validation (cycles, conflicts) happens later, in the
// graph package.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %q defines no steps", p.Name)
	}
	for _, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("pipeline %q contains a step without a name", p.Name)
		}
		if len(s.Commands) == 0 {
			return fmt.Errorf("step %q defines no commands", s.Name)
		}
	}
	return nil
}

// BuildNodes converts the pipeline model into engine nodes. Each step
// becomes one CommandNode whose identity is the step name.
func (p *Pipeline) BuildNodes() ([]node.Node, error) {
	nodes := make([]node.Node, 0, len(p.Steps))
	for _, s := range p.Steps {
		commands := make([]node.Command, 0, len(s.Commands))
		for _, inv := range s.Commands {
			commands = append(commands, node.Command{Program: inv.Command, Args: inv.Args})
		}
		n, err := node.NewCommand(node.CommandConfig{
			Name:      s.Name,
			Commands:  commands,
			Env:       s.Env,
			Dir:       p.Workdir,
			Inputs:    s.Inputs,
			Outputs:   s.Outputs,
			DependsOn: s.DependsOn,
			Cost:      s.Cost,
			Timeout:   s.Timeout,
		})
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Loader turns one pipeline file into the model. Implementations exist per
// format; tests inject models directly and bypass loading entirely.
type Loader interface {
	Load(ctx context.Context, path string) (*Pipeline, error)
}

// ForPath selects a loader by file extension.
func ForPath(path string) (Loader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return NewHCLLoader(), nil
	case ".yaml", ".yml":
		return NewYAMLLoader(), nil
	default:
		return nil, fmt.Errorf("unsupported pipeline format %q (expected .hcl, .yaml or .yml)", filepath.Ext(path))
	}
}
