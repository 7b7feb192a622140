package config

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/taskgrid/internal/ctxlog"
)

// HCLLoader parses pipeline definitions written in HCL:
//
//	vars = {
//	  ref = "/data/ref/genome.fa"
//	}
//
//	pipeline "example" {
//	  workdir = "work"
//
//	  step "align" {
//	    command = "aligner"
//	    args    = ["-r", var.ref, "-o", "aligned.bam", "reads.fq"]
//	    inputs  = ["reads.fq"]
//	    outputs = ["aligned.bam"]
//	    cost    = 2
//	    timeout = "30m"
//	  }
//	}
//
// A step holds either the command/args shorthand or one or more exec blocks
// for multi-command steps. Step inputs and outputs are declared relative to
// the pipeline workdir, the same way the commands see them. The top-level
// vars map holds literal values made available to the rest of the file as
// var.<name>.
type HCLLoader struct{}

// NewHCLLoader returns the HCL pipeline loader.
func NewHCLLoader() *HCLLoader { return &HCLLoader{} }

type hclRoot struct {
	Vars     map[string]cty.Value `hcl:"vars,optional"`
	Pipeline *hclPipeline         `hcl:"pipeline,block"`
}

// hclVars is the first-pass schema: only the vars map is decoded, with no
// evaluation context, so variable values must be literals.
type hclVars struct {
	Vars   map[string]cty.Value `hcl:"vars,optional"`
	Remain hcl.Body             `hcl:",remain"`
}

type hclPipeline struct {
	Name    string    `hcl:"name,label"`
	Workdir string    `hcl:"workdir,optional"`
	Steps   []hclStep `hcl:"step,block"`
}

type hclStep struct {
	Name      string            `hcl:"name,label"`
	Command   string            `hcl:"command,optional"`
	Args      []string          `hcl:"args,optional"`
	Exec      []hclExec         `hcl:"exec,block"`
	Env       map[string]string `hcl:"env,optional"`
	Inputs    []string          `hcl:"inputs,optional"`
	Outputs   []string          `hcl:"outputs,optional"`
	DependsOn []string          `hcl:"depends_on,optional"`
	Cost      int               `hcl:"cost,optional"`
	Timeout   string            `hcl:"timeout,optional"`
}

type hclExec struct {
	Command string   `hcl:"command"`
	Args    []string `hcl:"args,optional"`
}

// Load implements Loader.
func (l *HCLLoader) Load(ctx context.Context, path string) (*Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Parsing HCL pipeline file.", "path", path)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", path, diags)
	}

	// Two-pass decode: vars first, then the full file with var.<name>
	// resolvable everywhere else.
	var vars hclVars
	if diags := gohcl.DecodeBody(file.Body, nil, &vars); diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", path, diags)
	}
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": varsValue(vars.Vars)},
	}

	var root hclRoot
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &root); diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", path, diags)
	}
	if root.Pipeline == nil {
		return nil, fmt.Errorf("%s: no pipeline block found", path)
	}

	p, err := root.Pipeline.toModel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	logger.Debug("Pipeline file loaded.", "pipeline", p.Name, "steps", len(p.Steps))
	return p, nil
}

func varsValue(vars map[string]cty.Value) cty.Value {
	if len(vars) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(vars)
}

func (hp *hclPipeline) toModel() (*Pipeline, error) {
	p := &Pipeline{Name: hp.Name, Workdir: hp.Workdir}
	for _, hs := range hp.Steps {
		step, err := hs.toModel()
		if err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, step)
	}
	return p, nil
}

func (hs *hclStep) toModel() (Step, error) {
	step := Step{
		Name:      hs.Name,
		Env:       hs.Env,
		Inputs:    hs.Inputs,
		Outputs:   hs.Outputs,
		DependsOn: hs.DependsOn,
		Cost:      hs.Cost,
	}

	if hs.Command != "" && len(hs.Exec) > 0 {
		return Step{}, fmt.Errorf("step %q: use either the command attribute or exec blocks, not both", hs.Name)
	}
	if hs.Command != "" {
		step.Commands = []Invocation{{Command: hs.Command, Args: hs.Args}}
	}
	for _, ex := range hs.Exec {
		step.Commands = append(step.Commands, Invocation{Command: ex.Command, Args: ex.Args})
	}

	if hs.Timeout != "" {
		d, err := time.ParseDuration(hs.Timeout)
		if err != nil {
			return Step{}, fmt.Errorf("step %q: invalid timeout %q: %w", hs.Name, hs.Timeout, err)
		}
		step.Timeout = d
	}
	return step, nil
}
