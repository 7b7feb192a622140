package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vk/taskgrid/internal/ctxlog"
)

// YAMLLoader parses the YAML form of a pipeline, mirroring the HCL schema:
//
//	name: example
//	workdir: work
//	steps:
//	  - name: align
//	    command: aligner
//	    args: ["-o", "aligned.bam", "reads.fq"]
//	    inputs: ["reads.fq"]
//	    outputs: ["aligned.bam"]
//	    timeout: 30m
//
// Step inputs and outputs are declared relative to the workdir, the same
// way the commands see them.
type YAMLLoader struct{}

// NewYAMLLoader returns the YAML pipeline loader.
func NewYAMLLoader() *YAMLLoader { return &YAMLLoader{} }

type yamlPipeline struct {
	Name    string     `yaml:"name"`
	Workdir string     `yaml:"workdir"`
	Steps   []yamlStep `yaml:"steps"`
}

type yamlStep struct {
	Name      string            `yaml:"name"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Commands  []yamlInvocation  `yaml:"commands"`
	Env       map[string]string `yaml:"env"`
	Inputs    []string          `yaml:"inputs"`
	Outputs   []string          `yaml:"outputs"`
	DependsOn []string          `yaml:"depends_on"`
	Cost      int               `yaml:"cost"`
	Timeout   string            `yaml:"timeout"`
}

type yamlInvocation struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Load implements Loader. Unknown fields are rejected so typos in pipeline
// files fail loudly instead of silently dropping configuration.
func (l *YAMLLoader) Load(ctx context.Context, path string) (*Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Parsing YAML pipeline file.", "path", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var yp yamlPipeline
	if err := dec.Decode(&yp); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	p := &Pipeline{Name: yp.Name, Workdir: yp.Workdir}
	for _, ys := range yp.Steps {
		step := Step{
			Name:      ys.Name,
			Env:       ys.Env,
			Inputs:    ys.Inputs,
			Outputs:   ys.Outputs,
			DependsOn: ys.DependsOn,
			Cost:      ys.Cost,
		}

		if ys.Command != "" && len(ys.Commands) > 0 {
			return nil, fmt.Errorf("%s: step %q: use either command or commands, not both", path, ys.Name)
		}
		if ys.Command != "" {
			step.Commands = []Invocation{{Command: ys.Command, Args: ys.Args}}
		}
		for _, inv := range ys.Commands {
			step.Commands = append(step.Commands, Invocation{Command: inv.Command, Args: inv.Args})
		}

		if ys.Timeout != "" {
			d, err := time.ParseDuration(ys.Timeout)
			if err != nil {
				return nil, fmt.Errorf("%s: step %q: invalid timeout %q: %w", path, ys.Name, ys.Timeout, err)
			}
			step.Timeout = d
		}

		p.Steps = append(p.Steps, step)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	logger.Debug("Pipeline file loaded.", "pipeline", p.Name, "steps", len(p.Steps))
	return p, nil
}
