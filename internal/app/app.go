// Package app wires the pieces of the engine together for one invocation:
// load the pipeline definition, build and validate the node graph, open the
// fingerprint store, execute (or dry-run) and print the summary.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/vk/taskgrid/internal/config"
	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/engine"
	"github.com/vk/taskgrid/internal/exec"
	"github.com/vk/taskgrid/internal/fingerprint"
	"github.com/vk/taskgrid/internal/graph"
)

// ErrPipelineFailed marks a run that completed but left failed or blocked
// nodes behind. Callers use it to pick the right exit code: execution
// failures are distinct from setup errors.
var ErrPipelineFailed = errors.New("pipeline finished with failures")

// Config holds everything an App needs for one invocation.
type Config struct {
	PipelinePath string
	StateDir     string
	Workers      int
	DryRun       bool
	FailFast     bool
	Force        bool
	LogLevel     string
	LogFormat    string
}

// NewConfig validates the raw configuration.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("a pipeline file is required")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	return &cfg, nil
}

// App encapsulates the dependencies and lifecycle of one invocation.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *Config
	loader config.Loader
}

// New constructs the application with its own isolated logger. The loader
// may be nil, in which case it is chosen by the pipeline file extension.
func New(outW io.Writer, cfg *Config, loader config.Loader) (*App, error) {
	if loader == nil {
		var err error
		loader, err = config.ForPath(cfg.PipelinePath)
		if err != nil {
			return nil, err
		}
	}
	return &App{
		outW:   outW,
		logger: newLogger(cfg.LogLevel, cfg.LogFormat, outW),
		cfg:    cfg,
		loader: loader,
	}, nil
}

// Run performs the whole invocation. Setup problems (unreadable pipeline,
// invalid graph) are returned as-is; an execution with failed or blocked
// nodes returns an error wrapping ErrPipelineFailed.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	pipeline, err := a.loader.Load(ctx, a.cfg.PipelinePath)
	if err != nil {
		return err
	}
	a.logger.Info("Pipeline loaded.", "pipeline", pipeline.Name, "steps", len(pipeline.Steps))

	nodes, err := pipeline.BuildNodes()
	if err != nil {
		return err
	}

	g, err := graph.Build(nodes)
	if err != nil {
		return fmt.Errorf("invalid pipeline: %w", err)
	}

	store, err := fingerprint.NewStore(a.stateDir(pipeline))
	if err != nil {
		return err
	}

	if a.cfg.Force {
		a.logger.Info("Invalidating all stored fingerprints.", "nodes", len(nodes))
		for _, n := range nodes {
			if err := store.Invalidate(n); err != nil {
				return err
			}
		}
	}

	eng := engine.New(g, store, exec.NewLocal(), engine.Options{
		Budget:   a.cfg.Workers,
		FailFast: a.cfg.FailFast,
	})

	if a.cfg.DryRun {
		a.printPlan(eng.DryRun(ctx))
		return nil
	}

	res := eng.Execute(ctx)
	a.printSummary(res)

	if res.Outcome != engine.AllSucceeded {
		return fmt.Errorf("%w: %v", ErrPipelineFailed, res.Err())
	}
	return nil
}

// stateDir picks the fingerprint store location: the explicit flag, or a
// dot-directory under the pipeline's working directory.
func (a *App) stateDir(p *config.Pipeline) string {
	if a.cfg.StateDir != "" {
		return a.cfg.StateDir
	}
	root := p.Workdir
	if root == "" {
		root = "."
	}
	return filepath.Join(root, ".taskgrid", "state")
}
