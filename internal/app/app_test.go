package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/taskgrid/internal/config"
)

// staticLoader hands back a pre-built pipeline model, bypassing file parsing.
type staticLoader struct {
	pipeline *config.Pipeline
}

func (l *staticLoader) Load(context.Context, string) (*config.Pipeline, error) {
	return l.pipeline, nil
}

func shellStep(name, script string, mutate func(*config.Step)) config.Step {
	s := config.Step{
		Name:     name,
		Commands: []config.Invocation{{Command: "/bin/sh", Args: []string{"-c", script}}},
	}
	if mutate != nil {
		mutate(&s)
	}
	return s
}

func newTestApp(t *testing.T, cfg Config, p *config.Pipeline) (*App, *bytes.Buffer) {
	t.Helper()
	if cfg.PipelinePath == "" {
		cfg.PipelinePath = "in-memory.hcl"
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "error"
	}

	validated, err := NewConfig(cfg)
	require.NoError(t, err)

	var out bytes.Buffer
	a, err := New(&out, validated, &staticLoader{pipeline: p})
	require.NoError(t, err)
	return a, &out
}

func TestAppRun(t *testing.T) {
	dir := t.TempDir()
	aOut := filepath.Join(dir, "a.txt")
	bOut := filepath.Join(dir, "b.txt")

	pipeline := &config.Pipeline{
		Name: "two-steps",
		Steps: []config.Step{
			shellStep("one", "printf alpha > "+aOut, func(s *config.Step) {
				s.Outputs = []string{aOut}
			}),
			shellStep("two", "cat "+aOut+" > "+bOut, func(s *config.Step) {
				s.Inputs = []string{aOut}
				s.Outputs = []string{bOut}
			}),
		},
	}
	cfg := Config{StateDir: filepath.Join(dir, "state")}

	app, out := newTestApp(t, cfg, pipeline)
	require.NoError(t, app.Run(context.Background()))

	data, err := os.ReadFile(bOut)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	assert.Contains(t, out.String(), "2 ran, 0 skipped, 0 failed, 0 blocked")

	t.Run("second invocation skips both steps", func(t *testing.T) {
		app, out := newTestApp(t, cfg, pipeline)
		require.NoError(t, app.Run(context.Background()))
		assert.Contains(t, out.String(), "0 ran, 2 skipped, 0 failed, 0 blocked")
	})

	t.Run("force re-runs everything", func(t *testing.T) {
		forced := cfg
		forced.Force = true
		app, out := newTestApp(t, forced, pipeline)
		require.NoError(t, app.Run(context.Background()))
		assert.Contains(t, out.String(), "2 ran, 0 skipped, 0 failed, 0 blocked")
	})
}

func TestAppRunRelativeWorkdir(t *testing.T) {
	t.Chdir(t.TempDir())

	// Steps name their files the way the commands see them from the
	// workdir; the engine rebases everything onto its own cwd.
	pipeline := &config.Pipeline{
		Name:    "relative",
		Workdir: "work",
		Steps: []config.Step{
			shellStep("emit", "printf data > out.txt", func(s *config.Step) {
				s.Outputs = []string{"out.txt"}
			}),
			shellStep("copy", "cat out.txt > copy.txt", func(s *config.Step) {
				s.Inputs = []string{"out.txt"}
				s.Outputs = []string{"copy.txt"}
			}),
		},
	}

	app, out := newTestApp(t, Config{}, pipeline)
	require.NoError(t, app.Run(context.Background()))

	data, err := os.ReadFile(filepath.Join("work", "copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.Contains(t, out.String(), "2 ran, 0 skipped, 0 failed, 0 blocked")

	t.Run("second invocation skips", func(t *testing.T) {
		app, out := newTestApp(t, Config{}, pipeline)
		require.NoError(t, app.Run(context.Background()))
		assert.Contains(t, out.String(), "0 ran, 2 skipped, 0 failed, 0 blocked")
	})
}

func TestAppRunFailure(t *testing.T) {
	dir := t.TempDir()
	cOut := filepath.Join(dir, "c.txt")

	pipeline := &config.Pipeline{
		Name: "partial",
		Steps: []config.Step{
			shellStep("breaks", "echo kaput >&2; exit 4", nil),
			shellStep("downstream", "true", func(s *config.Step) {
				s.DependsOn = []string{"breaks"}
			}),
			shellStep("island", "printf ok > "+cOut, func(s *config.Step) {
				s.Outputs = []string{cOut}
			}),
		},
	}

	app, out := newTestApp(t, Config{StateDir: filepath.Join(dir, "state")}, pipeline)
	err := app.Run(context.Background())
	require.ErrorIs(t, err, ErrPipelineFailed)

	assert.FileExists(t, cOut, "independent step still ran")

	text := out.String()
	assert.Contains(t, text, "1 ran, 0 skipped, 1 failed, 1 blocked")
	assert.Contains(t, text, "failed: breaks:")
	assert.Contains(t, text, "exited with 4")
	assert.Contains(t, text, "kaput")
	assert.Contains(t, text, "blocked: downstream (upstream breaks failed)")
}

func TestAppRunSetupErrors(t *testing.T) {
	t.Run("cyclic pipeline", func(t *testing.T) {
		pipeline := &config.Pipeline{
			Name: "loop",
			Steps: []config.Step{
				shellStep("a", "true", func(s *config.Step) { s.DependsOn = []string{"b"} }),
				shellStep("b", "true", func(s *config.Step) { s.DependsOn = []string{"a"} }),
			},
		}
		app, _ := newTestApp(t, Config{StateDir: t.TempDir()}, pipeline)

		err := app.Run(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPipelineFailed, "setup errors are not execution failures")
		assert.Contains(t, err.Error(), "invalid pipeline")
	})

	t.Run("unreadable pipeline file", func(t *testing.T) {
		cfg, err := NewConfig(Config{
			PipelinePath: filepath.Join(t.TempDir(), "absent.hcl"),
			Workers:      1,
			LogLevel:     "error",
		})
		require.NoError(t, err)

		var out bytes.Buffer
		a, err := New(&out, cfg, nil)
		require.NoError(t, err)
		assert.Error(t, a.Run(context.Background()))
	})
}

func TestAppDryRun(t *testing.T) {
	dir := t.TempDir()
	out1 := filepath.Join(dir, "one.txt")

	pipeline := &config.Pipeline{
		Name: "planned",
		Steps: []config.Step{
			shellStep("one", "printf x > "+out1, func(s *config.Step) {
				s.Outputs = []string{out1}
			}),
			shellStep("two", "true", func(s *config.Step) {
				s.DependsOn = []string{"one"}
			}),
		},
	}
	cfg := Config{StateDir: filepath.Join(dir, "state"), DryRun: true}

	app, out := newTestApp(t, cfg, pipeline)
	require.NoError(t, app.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "Planned execution (2 to run, 0 up to date):")
	assert.Contains(t, text, "run   one")
	assert.Contains(t, text, "run   two")
	assert.NoFileExists(t, out1, "dry run must not execute steps")
}

func TestNewConfig(t *testing.T) {
	_, err := NewConfig(Config{Workers: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline file is required")

	_, err = NewConfig(Config{PipelinePath: "p.hcl", Workers: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers must be at least 1")

	cfg, err := NewConfig(Config{PipelinePath: "p.hcl", Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
}

func TestTailLines(t *testing.T) {
	var lines []byte
	for i := 1; i <= 15; i++ {
		lines = append(lines, []byte(fmt.Sprintf("line %d\n", i))...)
	}

	got := tailLines(lines, 10)
	require.Len(t, got, 10)
	assert.Equal(t, "line 6", got[0])
	assert.Equal(t, "line 15", got[9])

	assert.Nil(t, tailLines(nil, 10))
	assert.Equal(t, []string{"only"}, tailLines([]byte("only\n"), 10))
}
