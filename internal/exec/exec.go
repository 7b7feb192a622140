// Package exec is the execution context: the only place the engine spawns
// processes or mutates the filesystem.
//
// Outputs are never written at their final paths directly. Each declared
// output is redirected to a temporary sibling path, and only after every
// command exits zero and every expected output exists are the temporaries
// renamed into place. Renames stay within one directory, so they are atomic
// and a crash or failure can never leave a half-written artifact where a
// dependent would read it.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/node"
)

// captureLimit bounds how much of each stream is kept per run. External
// tools can be arbitrarily chatty; the operator only needs the head.
const captureLimit = 256 << 10

// Local runs node commands as child processes on this host. It implements
// node.RunContext and is safe for concurrent use: each call works only on
// paths owned by its node, and the output-disjointness invariant guarantees
// two nodes never touch the same path.
type Local struct{}

// NewLocal returns a local execution context.
func NewLocal() *Local { return &Local{} }

// RunCommands executes the node's commands in order with outputs redirected
// to temporary paths, then commits the outputs atomically.
//
// Command failures, timeouts and missing outputs are reported through the
// RunResult, not the error; a non-nil error means the run could not even be
// set up.
func (l *Local) RunCommands(ctx context.Context, work node.Work) (*node.RunResult, error) {
	logger := ctxlog.FromContext(ctx)

	if work.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, work.Timeout)
		defer cancel()
	}

	tmp, err := stageOutputs(work.Dir, work.Outputs)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tmp.discard()
		}
	}()

	var stdout, stderr limitedBuffer
	stdout.limit, stderr.limit = captureLimit, captureLimit

	for _, cmd := range work.Commands {
		args := tmp.rewriteArgs(cmd.Args)
		logger.Debug("Spawning command.", "program", cmd.Program, "args", args)

		proc := osexec.CommandContext(ctx, cmd.Program, args...)
		proc.Dir = work.Dir
		if len(work.Env) > 0 {
			proc.Env = append(os.Environ(), work.Env...)
		}
		proc.Stdout = &stdout
		proc.Stderr = &stderr

		err := proc.Run()
		if err == nil {
			continue
		}

		res := &node.RunResult{
			Outcome:       node.Failure,
			Stdout:        stdout.Bytes(),
			Stderr:        stderr.Bytes(),
			FailedCommand: describeCommand(cmd.Program, args),
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
		}
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if !res.TimedOut {
			// The command could not be started at all.
			fmt.Fprintf(&stderr, "taskgrid: %v\n", err)
			res.Stderr = stderr.Bytes()
			res.ExitCode = -1
		}
		return res, nil
	}

	if missing := tmp.missing(); missing != "" {
		fmt.Fprintf(&stderr, "taskgrid: expected output was not produced: %s\n", missing)
		return &node.RunResult{
			Outcome:       node.Failure,
			Stdout:        stdout.Bytes(),
			Stderr:        stderr.Bytes(),
			FailedCommand: "output check",
		}, nil
	}

	if err := tmp.commit(); err != nil {
		return nil, err
	}
	committed = true

	return &node.RunResult{
		Outcome: node.Success,
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
	}, nil
}

// staged tracks the mapping from final output paths to their temporary
// siblings for one run.
type staged struct {
	// byFinal maps final path -> temporary path. Orderless; commit walks
	// the finals slice for determinism.
	byFinal map[string]string
	finals  []string
	// replacer substitutes output paths in argv with their temporaries.
	// It matches all paths in one left-to-right pass with longer paths
	// taking priority, so an output that is a prefix of another
	// (data.bam and data.bam.bai) never mangles the longer one.
	replacer *strings.Replacer
}

// stageOutputs prepares a temporary path next to every final output path,
// removing stale temporaries left behind by an interrupted earlier run.
// Commands run with workDir as their working directory, so argv rewriting
// covers both the path as the engine sees it and its workDir-relative form.
func stageOutputs(workDir string, outputs []string) (*staged, error) {
	st := &staged{byFinal: make(map[string]string, len(outputs))}

	type rewrite struct{ from, to string }
	var rewrites []rewrite

	for _, final := range outputs {
		dir, base := filepath.Split(final)
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating output directory for %s: %w", final, err)
			}
		}

		// Stale temporaries from a crashed run are safe to discard: a
		// temporary only ever becomes authoritative by being renamed.
		if stale, err := filepath.Glob(filepath.Join(dir, "."+base+".tmp-*")); err == nil {
			for _, p := range stale {
				os.Remove(p)
			}
		}

		tmpName := fmt.Sprintf(".%s.tmp-%s", base, uuid.NewString()[:8])
		tmpPath := filepath.Join(dir, tmpName)
		st.byFinal[final] = tmpPath
		st.finals = append(st.finals, final)

		rewrites = append(rewrites, rewrite{from: final, to: tmpPath})
		if workDir != "" {
			relFinal, errF := filepath.Rel(workDir, final)
			relTmp, errT := filepath.Rel(workDir, tmpPath)
			if errF == nil && errT == nil && relFinal != final && !strings.HasPrefix(relFinal, "..") {
				rewrites = append(rewrites, rewrite{from: relFinal, to: relTmp})
			}
		}
	}

	if len(rewrites) > 0 {
		sort.Slice(rewrites, func(i, j int) bool {
			if len(rewrites[i].from) != len(rewrites[j].from) {
				return len(rewrites[i].from) > len(rewrites[j].from)
			}
			return rewrites[i].from < rewrites[j].from
		})
		pairs := make([]string, 0, 2*len(rewrites))
		for _, r := range rewrites {
			pairs = append(pairs, r.from, r.to)
		}
		st.replacer = strings.NewReplacer(pairs...)
	}
	return st, nil
}

// rewriteArgs substitutes every occurrence of a final output path in the
// argument list with its temporary path, so commands (including shell
// one-liners) write to the temporary location without knowing about it.
func (s *staged) rewriteArgs(args []string) []string {
	if s.replacer == nil {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = s.replacer.Replace(a)
	}
	return out
}

// missing returns the first declared output whose temporary path was not
// produced, or "" if all exist.
func (s *staged) missing() string {
	for _, final := range s.finals {
		if _, err := os.Stat(s.byFinal[final]); err != nil {
			return final
		}
	}
	return ""
}

// commit renames every temporary output into its final place.
func (s *staged) commit() error {
	for _, final := range s.finals {
		if err := os.Rename(s.byFinal[final], final); err != nil {
			s.discard()
			return fmt.Errorf("committing output %s: %w", final, err)
		}
	}
	return nil
}

// discard removes any temporary outputs that exist. Final paths are never
// touched.
func (s *staged) discard() {
	for _, tmp := range s.byFinal {
		os.Remove(tmp)
	}
}

func describeCommand(program string, args []string) string {
	if len(args) == 0 {
		return program
	}
	return program + " " + strings.Join(args, " ")
}

// limitedBuffer keeps the first limit bytes written and silently drops the
// rest, tracking how much was discarded.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated += int64(len(p))
		return len(p), nil
	}
	if len(p) > room {
		b.truncated += int64(len(p) - room)
		b.buf.Write(p[:room])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Bytes returns the captured head of the stream, with a truncation notice
// appended when output was dropped.
func (b *limitedBuffer) Bytes() []byte {
	if b.truncated == 0 {
		return b.buf.Bytes()
	}
	return append(b.buf.Bytes(), fmt.Sprintf("\n[taskgrid: %d bytes truncated]\n", b.truncated)...)
}
