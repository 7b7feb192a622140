package exec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/taskgrid/internal/node"
)

func shell(script string) node.Command {
	return node.Command{Program: "/bin/sh", Args: []string{"-c", script}}
}

// tempSiblings lists leftover temporary output files next to a final path.
func tempSiblings(t *testing.T, final string) []string {
	t.Helper()
	dir, base := filepath.Split(final)
	matches, err := filepath.Glob(filepath.Join(dir, "."+base+".tmp-*"))
	require.NoError(t, err)
	return matches
}

func TestRunCommandsSuccess(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "result.txt")

	res, err := NewLocal().RunCommands(context.Background(), node.Work{
		Commands: []node.Command{shell("printf hello > " + out)},
		Outputs:  []string{out},
	})
	require.NoError(t, err)
	assert.Equal(t, node.Success, res.Outcome)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Empty(t, tempSiblings(t, out), "temporaries are gone after commit")
}

func TestRunCommandsMultipleOutputs(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "sub", "b.txt")

	res, err := NewLocal().RunCommands(context.Background(), node.Work{
		Commands: []node.Command{
			shell("printf one > " + a),
			shell("printf two > " + b),
		},
		Outputs: []string{a, b},
	})
	require.NoError(t, err)
	assert.Equal(t, node.Success, res.Outcome)

	assert.FileExists(t, a)
	assert.FileExists(t, b, "missing output directories are created")
}

func TestRunCommandsFailure(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "result.txt")

	res, err := NewLocal().RunCommands(context.Background(), node.Work{
		Commands: []node.Command{
			shell("printf partial > " + out + "; echo doomed >&2; exit 3"),
		},
		Outputs: []string{out},
	})
	require.NoError(t, err)
	assert.Equal(t, node.Failure, res.Outcome)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Contains(t, string(res.Stderr), "doomed")
	assert.NotEmpty(t, res.FailedCommand)

	assert.NoFileExists(t, out, "failed run must not publish outputs")
	assert.Empty(t, tempSiblings(t, out), "failed run must not leak temporaries")
}

func TestRunCommandsStopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")

	res, err := NewLocal().RunCommands(context.Background(), node.Work{
		Commands: []node.Command{
			shell("exit 1"),
			shell("touch " + marker),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, node.Failure, res.Outcome)
	assert.NoFileExists(t, marker, "later commands must not run after a failure")
}

func TestRunCommandsMissingOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "never-written.txt")

	res, err := NewLocal().RunCommands(context.Background(), node.Work{
		Commands: []node.Command{shell("true")},
		Outputs:  []string{out},
	})
	require.NoError(t, err)
	assert.Equal(t, node.Failure, res.Outcome)
	assert.Equal(t, "output check", res.FailedCommand)
	assert.Contains(t, string(res.Stderr), "expected output was not produced")
	assert.NoFileExists(t, out)
}

func TestRunCommandsTimeout(t *testing.T) {
	res, err := NewLocal().RunCommands(context.Background(), node.Work{
		Commands: []node.Command{shell("sleep 5")},
		Timeout:  100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, node.Failure, res.Outcome)
	assert.True(t, res.TimedOut)
}

func TestRunCommandsStartFailure(t *testing.T) {
	res, err := NewLocal().RunCommands(context.Background(), node.Work{
		Commands: []node.Command{{Program: "/no/such/binary"}},
	})
	require.NoError(t, err)
	assert.Equal(t, node.Failure, res.Outcome)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, string(res.Stderr), "taskgrid:")
}

func TestRunCommandsEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")

	res, err := NewLocal().RunCommands(context.Background(), node.Work{
		Dir: dir,
		Env: []string{"GREETING=salute"},
		Commands: []node.Command{
			shell(`printf "%s %s" "$GREETING" "$PWD" > ` + out),
		},
		Outputs: []string{out},
	})
	require.NoError(t, err)
	require.Equal(t, node.Success, res.Outcome)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "salute "+dir, string(data))
}

func TestRunCommandsRemovesStaleTemporaries(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	stale := filepath.Join(dir, ".out.txt.tmp-deadbeef")
	require.NoError(t, os.WriteFile(stale, []byte("leftover"), 0o644))

	res, err := NewLocal().RunCommands(context.Background(), node.Work{
		Commands: []node.Command{shell("printf fresh > " + out)},
		Outputs:  []string{out},
	})
	require.NoError(t, err)
	require.Equal(t, node.Success, res.Outcome)

	assert.NoFileExists(t, stale)
	assert.Empty(t, tempSiblings(t, out))
}

func TestRunCommandsPrefixedOutputs(t *testing.T) {
	// data.bam and data.bam.bai: one output path is a string prefix of the
	// other, and both appear in the same shell line. Repeated runs guard
	// against any ordering sensitivity in the rewriting.
	for i := 0; i < 10; i++ {
		dir := t.TempDir()
		bam := filepath.Join(dir, "aligned.bam")
		bai := filepath.Join(dir, "aligned.bam.bai")

		res, err := NewLocal().RunCommands(context.Background(), node.Work{
			Commands: []node.Command{
				shell("printf reads > " + bam + " && printf index > " + bai),
			},
			Outputs: []string{bam, bai},
		})
		require.NoError(t, err)
		require.Equal(t, node.Success, res.Outcome, "stderr: %s", res.Stderr)

		data, err := os.ReadFile(bam)
		require.NoError(t, err)
		assert.Equal(t, "reads", string(data))

		data, err = os.ReadFile(bai)
		require.NoError(t, err)
		assert.Equal(t, "index", string(data))

		assert.Empty(t, tempSiblings(t, bam))
		assert.Empty(t, tempSiblings(t, bai))
	}
}

func TestRunCommandsWorkdirRelativeArgs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "result.txt")

	// The command names the output the way it sees it from its working
	// directory; the engine declares it by its own path.
	res, err := NewLocal().RunCommands(context.Background(), node.Work{
		Dir:      dir,
		Commands: []node.Command{shell("printf hello > result.txt")},
		Outputs:  []string{out},
	})
	require.NoError(t, err)
	require.Equal(t, node.Success, res.Outcome, "stderr: %s", res.Stderr)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Empty(t, tempSiblings(t, out))
}

func TestRewriteArgs(t *testing.T) {
	t.Run("longer paths take priority over their prefixes", func(t *testing.T) {
		dir := t.TempDir()
		bam := filepath.Join(dir, "aligned.bam")
		bai := filepath.Join(dir, "aligned.bam.bai")

		st, err := stageOutputs("", []string{bam, bai})
		require.NoError(t, err)

		got := st.rewriteArgs([]string{"index " + bam + " " + bai})
		assert.Equal(t, []string{"index " + st.byFinal[bam] + " " + st.byFinal[bai]}, got)
	})

	t.Run("workdir-relative form is rewritten too", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "out.txt")

		st, err := stageOutputs(dir, []string{out})
		require.NoError(t, err)

		relTmp := filepath.Base(st.byFinal[out])
		got := st.rewriteArgs([]string{"sort input > out.txt", "gzip " + out})
		assert.Equal(t, []string{"sort input > " + relTmp, "gzip " + st.byFinal[out]}, got)
	})

	t.Run("no outputs leaves args untouched", func(t *testing.T) {
		st, err := stageOutputs("", nil)
		require.NoError(t, err)
		args := []string{"ls", "-la"}
		assert.Equal(t, args, st.rewriteArgs(args))
	})
}

func TestLimitedBuffer(t *testing.T) {
	var b limitedBuffer
	b.limit = 8

	n, err := b.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = b.Write([]byte("6789abc"))
	require.NoError(t, err)
	assert.Equal(t, 7, n, "writes report full length even when truncated")

	got := string(b.Bytes())
	assert.True(t, strings.HasPrefix(got, "12345678"))
	assert.Contains(t, got, "4 bytes truncated")
}
