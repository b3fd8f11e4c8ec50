package shell

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	t.Parallel()

	result, err := Run(context.Background(), Options{Command: "printf out; printf err >&2"})
	require.NoError(t, err)
	assert.Equal(t, "out", result.Stdout)
	assert.Equal(t, "err", result.Stderr)
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunEnvAndStdin(t *testing.T) {
	t.Parallel()

	result, err := Run(context.Background(), Options{
		Command: `printf '%s:' "$GREETING"; cat`,
		Env:     map[string]string{"GREETING": "hello"},
		Stdin:   "from stdin",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello:from stdin", result.Stdout)
}

func TestRunWorkingDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	result, err := Run(context.Background(), Options{Command: "pwd", Dir: dir})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, dir)
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()

	result, err := Run(context.Background(), Options{Command: "printf partial; exit 4"})
	require.Error(t, err)
	assert.Equal(t, 4, result.ExitCode)
	assert.Equal(t, "partial", result.Stdout)
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	start := time.Now()
	_, err := Run(context.Background(), Options{Command: "sleep 5", Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunBoundedBuffer(t *testing.T) {
	t.Parallel()

	result, err := Run(context.Background(), Options{
		Command:   "head -c 100000 /dev/zero | tr '\\0' 'x'",
		MaxBuffer: 1024,
	})
	require.NoError(t, err)
	assert.Len(t, result.Stdout, 1024)
}
