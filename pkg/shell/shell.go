// Package shell runs configured external commands with timeouts and
// bounded output capture.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/crier-bot/crier/pkg/logger"
)

// DefaultTimeout bounds command execution when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBuffer caps captured stdout/stderr per stream.
const DefaultMaxBuffer = 1 << 20 // 1 MiB

// Options configure one command run.
type Options struct {
	Command string
	Timeout time.Duration
	Dir     string
	// Env entries are appended to the parent environment.
	Env       map[string]string
	Stdin     string
	MaxBuffer int64
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// boundedBuffer stops growing past max; overflow is discarded rather
// than failing the command.
type boundedBuffer struct {
	buf bytes.Buffer
	max int64
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - int64(b.buf.Len())
	if remaining > 0 {
		chunk := p
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		b.buf.Write(chunk)
	}
	return len(p), nil
}

// Run executes opts.Command through the shell and captures its output.
// A non-zero exit returns the result alongside the error so callers can
// inspect the exit code and stderr.
func Run(ctx context.Context, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBuffer := opts.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", opts.Command)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		env := os.Environ()
		for key, value := range opts.Env {
			env = append(env, key+"="+value)
		}
		cmd.Env = env
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	stdout := &boundedBuffer{max: maxBuffer}
	stderr := &boundedBuffer{max: maxBuffer}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result := Result{
		Stdout: stdout.buf.String(),
		Stderr: stderr.buf.String(),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if result.Stderr != "" {
		logger.Debugw("command wrote to stderr",
			"command", opts.Command, "stderr", strings.TrimSpace(result.Stderr))
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		return result, fmt.Errorf("command failed (exit %d): %w", result.ExitCode, err)
	}
	return result, nil
}
