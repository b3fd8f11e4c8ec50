package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/shell"
)

type commandStageOptions struct {
	Command   string            `mapstructure:"command"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	Dir       string            `mapstructure:"dir"`
	Env       map[string]string `mapstructure:"env"`
	MaxBuffer int64             `mapstructure:"max_buffer"`
	// Mode: "replace", "prepend", "append", or "validate".
	Mode string `mapstructure:"mode"`
	// Input: "none" (command sees no message), "env" (MESSAGE_TEXT env
	// var), or "stdin".
	Input string `mapstructure:"input"`
	// SkipOnFailure turns a validate-mode non-zero exit into a skip
	// instead of an error.
	SkipOnFailure bool `mapstructure:"skip_on_failure"`
}

type commandStage struct {
	name string
	opts commandStageOptions
}

func newCommandStage(name string, params map[string]any, _ Deps) (Stage, error) {
	opts := commandStageOptions{Mode: "replace", Input: "none"}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	if opts.Command == "" {
		return nil, fmt.Errorf("command stage requires a command")
	}
	switch opts.Mode {
	case "replace", "prepend", "append", "validate":
	default:
		return nil, fmt.Errorf("unknown command mode %q", opts.Mode)
	}
	switch opts.Input {
	case "none", "env", "stdin":
	default:
		return nil, fmt.Errorf("unknown command input %q", opts.Input)
	}
	return &commandStage{name: name, opts: opts}, nil
}

func (s *commandStage) Name() string { return s.name }

func (s *commandStage) Execute(ctx context.Context, mc *MessageContext, next func() error) error {
	runOpts := shell.Options{
		Command:   s.opts.Command,
		Timeout:   s.opts.Timeout,
		Dir:       s.opts.Dir,
		MaxBuffer: s.opts.MaxBuffer,
	}
	switch s.opts.Input {
	case "env":
		runOpts.Env = map[string]string{"MESSAGE_TEXT": mc.Message.Text}
		for key, value := range s.opts.Env {
			runOpts.Env[key] = value
		}
	case "stdin":
		runOpts.Env = s.opts.Env
		runOpts.Stdin = mc.Message.Text
	default:
		runOpts.Env = s.opts.Env
	}

	result, err := shell.Run(ctx, runOpts)
	if err != nil {
		if s.opts.Mode == "validate" {
			if s.opts.SkipOnFailure {
				mc.MarkSkip(s.name, fmt.Sprintf("validation command failed: %v", err))
				return nil
			}
			return err
		}
		return err
	}

	if s.opts.Mode == "validate" {
		return next()
	}

	stdout := strings.TrimSpace(result.Stdout)
	if stdout == "" {
		return errors.NewLocalFatalError(
			fmt.Sprintf("command produced empty output in %s mode", s.opts.Mode), nil)
	}

	switch s.opts.Mode {
	case "replace":
		mc.Message.Text = stdout
	case "prepend":
		mc.Message.Text = stdout + mc.Message.Text
	case "append":
		mc.Message.Text += stdout
	}
	return next()
}
