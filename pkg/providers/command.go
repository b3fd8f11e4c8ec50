package providers

import (
	"context"
	"strings"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/message"
	"github.com/crier-bot/crier/pkg/shell"
)

// Command runs an external command and posts its trimmed stdout.
type Command struct {
	name string
	cfg  config.CommandConfig
}

// NewCommand builds a command provider from config.
func NewCommand(pc *config.ProviderConfig) *Command {
	return &Command{name: pc.Name, cfg: *pc.Command}
}

func (p *Command) Name() string { return p.name }
func (p *Command) Kind() string { return config.KindCommand }

// Generate executes the command. stderr output is logged by the shell
// layer; empty stdout is fatal for the invocation.
func (p *Command) Generate(ctx context.Context) ([]GeneratedMessage, error) {
	stdout, err := runCommand(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	return []GeneratedMessage{{Message: &message.Message{Text: stdout}}}, nil
}

func runCommand(ctx context.Context, cfg config.CommandConfig) (string, error) {
	result, err := shell.Run(ctx, shell.Options{
		Command: cfg.Command,
		Timeout: cfg.Timeout,
		Dir:     cfg.Dir,
		Env:     cfg.Env,
	})
	if err != nil {
		return "", err
	}
	stdout := strings.TrimSpace(result.Stdout)
	if stdout == "" {
		return "", errors.NewLocalFatalError("command produced no output", nil)
	}
	return stdout, nil
}
