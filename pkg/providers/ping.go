package providers

import (
	"context"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/message"
)

// Ping emits a fixed message on every tick. Useful as a liveness signal
// and as the simplest possible provider in tests.
type Ping struct {
	name string
	text string
}

// NewPing builds a ping provider from config.
func NewPing(pc *config.ProviderConfig) *Ping {
	return &Ping{name: pc.Name, text: pc.Ping.Message}
}

func (p *Ping) Name() string { return p.name }
func (p *Ping) Kind() string { return config.KindPing }

// Generate returns the configured literal.
func (p *Ping) Generate(_ context.Context) ([]GeneratedMessage, error) {
	return []GeneratedMessage{{Message: &message.Message{Text: p.text}}}, nil
}
