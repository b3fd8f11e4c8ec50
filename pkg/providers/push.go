package providers

import (
	"context"
	"sync"
	"time"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/message"
	"github.com/crier-bot/crier/pkg/ratelimit"
)

// Push emits a message only when externally triggered: the webhook
// server or the CLI deposits a pending message, and the next Generate
// consumes it. With no pending message the configured default is used.
type Push struct {
	name string
	cfg  config.PushConfig

	mu      sync.Mutex
	pending *message.Message

	limiter *ratelimit.Limiter
}

// NewPush builds a push provider from config.
func NewPush(pc *config.ProviderConfig) *Push {
	p := &Push{name: pc.Name, cfg: *pc.Push}
	if p.cfg.RateLimit > 0 {
		window := p.cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		p.limiter = ratelimit.New(p.cfg.RateLimit, window)
	}
	return p
}

func (p *Push) Name() string { return p.name }
func (p *Push) Kind() string { return config.KindPush }

// Config exposes the provider's push settings; the webhook server reads
// authentication and template options from it.
func (p *Push) Config() *config.PushConfig {
	return &p.cfg
}

// SetMessage deposits the message returned by the next Generate call.
func (p *Push) SetMessage(msg *message.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = msg
}

// ClearMessage drops any pending message.
func (p *Push) ClearMessage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
}

// Generate consumes the pending message, falling back to the configured
// default. With neither, no message is emitted.
func (p *Push) Generate(_ context.Context) ([]GeneratedMessage, error) {
	p.mu.Lock()
	msg := p.pending
	p.pending = nil
	p.mu.Unlock()

	if msg == nil {
		if p.cfg.DefaultMessage == "" {
			return nil, nil
		}
		msg = &message.Message{Text: p.cfg.DefaultMessage}
	}

	msg.Text = truncateWithEllipsis(msg.Text, p.cfg.MaxLength)
	return []GeneratedMessage{{Message: msg}}, nil
}

// AllowSend checks the provider's rate budget without consuming it. The
// returned duration is the wait until the next permitted send when the
// budget is exhausted.
func (p *Push) AllowSend() (bool, time.Duration) {
	if p.limiter == nil {
		return true, 0
	}
	if p.limiter.Allow(p.name) {
		return true, 0
	}
	return false, p.limiter.RetryAfter(p.name)
}

// RecordSend consumes one unit of the rate budget.
func (p *Push) RecordSend() {
	if p.limiter != nil {
		p.limiter.Record(p.name)
	}
}

func truncateWithEllipsis(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	if max <= 1 {
		return string([]rune("…")[:1])
	}
	return string(runes[:max-1]) + "…"
}
