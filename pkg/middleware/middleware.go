// Package middleware runs candidate messages through an ordered chain of
// configurable stages before dispatch. A stage may transform the message,
// mark it skipped, or fail the invocation.
package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/message"
)

// MessageContext carries one message through the pipeline. It is owned by
// a single goroutine for the duration of the run.
type MessageContext struct {
	Message    *message.Message
	Provider   string
	Config     *config.ProviderConfig
	Accounts   []string
	Visibility message.Visibility

	// OriginalText is the message text as it entered the pipeline,
	// before any stage touched it.
	OriginalText string

	// Scratch holds per-run stage output, keyed "<stageName>_<key>".
	Scratch map[string]any

	Skip       bool
	SkipReason string

	StartTime time.Time
}

// NewMessageContext wraps a message for a pipeline run.
func NewMessageContext(msg *message.Message, provider string, cfg *config.ProviderConfig, accounts []string, visibility message.Visibility) *MessageContext {
	return &MessageContext{
		Message:      msg,
		Provider:     provider,
		Config:       cfg,
		Accounts:     accounts,
		Visibility:   visibility,
		OriginalText: msg.Text,
		Scratch:      make(map[string]any),
		StartTime:    time.Now(),
	}
}

// MarkSkip flags the message as dropped by the named stage.
func (mc *MessageContext) MarkSkip(stage, reason string) {
	mc.Skip = true
	mc.SkipReason = reason
	logger.Infow("message skipped by middleware",
		"stage", stage, "provider", mc.Provider, "reason", reason)
}

// SetScratch stores a stage-scoped scratch value under "<stage>_<key>".
func (mc *MessageContext) SetScratch(stage, key string, value any) {
	mc.Scratch[stage+"_"+key] = value
}

// GetScratch reads a stage-scoped scratch value.
func (mc *MessageContext) GetScratch(stage, key string) (any, bool) {
	v, ok := mc.Scratch[stage+"_"+key]
	return v, ok
}

// Stage is one pipeline step. Execute advances the chain by calling next;
// not calling next halts the chain (used together with MarkSkip).
type Stage interface {
	Name() string
	Execute(ctx context.Context, mc *MessageContext, next func() error) error
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	stages []Stage
}

// NewPipeline builds a pipeline from already-constructed stages.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Run executes the chain against mc. Stage errors are logged and returned
// wrapped with the stage name; a skipped message returns nil with mc.Skip
// set.
func (p *Pipeline) Run(ctx context.Context, mc *MessageContext) error {
	var advance func(i int) error
	advance = func(i int) error {
		if i >= len(p.stages) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		stage := p.stages[i]
		if err := stage.Execute(ctx, mc, func() error { return advance(i + 1) }); err != nil {
			logger.Errorw("middleware stage failed",
				"stage", stage.Name(), "provider", mc.Provider, "error", err)
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
		return nil
	}
	return advance(0)
}
