// Package dispatch runs provider output through the middleware pipeline
// and fans surviving messages out to the target accounts.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/crier-bot/crier/pkg/client"
	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/message"
	"github.com/crier-bot/crier/pkg/middleware"
	"github.com/crier-bot/crier/pkg/providers"
	"github.com/crier-bot/crier/pkg/telemetry"
)

// Poster is the slice of the account hub the engine needs.
type Poster interface {
	Account(name string) (*client.Account, bool)
	PostStatus(ctx context.Context, accountName, text string, attachments []message.Attachment, visibility message.Visibility) (client.PostID, error)
}

// AccountOutcome is one account's delivery result.
type AccountOutcome struct {
	Account string
	PostID  client.PostID
	Err     error
}

// Result aggregates one message's delivery across accounts.
type Result struct {
	Provider   string
	Skipped    bool
	SkipReason string
	Outcomes   []AccountOutcome
}

// Succeeded lists accounts that accepted the post.
func (r *Result) Succeeded() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Err == nil {
			out = append(out, o.Account)
		}
	}
	return out
}

// Failed lists per-account failures.
func (r *Result) Failed() []AccountOutcome {
	var out []AccountOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// AllFailed reports whether no account accepted the post.
func (r *Result) AllFailed() bool {
	return !r.Skipped && len(r.Outcomes) > 0 && len(r.Succeeded()) == 0
}

// Overrides carry per-request targeting from the webhook path.
type Overrides struct {
	// Accounts replaces the provider's configured account list.
	Accounts []string
	// Visibility takes the highest merge precedence.
	Visibility string
}

// Engine wires the provider registry, per-provider pipelines, and the
// account hub.
type Engine struct {
	cfg       *config.Config
	registry  *providers.Registry
	poster    Poster
	pipelines map[string]*middleware.Pipeline
	telemetry *telemetry.Provider
}

// NewEngine builds the per-provider middleware pipelines up front so
// configuration errors surface at startup.
func NewEngine(cfg *config.Config, registry *providers.Registry, poster Poster, tele *telemetry.Provider) (*Engine, error) {
	pipelines := make(map[string]*middleware.Pipeline, len(cfg.Providers))
	for i := range cfg.Providers {
		pc := &cfg.Providers[i]
		pipeline, err := middleware.Build(pc.Middleware, middleware.Deps{})
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		pipelines[pc.Name] = pipeline
	}
	return &Engine{
		cfg:       cfg,
		registry:  registry,
		poster:    poster,
		pipelines: pipelines,
		telemetry: tele,
	}, nil
}

// RunProvider executes one scheduled invocation: generate, then dispatch
// each message in source order. Used as the scheduler's tick function.
func (e *Engine) RunProvider(ctx context.Context, name string) {
	started := time.Now()
	defer func() {
		e.telemetry.ObserveProviderDuration(ctx, name, time.Since(started).Seconds())
	}()

	provider, ok := e.registry.Get(name)
	if !ok {
		logger.Errorw("tick for unknown provider", "provider", name)
		return
	}

	generated, err := provider.Generate(ctx)
	if err != nil {
		logger.Errorw("provider generation failed", "provider", name, "error", err)
		e.telemetry.RecordError(ctx, "generation")
		return
	}

	for _, gm := range generated {
		if _, err := e.Dispatch(ctx, name, gm, Overrides{}); err != nil {
			logger.Errorw("dispatch failed", "provider", name, "error", err)
		}
	}
}

// Dispatch runs one message through the provider's pipeline and posts it
// to each target account with per-account error isolation. Tracked
// source items are marked processed after at least one successful
// delivery.
func (e *Engine) Dispatch(ctx context.Context, providerName string, gm providers.GeneratedMessage, ov Overrides) (*Result, error) {
	pc := e.cfg.FindProvider(providerName)
	if pc == nil {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown provider %q", providerName), nil)
	}

	accounts := pc.Accounts
	if len(ov.Accounts) > 0 {
		accounts = ov.Accounts
	}
	visibility := message.MergeVisibility(
		message.Visibility(ov.Visibility),
		message.Visibility(pc.Visibility),
	)

	mc := middleware.NewMessageContext(gm.Message, providerName, pc, accounts, visibility)
	if err := e.pipelines[providerName].Run(ctx, mc); err != nil {
		e.telemetry.RecordError(ctx, "middleware")
		return nil, err
	}

	result := &Result{Provider: providerName}
	if mc.Skip {
		result.Skipped = true
		result.SkipReason = mc.SkipReason
		logger.Infow("message dropped by pipeline",
			"provider", providerName, "reason", mc.SkipReason)
		return result, nil
	}

	for _, accountName := range mc.Accounts {
		outcome := AccountOutcome{Account: accountName}
		outcome.PostID, outcome.Err = e.postToAccount(ctx, mc, accountName, ov.Visibility)
		if outcome.Err != nil {
			logger.Errorw("delivery failed",
				"provider", providerName, "account", accountName, "error", outcome.Err)
			e.telemetry.RecordError(ctx, "delivery")
		}
		e.telemetry.RecordPost(ctx, providerName, accountName, outcome.Err == nil)
		result.Outcomes = append(result.Outcomes, outcome)
	}

	if len(result.Succeeded()) > 0 {
		e.afterSuccess(providerName, gm)
	}
	if result.AllFailed() {
		return result, errors.NewInternalError(
			fmt.Sprintf("all %d deliveries failed for provider %q", len(result.Outcomes), providerName),
			result.Outcomes[0].Err)
	}
	return result, nil
}

func (e *Engine) postToAccount(ctx context.Context, mc *middleware.MessageContext, accountName, explicitVisibility string) (client.PostID, error) {
	account, ok := e.poster.Account(accountName)
	if !ok {
		return "", errors.NewValidationError(fmt.Sprintf("unknown account %q", accountName), nil)
	}
	visibility := message.MergeVisibility(
		message.Visibility(explicitVisibility),
		message.Visibility(mc.Config.Visibility),
		account.DefaultVisibility,
	)
	return e.poster.PostStatus(ctx, accountName, mc.Message.Text, mc.Message.Attachments, visibility)
}

// afterSuccess records delivery side effects: processed-item marking for
// tracked sources and rate-budget consumption for push providers.
func (e *Engine) afterSuccess(providerName string, gm providers.GeneratedMessage) {
	provider, ok := e.registry.Get(providerName)
	if !ok {
		return
	}
	if gm.SourceID != "" {
		if tracker, ok := provider.(providers.ItemTracker); ok {
			if err := tracker.MarkProcessed(gm.SourceID); err != nil {
				logger.Errorw("marking processed item failed",
					"provider", providerName, "item", gm.SourceID, "error", err)
			}
		}
	}
	if push, ok := provider.(*providers.Push); ok {
		push.RecordSend()
	}
}

// TriggerPush deposits a message into the named push provider and
// dispatches it immediately. A rate-limit rejection returns a typed
// error carrying the wait until the next permitted send.
func (e *Engine) TriggerPush(ctx context.Context, providerName string, msg *message.Message, ov Overrides) (*Result, error) {
	provider, ok := e.registry.Get(providerName)
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown provider %q", providerName), nil)
	}
	push, ok := provider.(*providers.Push)
	if !ok {
		return nil, errors.NewValidationError(
			fmt.Sprintf("provider %q is not a push provider", providerName), nil)
	}

	if allowed, wait := push.AllowSend(); !allowed {
		e.telemetry.RecordRateLimitHit(ctx, providerName)
		return nil, errors.NewRateLimitError(
			fmt.Sprintf("rate limit exceeded, retry in %d seconds", int(wait.Seconds())+1), nil)
	}

	push.SetMessage(msg)
	generated, err := push.Generate(ctx)
	if err != nil {
		return nil, err
	}
	if len(generated) == 0 {
		return nil, errors.NewValidationError("push provider produced no message", nil)
	}
	return e.Dispatch(ctx, providerName, generated[0], ov)
}
