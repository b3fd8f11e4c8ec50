package middleware

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crier-bot/crier/pkg/ratelimit"
)

type rateLimitStageOptions struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	// Scope keys the sliding window: "global", "provider", or
	// "account-set" (the sorted target account list).
	Scope string `mapstructure:"scope"`
	// Action when over budget: "skip" or "delay" (bounded by MaxDelay,
	// falling back to skip when the wait would exceed it).
	Action   string        `mapstructure:"action"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Reason   string        `mapstructure:"reason"`
}

type rateLimitStage struct {
	name    string
	opts    rateLimitStageOptions
	limiter *ratelimit.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

func newRateLimitStage(name string, params map[string]any, _ Deps) (Stage, error) {
	opts := rateLimitStageOptions{Scope: "provider", Action: "skip", MaxDelay: 10 * time.Second}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("rate_limit requires a positive limit")
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	switch opts.Scope {
	case "global", "provider", "account-set":
	default:
		return nil, fmt.Errorf("unknown rate_limit scope %q", opts.Scope)
	}
	switch opts.Action {
	case "skip", "delay":
	default:
		return nil, fmt.Errorf("unknown rate_limit action %q", opts.Action)
	}
	return &rateLimitStage{
		name:    name,
		opts:    opts,
		limiter: ratelimit.New(opts.Limit, opts.Window),
		sleep:   sleepContext,
	}, nil
}

func (s *rateLimitStage) Name() string { return s.name }

func (s *rateLimitStage) Execute(ctx context.Context, mc *MessageContext, next func() error) error {
	key := s.key(mc)

	if !s.limiter.Allow(key) {
		wait := s.limiter.RetryAfter(key)
		if s.opts.Action == "delay" && wait <= s.opts.MaxDelay {
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		} else {
			reason := s.opts.Reason
			if reason == "" {
				reason = fmt.Sprintf("rate limit of %d per %s exceeded, retry in %s",
					s.opts.Limit, s.opts.Window, wait.Round(time.Second))
			}
			mc.MarkSkip(s.name, reason)
			return nil
		}
	}

	s.limiter.Record(key)
	return next()
}

func (s *rateLimitStage) key(mc *MessageContext) string {
	switch s.opts.Scope {
	case "global":
		return "global"
	case "account-set":
		accounts := append([]string(nil), mc.Accounts...)
		sort.Strings(accounts)
		return strings.Join(accounts, ",")
	default:
		return mc.Provider
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
