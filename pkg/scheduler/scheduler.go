// Package scheduler drives scheduled providers off cron expressions,
// with one in-flight execution per provider.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/logger"
)

// TickFunc executes one provider invocation.
type TickFunc func(ctx context.Context, provider string)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Scheduler owns the cron runner for all scheduled providers.
type Scheduler struct {
	cron *cron.Cron
	tick TickFunc

	mu       sync.Mutex
	inflight map[string]*atomic.Bool
	started  bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New validates every enabled provider's schedule and registers its
// job. Invalid expressions are rejected with an error naming the
// provider. Push providers carry no schedule and are skipped.
func New(providers []config.ProviderConfig, tick TickFunc) (*Scheduler, error) {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC), cron.WithParser(cronParser)),
		tick:     tick,
		inflight: make(map[string]*atomic.Bool),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}

	for i := range providers {
		pc := &providers[i]
		if pc.Kind == config.KindPush || !pc.Enabled() {
			continue
		}
		if _, err := cronParser.Parse(pc.Schedule); err != nil {
			cancel()
			return nil, errors.NewValidationError(
				fmt.Sprintf("provider %q has an invalid schedule %q", pc.Name, pc.Schedule), err)
		}

		name := pc.Name
		s.inflight[name] = &atomic.Bool{}
		if _, err := s.cron.AddFunc(pc.Schedule, func() { s.run(name) }); err != nil {
			cancel()
			return nil, errors.NewValidationError(
				fmt.Sprintf("registering schedule for provider %q", name), err)
		}
	}
	return s, nil
}

// run guards the single-in-flight rule: a tick arriving while the
// previous invocation is still running is dropped.
func (s *Scheduler) run(provider string) {
	gate := s.inflight[provider]
	if !gate.CompareAndSwap(false, true) {
		logger.Warnw("dropping overlapping tick, previous invocation still running",
			"provider", provider)
		return
	}
	defer gate.Store(false)

	s.tick(s.baseCtx, provider)
}

// Start begins delivering ticks.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	logger.Infow("scheduler started", "jobs", len(s.inflight))
}

// Stop cancels pending invocations and waits for running jobs to
// finish, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cancel()
		return
	}
	s.started = false

	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnw("scheduler stop deadline reached with jobs still running")
	}
	s.cancel()
}
