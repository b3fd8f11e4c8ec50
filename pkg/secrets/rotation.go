package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crier-bot/crier/pkg/logger"
)

// RotationEvent describes an observed change in a tracked secret.
type RotationEvent struct {
	// Ref is the reference whose value changed.
	Ref string
	// Result holds the newly observed value.
	Result *Result
}

// RotationHandler reacts to a rotation event, e.g. by re-binding account
// credentials and re-verifying them.
type RotationHandler func(ctx context.Context, event RotationEvent)

// RotationDetector periodically re-resolves tracked references and
// compares value fingerprints against the last observation. The first
// observation of a reference only records its fingerprint.
type RotationDetector struct {
	manager *Manager

	mu           sync.Mutex
	fingerprints map[string]string
	handlers     []RotationHandler

	cron *cron.Cron
}

// NewRotationDetector creates a detector bound to a manager.
func NewRotationDetector(manager *Manager) *RotationDetector {
	return &RotationDetector{
		manager:      manager,
		fingerprints: make(map[string]string),
	}
}

// Track registers a reference for rotation checks.
func (d *RotationDetector) Track(ref string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fingerprints[ref]; !ok {
		d.fingerprints[ref] = ""
	}
}

// OnRotation registers a handler invoked for every detected rotation.
func (d *RotationDetector) OnRotation(handler RotationHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// Start schedules periodic checks with a standard 5-field cron
// expression, evaluated in UTC.
func (d *RotationDetector) Start(schedule string) error {
	if d.cron != nil {
		return fmt.Errorf("rotation detector already started")
	}
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(schedule, func() {
		d.CheckOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid rotation schedule %q: %w", schedule, err)
	}
	d.cron = c
	c.Start()
	logger.Infow("secret rotation detector started", "schedule", schedule)
	return nil
}

// Stop halts scheduled checks.
func (d *RotationDetector) Stop() {
	if d.cron != nil {
		d.cron.Stop()
		d.cron = nil
	}
}

// CheckOnce re-resolves every tracked reference and fires handlers for
// any fingerprint change. Resolution failures are logged and skipped; a
// rotation check must never take the service down.
func (d *RotationDetector) CheckOnce(ctx context.Context) {
	d.mu.Lock()
	refs := make([]string, 0, len(d.fingerprints))
	for ref := range d.fingerprints {
		refs = append(refs, ref)
	}
	handlers := append([]RotationHandler(nil), d.handlers...)
	d.mu.Unlock()

	for _, ref := range refs {
		result, err := d.manager.ResolveFresh(ctx, ref)
		if err != nil {
			logger.Warnw("rotation check failed to resolve", "ref", MaskReference(ref), "error", err)
			continue
		}

		fp := fingerprint(result.Value)

		d.mu.Lock()
		previous := d.fingerprints[ref]
		d.fingerprints[ref] = fp
		d.mu.Unlock()

		if previous == "" || previous == fp {
			continue
		}

		logger.Infow("secret rotation detected", "ref", MaskReference(ref), "provider", result.Provider)
		event := RotationEvent{Ref: ref, Result: result}
		for _, handler := range handlers {
			handler(ctx, event)
		}
	}
}

func fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
