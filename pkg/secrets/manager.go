package secrets

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/crier-bot/crier/pkg/logger"
)

// Default manager tuning.
const (
	DefaultCacheTTL       = 5 * time.Minute
	DefaultCacheMaxSize   = 100
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
)

// ManagerOptions tunes cache and retry behavior.
type ManagerOptions struct {
	// CacheTTL is how long resolved values are served from cache.
	CacheTTL time.Duration
	// CacheMaxSize bounds the cache; the entry with the oldest creation
	// time is evicted on overflow.
	CacheMaxSize int
	// MaxAttempts is the total number of resolution attempts per call.
	MaxAttempts int
	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.CacheMaxSize <= 0 {
		o.CacheMaxSize = DefaultCacheMaxSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	return o
}

// Manager resolves references through an ordered provider chain with
// caching and retries. It is safe for concurrent use.
type Manager struct {
	providers []Provider
	cache     *resultCache
	opts      ManagerOptions
}

// NewManager creates a manager polling the given providers in order.
func NewManager(opts ManagerOptions, providers ...Provider) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		providers: providers,
		cache:     newResultCache(opts.CacheTTL, opts.CacheMaxSize),
		opts:      opts,
	}
}

// Resolve resolves ref to a plaintext result. Fresh cache entries are
// returned directly with Cached set. Resolution failures are retried with
// exponential backoff before surfacing a ResolveError.
func (m *Manager) Resolve(ctx context.Context, ref string) (*Result, error) {
	if cached, ok := m.cache.get(ref); ok {
		logger.Debugw("secret served from cache", "ref", MaskReference(ref), "provider", cached.Provider)
		return cached, nil
	}

	provider := m.providerFor(ref)
	if provider == nil {
		return nil, &NoProviderError{Ref: ref}
	}

	value, err := m.resolveWithRetry(ctx, provider, ref)
	if err != nil {
		return nil, &ResolveError{Provider: provider.Name(), Ref: ref, Err: err}
	}

	result := &Result{
		Value:        value,
		Provider:     provider.Name(),
		Source:       MaskReference(ref),
		LastAccessed: time.Now(),
		AccessCount:  1,
	}
	m.cache.put(ref, result)
	logger.Debugw("secret resolved", "ref", MaskReference(ref), "provider", provider.Name())
	return result, nil
}

// ResolveFresh bypasses and refreshes the cache. The rotation detector
// uses it to observe the live value.
func (m *Manager) ResolveFresh(ctx context.Context, ref string) (*Result, error) {
	m.cache.invalidate(ref)
	return m.Resolve(ctx, ref)
}

// CanResolve reports whether some provider recognizes ref as a secret
// reference. Callers use it to distinguish references from literal values.
func (m *Manager) CanResolve(ref string) bool {
	return m.providerFor(ref) != nil
}

// TestConnections probes each provider non-destructively and reports
// reachability by provider name.
func (m *Manager) TestConnections(ctx context.Context) map[string]bool {
	results := make(map[string]bool, len(m.providers))
	for _, p := range m.providers {
		err := p.TestConnection(ctx)
		results[p.Name()] = err == nil
		if err != nil {
			logger.Warnw("secret provider connection test failed", "provider", p.Name(), "error", err)
		}
	}
	return results
}

func (m *Manager) providerFor(ref string) Provider {
	for _, p := range m.providers {
		if p.CanHandle(ref) {
			return p
		}
	}
	return nil
}

func (m *Manager) resolveWithRetry(ctx context.Context, provider Provider, ref string) (string, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = m.opts.InitialBackoff

	attempt := 0
	operation := func() (string, error) {
		attempt++
		value, err := provider.Resolve(ctx, ref)
		if err != nil {
			logger.Warnw("secret resolution attempt failed",
				"ref", MaskReference(ref), "provider", provider.Name(),
				"attempt", attempt, "max_attempts", m.opts.MaxAttempts, "error", err)
			return "", err
		}
		return value, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(m.opts.MaxAttempts)), // #nosec G115 -- small positive option value
	)
}
