package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scriptable in-memory provider.
type fakeProvider struct {
	name   string
	prefix string

	mu       sync.Mutex
	values   map[string]string
	failures int // fail this many resolutions before succeeding
	calls    int
	connErr  error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CanHandle(ref string) bool {
	return strings.HasPrefix(ref, f.prefix)
}

func (f *fakeProvider) Resolve(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("transient failure")
	}
	value, ok := f.values[ref]
	if !ok {
		return "", fmt.Errorf("unknown reference")
	}
	return value, nil
}

func (f *fakeProvider) TestConnection(_ context.Context) error { return f.connErr }

func (f *fakeProvider) set(ref, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[ref] = value
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFakeProvider(name, prefix string) *fakeProvider {
	return &fakeProvider{name: name, prefix: prefix, values: make(map[string]string)}
}

func fastOptions() ManagerOptions {
	return ManagerOptions{
		CacheTTL:       time.Minute,
		CacheMaxSize:   10,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}
}

func TestResolveAndCache(t *testing.T) {
	t.Parallel()

	fake := newFakeProvider("fake", "fake://")
	fake.set("fake://token", "T1")
	m := NewManager(fastOptions(), fake)

	first, err := m.Resolve(context.Background(), "fake://token")
	require.NoError(t, err)
	assert.Equal(t, "T1", first.Value)
	assert.Equal(t, "fake", first.Provider)
	assert.False(t, first.Cached)

	// Within TTL the cached value is byte-equal and flagged as cached.
	second, err := m.Resolve(context.Background(), "fake://token")
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)
	assert.True(t, second.Cached)
	assert.Equal(t, 2, second.AccessCount)
	assert.Equal(t, 1, fake.callCount())
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	fake := newFakeProvider("fake", "fake://")
	fake.set("fake://flaky", "ok")
	fake.failures = 2
	m := NewManager(fastOptions(), fake)

	result, err := m.Resolve(context.Background(), "fake://flaky")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Value)
	assert.Equal(t, 3, fake.callCount())
}

func TestResolveExhaustsRetries(t *testing.T) {
	t.Parallel()

	fake := newFakeProvider("fake", "fake://")
	fake.set("fake://down", "never")
	fake.failures = 10
	m := NewManager(fastOptions(), fake)

	_, err := m.Resolve(context.Background(), "fake://down")
	require.Error(t, err)

	var resolveErr *ResolveError
	require.ErrorAs(t, err, &resolveErr)
	assert.Equal(t, "fake", resolveErr.Provider)
	assert.Equal(t, 3, fake.callCount())
}

func TestResolveUnknownScheme(t *testing.T) {
	t.Parallel()

	m := NewManager(fastOptions(), newFakeProvider("fake", "fake://"))

	_, err := m.Resolve(context.Background(), "foo://whatever")
	require.Error(t, err)

	var noProvider *NoProviderError
	assert.ErrorAs(t, err, &noProvider)
}

func TestProviderOrderFirstWins(t *testing.T) {
	t.Parallel()

	first := newFakeProvider("first", "shared://")
	first.set("shared://x", "from-first")
	second := newFakeProvider("second", "shared://")
	second.set("shared://x", "from-second")

	m := NewManager(fastOptions(), first, second)
	result, err := m.Resolve(context.Background(), "shared://x")
	require.NoError(t, err)
	assert.Equal(t, "from-first", result.Value)
}

func TestResolveFreshBypassesCache(t *testing.T) {
	t.Parallel()

	fake := newFakeProvider("fake", "fake://")
	fake.set("fake://token", "T1")
	m := NewManager(fastOptions(), fake)

	_, err := m.Resolve(context.Background(), "fake://token")
	require.NoError(t, err)

	fake.set("fake://token", "T2")
	fresh, err := m.ResolveFresh(context.Background(), "fake://token")
	require.NoError(t, err)
	assert.Equal(t, "T2", fresh.Value)
	assert.False(t, fresh.Cached)
}

func TestTestConnections(t *testing.T) {
	t.Parallel()

	healthy := newFakeProvider("healthy", "a://")
	broken := newFakeProvider("broken", "b://")
	broken.connErr = errors.New("unreachable")

	m := NewManager(fastOptions(), healthy, broken)
	results := m.TestConnections(context.Background())
	assert.Equal(t, map[string]bool{"healthy": true, "broken": false}, results)
}

func TestCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	fake := newFakeProvider("fake", "fake://")
	fake.set("fake://token", "T1")
	opts := fastOptions()
	m := NewManager(opts, fake)

	_, err := m.Resolve(context.Background(), "fake://token")
	require.NoError(t, err)

	// Age the entry past the TTL.
	m.cache.now = func() time.Time { return time.Now().Add(2 * opts.CacheTTL) }

	result, err := m.Resolve(context.Background(), "fake://token")
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, 2, fake.callCount())
}

func TestCacheLRUEviction(t *testing.T) {
	t.Parallel()

	fake := newFakeProvider("fake", "fake://")
	opts := fastOptions()
	opts.CacheMaxSize = 2
	m := NewManager(opts, fake)

	for i := 0; i < 3; i++ {
		ref := fmt.Sprintf("fake://ref-%d", i)
		fake.set(ref, fmt.Sprintf("v%d", i))
		_, err := m.Resolve(context.Background(), ref)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, m.cache.len())
	// The eldest entry was evicted; re-resolving hits the provider again.
	before := fake.callCount()
	result, err := m.Resolve(context.Background(), "fake://ref-0")
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, before+1, fake.callCount())
}
