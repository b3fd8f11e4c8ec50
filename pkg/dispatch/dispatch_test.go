package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crier-bot/crier/pkg/client"
	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/message"
	"github.com/crier-bot/crier/pkg/providers"
	"github.com/crier-bot/crier/pkg/telemetry"
)

type postCall struct {
	account    string
	text       string
	visibility message.Visibility
}

type fakePoster struct {
	mu       sync.Mutex
	accounts map[string]*client.Account
	fail     map[string]error
	calls    []postCall
}

func newFakePoster(names ...string) *fakePoster {
	p := &fakePoster{
		accounts: make(map[string]*client.Account),
		fail:     make(map[string]error),
	}
	for _, name := range names {
		p.accounts[name] = client.NewAccount(&config.AccountConfig{
			Name:              name,
			Backend:           config.BackendMastodon,
			DefaultVisibility: "unlisted",
		}, client.Credentials{AccessToken: "token"})
	}
	return p
}

func (p *fakePoster) Account(name string) (*client.Account, bool) {
	a, ok := p.accounts[name]
	return a, ok
}

func (p *fakePoster) PostStatus(_ context.Context, accountName, text string, _ []message.Attachment, visibility message.Visibility) (client.PostID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[accountName]; err != nil {
		return "", err
	}
	p.calls = append(p.calls, postCall{account: accountName, text: text, visibility: visibility})
	return client.PostID(fmt.Sprintf("post-%d", len(p.calls))), nil
}

func (p *fakePoster) callsSnapshot() []postCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]postCall(nil), p.calls...)
}

func newTestEngine(t *testing.T, cfg *config.Config, poster Poster) *Engine {
	t.Helper()
	registry, err := providers.NewRegistry(cfg)
	require.NoError(t, err)
	tele, err := telemetry.NewProvider(telemetry.Config{})
	require.NoError(t, err)
	engine, err := NewEngine(cfg, registry, poster, tele)
	require.NoError(t, err)
	return engine
}

func pushProviderConfig(name string, accounts ...string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:     name,
		Kind:     config.KindPush,
		Accounts: accounts,
		Push:     &config.PushConfig{},
	}
}

func TestTriggerPushPostsToAllAccounts(t *testing.T) {
	t.Parallel()

	poster := newFakePoster("a1", "a2")
	cfg := &config.Config{Providers: []config.ProviderConfig{pushProviderConfig("p1", "a1", "a2")}}
	engine := newTestEngine(t, cfg, poster)

	result, err := engine.TriggerPush(context.Background(), "p1", &message.Message{Text: "hello"}, Overrides{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2"}, result.Succeeded())

	calls := poster.callsSnapshot()
	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.Equal(t, "hello", call.text)
		// No provider or explicit visibility, so the account default wins.
		assert.Equal(t, message.Visibility("unlisted"), call.visibility)
	}
}

func TestDispatchVisibilityPrecedence(t *testing.T) {
	t.Parallel()

	poster := newFakePoster("a1")
	pc := pushProviderConfig("p1", "a1")
	pc.Visibility = "private"
	cfg := &config.Config{Providers: []config.ProviderConfig{pc}}
	engine := newTestEngine(t, cfg, poster)

	// Provider visibility beats the account default.
	_, err := engine.TriggerPush(context.Background(), "p1", &message.Message{Text: "one"}, Overrides{})
	require.NoError(t, err)

	// An explicit override beats both.
	_, err = engine.TriggerPush(context.Background(), "p1", &message.Message{Text: "two"}, Overrides{Visibility: "direct"})
	require.NoError(t, err)

	calls := poster.callsSnapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, message.Visibility("private"), calls[0].visibility)
	assert.Equal(t, message.Visibility("direct"), calls[1].visibility)
}

func TestDispatchAccountOverride(t *testing.T) {
	t.Parallel()

	poster := newFakePoster("a1", "a2")
	cfg := &config.Config{Providers: []config.ProviderConfig{pushProviderConfig("p1", "a1")}}
	engine := newTestEngine(t, cfg, poster)

	result, err := engine.TriggerPush(context.Background(), "p1", &message.Message{Text: "hi"}, Overrides{Accounts: []string{"a2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, result.Succeeded())
}

func TestDispatchOneAccountFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	poster := newFakePoster("a1", "a2")
	poster.fail["a1"] = errors.NewUpstreamTransientError("instance melting", nil)
	cfg := &config.Config{Providers: []config.ProviderConfig{pushProviderConfig("p1", "a1", "a2")}}
	engine := newTestEngine(t, cfg, poster)

	result, err := engine.TriggerPush(context.Background(), "p1", &message.Message{Text: "hi"}, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, result.Succeeded())
	require.Len(t, result.Failed(), 1)
	assert.Equal(t, "a1", result.Failed()[0].Account)
}

func TestDispatchAllFailedReturnsInternal(t *testing.T) {
	t.Parallel()

	poster := newFakePoster("a1", "a2")
	poster.fail["a1"] = errors.NewUpstreamTransientError("down", nil)
	poster.fail["a2"] = errors.NewUpstreamPermanentError("revoked", nil)
	cfg := &config.Config{Providers: []config.ProviderConfig{pushProviderConfig("p1", "a1", "a2")}}
	engine := newTestEngine(t, cfg, poster)

	result, err := engine.TriggerPush(context.Background(), "p1", &message.Message{Text: "hi"}, Overrides{})
	require.Error(t, err)
	assert.True(t, errors.IsInternal(err))
	assert.True(t, result.AllFailed())
}

func TestDispatchPipelineSkipShortCircuits(t *testing.T) {
	t.Parallel()

	poster := newFakePoster("a1")
	pc := pushProviderConfig("p1", "a1")
	pc.Middleware = []config.MiddlewareConfig{{
		Name: "drop",
		Type: "filter",
		Params: map[string]any{
			"condition": "contains",
			"value":     "blocked",
		},
	}}
	cfg := &config.Config{Providers: []config.ProviderConfig{pc}}
	engine := newTestEngine(t, cfg, poster)

	result, err := engine.TriggerPush(context.Background(), "p1", &message.Message{Text: "this is blocked"}, Overrides{})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.NotEmpty(t, result.SkipReason)
	assert.Empty(t, poster.callsSnapshot())
}

func TestDispatchMarksItemOnlyAfterSuccess(t *testing.T) {
	t.Parallel()

	poster := newFakePoster("a1")
	cfg := &config.Config{
		CacheDir: t.TempDir(),
		Providers: []config.ProviderConfig{{
			Name:     "items",
			Kind:     config.KindMultiJSONCommand,
			Accounts: []string{"a1"},
			Template: "{{msg}}",
			MultiJSONCommand: &config.MultiJSONCommandConfig{
				JSONCommandConfig: config.JSONCommandConfig{
					CommandConfig: config.CommandConfig{
						Command: `echo '[{"id":"1","msg":"one"},{"id":"2","msg":"two"}]'`,
					},
				},
			},
		}},
	}
	engine := newTestEngine(t, cfg, poster)
	provider, ok := engine.registry.Get("items")
	require.True(t, ok)

	ctx := context.Background()

	generated, err := provider.Generate(ctx)
	require.NoError(t, err)
	require.Len(t, generated, 1)
	assert.Equal(t, "one", generated[0].Message.Text)
	assert.Equal(t, "1", generated[0].SourceID)

	// A failed delivery must not consume the item.
	poster.fail["a1"] = errors.NewUpstreamTransientError("down", nil)
	_, err = engine.Dispatch(ctx, "items", generated[0], Overrides{})
	require.Error(t, err)

	generated, err = provider.Generate(ctx)
	require.NoError(t, err)
	require.Len(t, generated, 1)
	assert.Equal(t, "1", generated[0].SourceID)

	// A successful delivery marks it; the next tick moves on.
	delete(poster.fail, "a1")
	_, err = engine.Dispatch(ctx, "items", generated[0], Overrides{})
	require.NoError(t, err)

	generated, err = provider.Generate(ctx)
	require.NoError(t, err)
	require.Len(t, generated, 1)
	assert.Equal(t, "2", generated[0].SourceID)
}

func TestTriggerPushRateLimited(t *testing.T) {
	t.Parallel()

	poster := newFakePoster("a1")
	pc := pushProviderConfig("p1", "a1")
	pc.Push = &config.PushConfig{RateLimit: 1, RateWindow: time.Hour}
	cfg := &config.Config{Providers: []config.ProviderConfig{pc}}
	engine := newTestEngine(t, cfg, poster)

	_, err := engine.TriggerPush(context.Background(), "p1", &message.Message{Text: "first"}, Overrides{})
	require.NoError(t, err)

	_, err = engine.TriggerPush(context.Background(), "p1", &message.Message{Text: "second"}, Overrides{})
	require.Error(t, err)
	assert.True(t, errors.IsRateLimit(err))
	assert.Contains(t, err.Error(), "retry in")
	assert.Len(t, poster.callsSnapshot(), 1)
}

func TestTriggerPushRejectsNonPushProvider(t *testing.T) {
	t.Parallel()

	poster := newFakePoster("a1")
	cfg := &config.Config{Providers: []config.ProviderConfig{{
		Name:     "pinger",
		Kind:     config.KindPing,
		Accounts: []string{"a1"},
		Ping:     &config.PingConfig{Message: "pong"},
	}}}
	engine := newTestEngine(t, cfg, poster)

	_, err := engine.TriggerPush(context.Background(), "pinger", &message.Message{Text: "x"}, Overrides{})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestRunProviderDispatchesGeneratedMessages(t *testing.T) {
	t.Parallel()

	poster := newFakePoster("a1")
	cfg := &config.Config{Providers: []config.ProviderConfig{{
		Name:     "pinger",
		Kind:     config.KindPing,
		Accounts: []string{"a1"},
		Ping:     &config.PingConfig{Message: "pong"},
	}}}
	engine := newTestEngine(t, cfg, poster)

	engine.RunProvider(context.Background(), "pinger")

	calls := poster.callsSnapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "pong", calls[0].text)
}
