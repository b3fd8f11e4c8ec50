// Package providers implements the message sources: scheduled commands,
// feed readers, and externally triggered push providers.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/itemcache"
	"github.com/crier-bot/crier/pkg/message"
)

// GeneratedMessage is one candidate message plus the processed-item ID
// it originated from. SourceID is empty for untracked sources; tracked
// IDs are marked processed only after a successful dispatch.
type GeneratedMessage struct {
	Message  *message.Message
	SourceID string
}

// Provider is a named message source.
type Provider interface {
	Name() string
	Kind() string
	// Generate produces zero or more candidate messages in source order.
	Generate(ctx context.Context) ([]GeneratedMessage, error)
}

// ItemTracker is implemented by providers backed by a processed-item
// cache. The dispatch engine marks items after delivery.
type ItemTracker interface {
	MarkProcessed(id string) error
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry builds providers from configuration. Caches for tracked
// providers live under cfg.CacheDir.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for i := range cfg.Providers {
		pc := &cfg.Providers[i]
		p, err := newProvider(cfg, pc)
		if err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("building provider %q", pc.Name), err)
		}
		r.providers[pc.Name] = p
		r.order = append(r.order, pc.Name)
	}
	return r, nil
}

func newProvider(cfg *config.Config, pc *config.ProviderConfig) (Provider, error) {
	switch pc.Kind {
	case config.KindPing:
		return NewPing(pc), nil
	case config.KindCommand:
		return NewCommand(pc), nil
	case config.KindJSONCommand:
		return NewJSONCommand(pc), nil
	case config.KindMultiJSONCommand:
		return NewMultiJSONCommand(pc, newItemCache(cfg, pc.Name, pc.MultiJSONCommand.CacheMaxSize, pc.MultiJSONCommand.CacheTTL))
	case config.KindRSSFeed:
		return NewRSSFeed(pc, newItemCache(cfg, pc.Name, pc.RSSFeed.CacheMaxSize, pc.RSSFeed.CacheTTL))
	case config.KindPush:
		return NewPush(pc), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
}

func newItemCache(cfg *config.Config, name string, maxSize int, ttl time.Duration) *itemcache.Cache {
	return itemcache.New(cfg.CacheFilePath(name), itemcache.Options{
		MaxSize: maxSize,
		TTL:     ttl,
	})
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// All returns the providers in configuration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}
