package providers

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/itemcache"
	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/template"
)

// MultiJSONCommand runs a command whose stdout is a JSON array and
// yields the first element not yet marked in the processed-item cache.
// Items are marked by the dispatcher after delivery, so an item that
// fails to post is retried on the next tick.
type MultiJSONCommand struct {
	name      string
	cfg       config.MultiJSONCommandConfig
	tmpl      string
	processor *template.Processor
	cache     *itemcache.Cache
}

// NewMultiJSONCommand builds the provider and loads its cache.
func NewMultiJSONCommand(pc *config.ProviderConfig, cache *itemcache.Cache) (*MultiJSONCommand, error) {
	p := &MultiJSONCommand{
		name:      pc.Name,
		cfg:       *pc.MultiJSONCommand,
		tmpl:      pc.Template,
		processor: &template.Processor{},
		cache:     cache,
	}
	if err := cache.Load(); err != nil {
		return nil, fmt.Errorf("loading processed-item cache: %w", err)
	}
	return p, nil
}

func (p *MultiJSONCommand) Name() string { return p.name }
func (p *MultiJSONCommand) Kind() string { return config.KindMultiJSONCommand }

func (p *MultiJSONCommand) uniqueKey() string {
	if p.cfg.UniqueKey != "" {
		return p.cfg.UniqueKey
	}
	return "id"
}

// Generate returns the first unseen array element, templated. Duplicate
// IDs within one batch are fatal for the invocation.
func (p *MultiJSONCommand) Generate(ctx context.Context) ([]GeneratedMessage, error) {
	stdout, err := runCommand(ctx, p.cfg.CommandConfig)
	if err != nil {
		return nil, err
	}
	root := gjson.Parse(stdout)
	if !root.IsArray() {
		return nil, errors.NewLocalFatalError("command output is not a JSON array", nil)
	}

	// Pick up external edits to the cache file before deciding what is
	// new.
	if _, err := p.cache.Refresh(); err != nil {
		logger.Warnw("processed-item cache refresh failed", "provider", p.name, "error", err)
	}

	elements := root.Array()
	ids := make(map[string]bool, len(elements))
	var firstUnseen *gjson.Result
	var firstUnseenID string

	for i := range elements {
		element := elements[i]
		id := element.Get(p.uniqueKey()).String()
		if id == "" {
			return nil, errors.NewLocalFatalError(
				fmt.Sprintf("array element %d is missing unique key %q", i, p.uniqueKey()), nil)
		}
		if ids[id] {
			return nil, errors.NewLocalFatalError(
				fmt.Sprintf("duplicate item ID %q in command output", id), nil)
		}
		ids[id] = true

		if firstUnseen == nil && !p.cache.Contains(id) {
			firstUnseen = &elements[i]
			firstUnseenID = id
		}
	}

	if firstUnseen == nil {
		logger.Infow("all items processed", "provider", p.name, "items", len(elements))
		return nil, nil
	}

	msg, err := renderJSON(p.processor, p.tmpl, []byte(firstUnseen.Raw), attachmentConfig(&p.cfg.JSONCommandConfig))
	if err != nil {
		return nil, err
	}
	return []GeneratedMessage{{Message: msg, SourceID: firstUnseenID}}, nil
}

// MarkProcessed implements ItemTracker: records the delivered item and
// persists the cache.
func (p *MultiJSONCommand) MarkProcessed(id string) error {
	p.cache.Add(id)
	return p.cache.Persist()
}
