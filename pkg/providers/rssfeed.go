package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/itemcache"
	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/message"
	"github.com/crier-bot/crier/pkg/networking"
	"github.com/crier-bot/crier/pkg/template"
)

var (
	xmlDeclEncodingRegex = regexp.MustCompile(`(?i)<\?xml[^>]*encoding=["']([^"']+)["']`)
	utf8BOM              = []byte{0xEF, 0xBB, 0xBF}
)

// defaultFeedTemplate renders a feed item when no template is configured.
const defaultFeedTemplate = "{{title}}\n{{link}}"

// RSSFeed polls a feed URL and yields items not yet in the processed
// cache. Items are marked by the dispatcher after delivery.
type RSSFeed struct {
	name       string
	cfg        config.RSSFeedConfig
	processor  *template.Processor
	cache      *itemcache.Cache
	httpClient *http.Client
}

// NewRSSFeed builds the provider and loads its cache.
func NewRSSFeed(pc *config.ProviderConfig, cache *itemcache.Cache) (*RSSFeed, error) {
	p := &RSSFeed{
		name:       pc.Name,
		cfg:        *pc.RSSFeed,
		processor:  &template.Processor{},
		cache:      cache,
		httpClient: networking.NewHttpClientBuilder().Build(),
	}
	if p.cfg.Template == "" {
		p.cfg.Template = defaultFeedTemplate
	}
	if err := cache.Load(); err != nil {
		return nil, fmt.Errorf("loading processed-item cache: %w", err)
	}
	return p, nil
}

func (p *RSSFeed) Name() string { return p.name }
func (p *RSSFeed) Kind() string { return config.KindRSSFeed }

// Generate fetches the feed and yields unseen items in feed order.
func (p *RSSFeed) Generate(ctx context.Context) ([]GeneratedMessage, error) {
	feed, err := p.fetchFeed(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := p.cache.Refresh(); err != nil {
		logger.Warnw("processed-item cache refresh failed", "provider", p.name, "error", err)
	}

	var out []GeneratedMessage
	for _, item := range feed.Items {
		id := item.GUID
		if id == "" {
			id = item.Link
		}
		if id == "" || p.cache.Contains(id) {
			continue
		}

		msg, err := p.renderItem(item)
		if err != nil {
			return nil, err
		}
		out = append(out, GeneratedMessage{Message: msg, SourceID: id})
	}

	if len(out) == 0 {
		logger.Infow("all items processed", "provider", p.name, "items", len(feed.Items))
	}
	return out, nil
}

func (p *RSSFeed) renderItem(item *gofeed.Item) (*message.Message, error) {
	published := ""
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.UTC().Format(time.RFC3339)
	}
	text, err := p.processor.ApplyMap(p.cfg.Template, map[string]any{
		"title":       item.Title,
		"link":        item.Link,
		"description": item.Description,
		"published":   published,
		"guid":        item.GUID,
	})
	if err != nil {
		return nil, err
	}
	return &message.Message{Text: text}, nil
}

// fetchFeed downloads and parses the feed, transcoding to UTF-8 first.
// Encoding detection order: HTTP Content-Type charset, XML declaration,
// UTF byte-order mark, fallback UTF-8.
func (p *RSSFeed) fetchFeed(ctx context.Context) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building feed request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, networking.NewHTTPError(resp.StatusCode, p.cfg.URL, "feed fetch failed")
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading feed body: %w", err)
	}

	decoded, err := decodeToUTF8(raw, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("transcoding feed: %w", err)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(decoded))
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}
	return feed, nil
}

func decodeToUTF8(raw []byte, contentType string) ([]byte, error) {
	if label := detectCharset(raw, contentType); label != "" && label != "utf-8" {
		enc, _ := charset.Lookup(label)
		if enc == nil {
			return nil, fmt.Errorf("unsupported charset %q", label)
		}
		decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
		if err != nil {
			return nil, err
		}
		return decoded, nil
	}
	// Drop a UTF-8 BOM if present; the XML parser handles the rest.
	return bytes.TrimPrefix(raw, utf8BOM), nil
}

func detectCharset(raw []byte, contentType string) string {
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if cs := params["charset"]; cs != "" {
				return normalizeLabel(cs)
			}
		}
	}
	head := raw
	if len(head) > 1024 {
		head = head[:1024]
	}
	if match := xmlDeclEncodingRegex.FindSubmatch(head); match != nil {
		return normalizeLabel(string(match[1]))
	}
	if bytes.HasPrefix(raw, utf8BOM) {
		return "utf-8"
	}
	return ""
}

func normalizeLabel(label string) string {
	return string(bytes.ToLower([]byte(label)))
}

// MarkProcessed implements ItemTracker.
func (p *RSSFeed) MarkProcessed(id string) error {
	p.cache.Add(id)
	return p.cache.Persist()
}
