package middleware

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/networking"
)

var (
	youtubeWatchRegex  = regexp.MustCompile(`https?://(?:www\.|m\.)?youtube\.com/watch\?[^\s<>"']*v=([A-Za-z0-9_-]{11})`)
	youtubeShortRegex  = regexp.MustCompile(`https?://youtu\.be/([A-Za-z0-9_-]{11})`)
	youtubeShortsRegex = regexp.MustCompile(`https?://(?:www\.|m\.)?youtube\.com/shorts/([A-Za-z0-9_-]{11})`)
	youtubeEmbedRegex  = regexp.MustCompile(`https?://(?:www\.)?youtube\.com/embed/([A-Za-z0-9_-]{11})`)
	shortsKeywordRegex = regexp.MustCompile(`(?i)(^|\s)#?shorts?(\s|$|[.,!?])`)
	lengthSecondsRegex = regexp.MustCompile(`"lengthSeconds"\s*:\s*"(\d+)"`)
)

// youtubeVideoIDs extracts the distinct video IDs referenced in text, in
// order of first appearance.
func youtubeVideoIDs(text string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, re := range []*regexp.Regexp{youtubeWatchRegex, youtubeShortRegex, youtubeShortsRegex, youtubeEmbedRegex} {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			if !seen[match[1]] {
				seen[match[1]] = true
				ids = append(ids, match[1])
			}
		}
	}
	return ids
}

// --- youtube_shorts_filter ---

type youtubeShortsFilterOptions struct {
	// KeywordAdjacency also treats a regular video URL next to a
	// "shorts" keyword as a Short.
	KeywordAdjacency bool   `mapstructure:"keyword_adjacency"`
	Reason           string `mapstructure:"reason"`
}

type youtubeShortsFilterStage struct {
	name string
	opts youtubeShortsFilterOptions
}

func newYouTubeShortsFilterStage(name string, params map[string]any, _ Deps) (Stage, error) {
	opts := youtubeShortsFilterOptions{KeywordAdjacency: true}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	return &youtubeShortsFilterStage{name: name, opts: opts}, nil
}

func (s *youtubeShortsFilterStage) Name() string { return s.name }

func (s *youtubeShortsFilterStage) Execute(_ context.Context, mc *MessageContext, next func() error) error {
	text := mc.Message.Text
	isShorts := youtubeShortsRegex.MatchString(text)
	if !isShorts && s.opts.KeywordAdjacency {
		hasVideo := youtubeWatchRegex.MatchString(text) || youtubeShortRegex.MatchString(text)
		isShorts = hasVideo && shortsKeywordRegex.MatchString(text)
	}
	if isShorts {
		reason := s.opts.Reason
		if reason == "" {
			reason = "message references a YouTube Short"
		}
		mc.MarkSkip(s.name, reason)
		return nil
	}
	return next()
}

// --- youtube_video_filter ---

type youtubeVideoFilterOptions struct {
	MinDuration time.Duration `mapstructure:"min_duration"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
	// IncludeTitle keeps only videos whose title matches one of the
	// patterns; ExcludeTitle drops matches. Patterns are regular
	// expressions when Regex is set, literal substrings otherwise.
	IncludeTitle []string      `mapstructure:"include_title"`
	ExcludeTitle []string      `mapstructure:"exclude_title"`
	Regex        bool          `mapstructure:"regex"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	// BaseURL overrides the YouTube endpoint, for tests.
	BaseURL string `mapstructure:"base_url"`
}

type videoMetadata struct {
	title    string
	duration time.Duration
	fetched  time.Time
}

type youtubeVideoFilterStage struct {
	name       string
	opts       youtubeVideoFilterOptions
	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]videoMetadata
	now   func() time.Time
}

func newYouTubeVideoFilterStage(name string, params map[string]any, deps Deps) (Stage, error) {
	opts := youtubeVideoFilterOptions{CacheTTL: time.Hour, BaseURL: "https://www.youtube.com"}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}

	stage := &youtubeVideoFilterStage{
		name:       name,
		opts:       opts,
		httpClient: deps.httpClient(),
		cache:      make(map[string]videoMetadata),
		now:        time.Now,
	}
	if opts.Regex {
		var err error
		if stage.include, err = compilePatterns(opts.IncludeTitle); err != nil {
			return nil, err
		}
		if stage.exclude, err = compilePatterns(opts.ExcludeTitle); err != nil {
			return nil, err
		}
	}
	return stage, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid title pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (s *youtubeVideoFilterStage) Name() string { return s.name }

// Execute drops the message when any referenced video violates the
// configured bounds. Metadata fetch failures fail open.
func (s *youtubeVideoFilterStage) Execute(ctx context.Context, mc *MessageContext, next func() error) error {
	for _, id := range youtubeVideoIDs(mc.Message.Text) {
		meta, err := s.metadata(ctx, id)
		if err != nil {
			logger.Warnw("video metadata fetch failed, allowing message",
				"stage", s.name, "video", id, "error", err)
			continue
		}
		if reason := s.violation(meta); reason != "" {
			mc.MarkSkip(s.name, fmt.Sprintf("video %s: %s", id, reason))
			return nil
		}
	}
	return next()
}

func (s *youtubeVideoFilterStage) violation(meta videoMetadata) string {
	if s.opts.MinDuration > 0 && meta.duration < s.opts.MinDuration {
		return fmt.Sprintf("duration %s below minimum %s", meta.duration, s.opts.MinDuration)
	}
	if s.opts.MaxDuration > 0 && meta.duration > s.opts.MaxDuration {
		return fmt.Sprintf("duration %s above maximum %s", meta.duration, s.opts.MaxDuration)
	}
	if len(s.opts.IncludeTitle) > 0 && !s.titleMatches(meta.title, s.opts.IncludeTitle, s.include) {
		return fmt.Sprintf("title %q matches no include pattern", meta.title)
	}
	if len(s.opts.ExcludeTitle) > 0 && s.titleMatches(meta.title, s.opts.ExcludeTitle, s.exclude) {
		return fmt.Sprintf("title %q matches an exclude pattern", meta.title)
	}
	return ""
}

func (s *youtubeVideoFilterStage) titleMatches(title string, literals []string, patterns []*regexp.Regexp) bool {
	if s.opts.Regex {
		for _, re := range patterns {
			if re.MatchString(title) {
				return true
			}
		}
		return false
	}
	lower := strings.ToLower(title)
	for _, lit := range literals {
		if strings.Contains(lower, strings.ToLower(lit)) {
			return true
		}
	}
	return false
}

func (s *youtubeVideoFilterStage) metadata(ctx context.Context, id string) (videoMetadata, error) {
	s.mu.Lock()
	cached, ok := s.cache[id]
	s.mu.Unlock()
	if ok && s.now().Sub(cached.fetched) < s.opts.CacheTTL {
		return cached, nil
	}

	meta, err := s.fetchMetadata(ctx, id)
	if err != nil {
		return videoMetadata{}, err
	}
	meta.fetched = s.now()
	s.mu.Lock()
	s.cache[id] = meta
	s.mu.Unlock()
	return meta, nil
}

type oembedResponse struct {
	Title string `json:"title"`
}

func (s *youtubeVideoFilterStage) fetchMetadata(ctx context.Context, id string) (videoMetadata, error) {
	watchURL := s.opts.BaseURL + "/watch?v=" + id
	oembedURL := s.opts.BaseURL + "/oembed?format=json&url=" + url.QueryEscape(watchURL)

	oembed, err := networking.FetchJSON[oembedResponse](ctx, s.httpClient, oembedURL, nil)
	if err != nil {
		return videoMetadata{}, fmt.Errorf("fetching oembed: %w", err)
	}

	page, err := networking.FetchBody(ctx, s.httpClient, watchURL, nil)
	if err != nil {
		return videoMetadata{}, fmt.Errorf("fetching watch page: %w", err)
	}
	match := lengthSecondsRegex.FindSubmatch(page)
	if match == nil {
		return videoMetadata{}, fmt.Errorf("no duration found in watch page")
	}
	seconds, err := strconv.Atoi(string(match[1]))
	if err != nil {
		return videoMetadata{}, fmt.Errorf("parsing duration: %w", err)
	}

	return videoMetadata{
		title:    oembed.Title,
		duration: time.Duration(seconds) * time.Second,
	}, nil
}

// --- youtube_caption ---

type youtubeCaptionOptions struct {
	// Mode: "replace", "prepend", or "append".
	Mode     string `mapstructure:"mode"`
	Language string `mapstructure:"language"`
	// BaseURL overrides the timedtext endpoint, for tests.
	BaseURL string `mapstructure:"base_url"`
}

type youtubeCaptionStage struct {
	name       string
	opts       youtubeCaptionOptions
	httpClient *http.Client
}

func newYouTubeCaptionStage(name string, params map[string]any, deps Deps) (Stage, error) {
	opts := youtubeCaptionOptions{Mode: "append", Language: "en", BaseURL: "https://video.google.com"}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	switch opts.Mode {
	case "replace", "prepend", "append":
	default:
		return nil, fmt.Errorf("unknown caption mode %q", opts.Mode)
	}
	return &youtubeCaptionStage{name: name, opts: opts, httpClient: deps.httpClient()}, nil
}

func (s *youtubeCaptionStage) Name() string { return s.name }

type timedText struct {
	Texts []struct {
		Start string `xml:"start,attr"`
		Body  string `xml:",chardata"`
	} `xml:"text"`
}

// Execute injects caption text for the first referenced video. Missing
// captions are a no-op.
func (s *youtubeCaptionStage) Execute(ctx context.Context, mc *MessageContext, next func() error) error {
	ids := youtubeVideoIDs(mc.Message.Text)
	if len(ids) == 0 {
		return next()
	}

	caption, err := s.fetchCaption(ctx, ids[0])
	if err != nil || caption == "" {
		if err != nil {
			logger.Warnw("caption fetch failed", "stage", s.name, "video", ids[0], "error", err)
		}
		return next()
	}

	switch s.opts.Mode {
	case "replace":
		mc.Message.Text = caption
	case "prepend":
		mc.Message.Text = caption + "\n\n" + mc.Message.Text
	case "append":
		mc.Message.Text += "\n\n" + caption
	}
	return next()
}

// fetchCaption pulls the timedtext track, drops timestamps, and
// normalizes whitespace.
func (s *youtubeCaptionStage) fetchCaption(ctx context.Context, id string) (string, error) {
	captionURL := fmt.Sprintf("%s/timedtext?lang=%s&v=%s", s.opts.BaseURL, url.QueryEscape(s.opts.Language), id)
	body, err := networking.FetchBody(ctx, s.httpClient, captionURL, nil)
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", nil
	}

	var tt timedText
	if err := xml.Unmarshal(body, &tt); err != nil {
		return "", fmt.Errorf("parsing captions: %w", err)
	}

	parts := make([]string, 0, len(tt.Texts))
	for _, t := range tt.Texts {
		cleaned := strings.TrimSpace(html.UnescapeString(t.Body))
		if cleaned != "" {
			parts = append(parts, cleaned)
		}
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " "), nil
}
