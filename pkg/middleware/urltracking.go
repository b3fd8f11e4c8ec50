package middleware

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var urlRegex = regexp.MustCompile(`https?://[^\s<>"']+`)

type urlTrackingOptions struct {
	// Params are appended to every tracked URL's query string.
	Params map[string]string `mapstructure:"params"`
	// WrapAnchors rewrites each URL into <a href="tracked">original</a>.
	// The href carries the tracked (normalized) URL; the anchor text
	// keeps the URL exactly as it appeared in the message.
	WrapAnchors    bool     `mapstructure:"wrap_anchors"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	DeniedDomains  []string `mapstructure:"denied_domains"`
	// SkipExisting leaves URLs untouched when they already carry any of
	// the configured params.
	SkipExisting bool `mapstructure:"skip_existing"`
}

type urlTrackingStage struct {
	name string
	opts urlTrackingOptions
}

func newURLTrackingStage(name string, params map[string]any, _ Deps) (Stage, error) {
	var opts urlTrackingOptions
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	if len(opts.Params) == 0 {
		return nil, fmt.Errorf("url_tracking requires at least one tracking param")
	}
	return &urlTrackingStage{name: name, opts: opts}, nil
}

func (s *urlTrackingStage) Name() string { return s.name }

func (s *urlTrackingStage) Execute(_ context.Context, mc *MessageContext, next func() error) error {
	mc.Message.Text = urlRegex.ReplaceAllStringFunc(mc.Message.Text, s.rewrite)
	return next()
}

func (s *urlTrackingStage) rewrite(original string) string {
	parsed, err := url.Parse(original)
	if err != nil || !s.domainEligible(parsed.Hostname()) {
		return original
	}

	query := parsed.Query()
	if s.opts.SkipExisting {
		for key := range s.opts.Params {
			if query.Has(key) {
				return original
			}
		}
	}
	for key, value := range s.opts.Params {
		query.Set(key, value)
	}
	parsed.RawQuery = query.Encode()

	tracked := parsed.String()
	if s.opts.WrapAnchors {
		return fmt.Sprintf(`<a href="%s">%s</a>`, tracked, original)
	}
	return tracked
}

func (s *urlTrackingStage) domainEligible(host string) bool {
	host = strings.ToLower(host)
	for _, denied := range s.opts.DeniedDomains {
		if domainMatches(host, denied) {
			return false
		}
	}
	if len(s.opts.AllowedDomains) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedDomains {
		if domainMatches(host, allowed) {
			return true
		}
	}
	return false
}

func domainMatches(host, domain string) bool {
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}
