package middleware

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type textTransformOptions struct {
	Action      string `mapstructure:"action"`
	Search      string `mapstructure:"search"`
	Replacement string `mapstructure:"replacement"`
	Regex       bool   `mapstructure:"regex"`
	Text        string `mapstructure:"text"`
}

type textTransformStage struct {
	name    string
	opts    textTransformOptions
	pattern *regexp.Regexp
}

func newTextTransformStage(name string, params map[string]any, _ Deps) (Stage, error) {
	var opts textTransformOptions
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}

	stage := &textTransformStage{name: name, opts: opts}
	switch opts.Action {
	case "uppercase", "lowercase", "capitalize", "trim":
	case "replace":
		if opts.Search == "" {
			return nil, fmt.Errorf("replace requires a search value")
		}
		if opts.Regex {
			pattern, err := regexp.Compile(opts.Search)
			if err != nil {
				return nil, fmt.Errorf("invalid search pattern: %w", err)
			}
			stage.pattern = pattern
		}
	case "prepend", "append":
		if opts.Text == "" {
			return nil, fmt.Errorf("%s requires a text value", opts.Action)
		}
	default:
		return nil, fmt.Errorf("unknown text_transform action %q", opts.Action)
	}
	return stage, nil
}

func (s *textTransformStage) Name() string { return s.name }

func (s *textTransformStage) Execute(_ context.Context, mc *MessageContext, next func() error) error {
	text := mc.Message.Text
	switch s.opts.Action {
	case "uppercase":
		text = strings.ToUpper(text)
	case "lowercase":
		text = strings.ToLower(text)
	case "capitalize":
		text = capitalize(text)
	case "trim":
		text = strings.TrimSpace(text)
	case "replace":
		if s.pattern != nil {
			text = s.pattern.ReplaceAllString(text, s.opts.Replacement)
		} else {
			text = strings.ReplaceAll(text, s.opts.Search, s.opts.Replacement)
		}
	case "prepend":
		text = s.opts.Text + text
	case "append":
		text += s.opts.Text
	}
	mc.Message.Text = text
	return next()
}

func capitalize(s string) string {
	runes := []rune(s)
	if len(runes) == 0 {
		return s
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
