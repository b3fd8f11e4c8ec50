package middleware

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

type filterOptions struct {
	Condition string `mapstructure:"condition"`
	Value     string `mapstructure:"value"`
	Pattern   string `mapstructure:"pattern"`
	Flags     string `mapstructure:"flags"`
	MinLength int    `mapstructure:"min_length"`
	MaxLength int    `mapstructure:"max_length"`
	// Action on match: "skip" halts the chain, "continue" records the
	// match in scratch and passes the message through.
	Action string `mapstructure:"action"`
	Reason string `mapstructure:"reason"`
}

type filterStage struct {
	name    string
	opts    filterOptions
	pattern *regexp.Regexp
}

func newFilterStage(name string, params map[string]any, _ Deps) (Stage, error) {
	opts := filterOptions{Action: "skip"}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}

	stage := &filterStage{name: name, opts: opts}
	switch opts.Condition {
	case "contains", "not_contains", "starts_with", "ends_with":
		if opts.Value == "" {
			return nil, fmt.Errorf("condition %q requires a value", opts.Condition)
		}
	case "regex":
		expr := opts.Pattern
		if strings.Contains(opts.Flags, "i") {
			expr = "(?i)" + expr
		}
		pattern, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
		stage.pattern = pattern
	case "length":
		if opts.MinLength == 0 && opts.MaxLength == 0 {
			return nil, fmt.Errorf("length condition requires min_length or max_length")
		}
	case "empty":
	default:
		return nil, fmt.Errorf("unknown filter condition %q", opts.Condition)
	}
	switch opts.Action {
	case "skip", "continue":
	default:
		return nil, fmt.Errorf("unknown filter action %q", opts.Action)
	}
	return stage, nil
}

func (s *filterStage) Name() string { return s.name }

func (s *filterStage) Execute(_ context.Context, mc *MessageContext, next func() error) error {
	matched := s.matches(mc.Message.Text)
	mc.SetScratch(s.name, "matched", matched)

	if matched && s.opts.Action == "skip" {
		reason := s.opts.Reason
		if reason == "" {
			reason = fmt.Sprintf("filter condition %q matched", s.opts.Condition)
		}
		mc.MarkSkip(s.name, reason)
		return nil
	}
	return next()
}

func (s *filterStage) matches(text string) bool {
	switch s.opts.Condition {
	case "contains":
		return strings.Contains(text, s.opts.Value)
	case "not_contains":
		return !strings.Contains(text, s.opts.Value)
	case "starts_with":
		return strings.HasPrefix(text, s.opts.Value)
	case "ends_with":
		return strings.HasSuffix(text, s.opts.Value)
	case "regex":
		return s.pattern.MatchString(text)
	case "length":
		n := len([]rune(text))
		if s.opts.MinLength > 0 && n < s.opts.MinLength {
			return true
		}
		if s.opts.MaxLength > 0 && n > s.opts.MaxLength {
			return true
		}
		return false
	case "empty":
		return strings.TrimSpace(text) == ""
	}
	return false
}
