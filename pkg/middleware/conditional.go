package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

type conditionSpec struct {
	// Type: "text", "length", "time", "provider", "accounts",
	// "scratch", or "env".
	Type string `mapstructure:"type"`
	// Match narrows text/provider/env checks: "contains" (default),
	// "equals", or "regex".
	Match   string `mapstructure:"match"`
	Value   string `mapstructure:"value"`
	Key     string `mapstructure:"key"`
	Min     int    `mapstructure:"min"`
	Max     int    `mapstructure:"max"`
	Exists  bool   `mapstructure:"exists"`
	Account string `mapstructure:"account"`
	// AfterHour/BeforeHour bound the "time" condition, inclusive start
	// and exclusive end.
	AfterHour  int `mapstructure:"after_hour"`
	BeforeHour int `mapstructure:"before_hour"`
}

type conditionalStageOptions struct {
	Operator   string          `mapstructure:"operator"`
	Invert     bool            `mapstructure:"invert"`
	Action     string          `mapstructure:"action"`
	Reason     string          `mapstructure:"reason"`
	Conditions []conditionSpec `mapstructure:"conditions"`
}

type conditionalStage struct {
	name     string
	opts     conditionalStageOptions
	patterns []*regexp.Regexp
	now      func() time.Time
}

func newConditionalStage(name string, params map[string]any, _ Deps) (Stage, error) {
	opts := conditionalStageOptions{Operator: "and", Action: "skip"}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	if len(opts.Conditions) == 0 {
		return nil, fmt.Errorf("conditional stage requires at least one condition")
	}
	switch strings.ToLower(opts.Operator) {
	case "and", "or":
		opts.Operator = strings.ToLower(opts.Operator)
	default:
		return nil, fmt.Errorf("unknown operator %q", opts.Operator)
	}
	switch opts.Action {
	case "skip", "continue":
	default:
		return nil, fmt.Errorf("unknown conditional action %q", opts.Action)
	}

	patterns := make([]*regexp.Regexp, len(opts.Conditions))
	for i, cond := range opts.Conditions {
		switch cond.Type {
		case "text", "length", "time", "provider", "accounts", "scratch", "env":
		default:
			return nil, fmt.Errorf("unknown condition type %q", cond.Type)
		}
		if cond.Match == "regex" {
			pattern, err := regexp.Compile(cond.Value)
			if err != nil {
				return nil, fmt.Errorf("condition %d: invalid pattern: %w", i, err)
			}
			patterns[i] = pattern
		}
	}
	return &conditionalStage{name: name, opts: opts, patterns: patterns, now: time.Now}, nil
}

func (s *conditionalStage) Name() string { return s.name }

func (s *conditionalStage) Execute(_ context.Context, mc *MessageContext, next func() error) error {
	holds := s.evaluate(mc)
	if s.opts.Invert {
		holds = !holds
	}
	mc.SetScratch(s.name, "matched", holds)

	if holds && s.opts.Action == "skip" {
		reason := s.opts.Reason
		if reason == "" {
			reason = "conditional rule matched"
		}
		mc.MarkSkip(s.name, reason)
		return nil
	}
	return next()
}

func (s *conditionalStage) evaluate(mc *MessageContext) bool {
	for i, cond := range s.opts.Conditions {
		result := s.evaluateOne(mc, cond, s.patterns[i])
		if s.opts.Operator == "and" && !result {
			return false
		}
		if s.opts.Operator == "or" && result {
			return true
		}
	}
	return s.opts.Operator == "and"
}

func (s *conditionalStage) evaluateOne(mc *MessageContext, cond conditionSpec, pattern *regexp.Regexp) bool {
	switch cond.Type {
	case "text":
		return matchString(mc.Message.Text, cond, pattern)
	case "length":
		n := len([]rune(mc.Message.Text))
		if cond.Min > 0 && n < cond.Min {
			return false
		}
		if cond.Max > 0 && n > cond.Max {
			return false
		}
		return true
	case "time":
		hour := s.now().Hour()
		return hour >= cond.AfterHour && (cond.BeforeHour == 0 || hour < cond.BeforeHour)
	case "provider":
		return matchString(mc.Provider, cond, pattern)
	case "accounts":
		for _, account := range mc.Accounts {
			if account == cond.Account {
				return true
			}
		}
		return false
	case "scratch":
		return matchScratch(mc, cond)
	case "env":
		value, present := os.LookupEnv(cond.Key)
		if cond.Exists || cond.Value == "" {
			return present
		}
		return present && matchString(value, cond, pattern)
	}
	return false
}

// matchScratch resolves cond.Key as a dot-path into the scratch map; the
// first segment is the full scratch key, the remainder descends into
// JSON-marshalable values.
func matchScratch(mc *MessageContext, cond conditionSpec) bool {
	head, rest, nested := strings.Cut(cond.Key, ".")
	value, ok := mc.Scratch[head]
	if !ok {
		return false
	}
	text := fmt.Sprintf("%v", value)
	if nested {
		raw, err := jsonValue(value)
		if err != nil {
			return false
		}
		result := gjson.GetBytes(raw, rest)
		if !result.Exists() {
			return false
		}
		text = result.String()
	}
	if cond.Exists || cond.Value == "" {
		return true
	}
	return text == cond.Value
}

func jsonValue(value any) ([]byte, error) {
	return json.Marshal(value)
}

func matchString(text string, cond conditionSpec, pattern *regexp.Regexp) bool {
	switch cond.Match {
	case "equals":
		return text == cond.Value
	case "regex":
		return pattern.MatchString(text)
	default:
		return strings.Contains(text, cond.Value)
	}
}
